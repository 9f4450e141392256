package siemj

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/ini.v1"

	"github.com/xp-kbt/kbrunner/internal/config"
	"github.com/xp-kbt/kbrunner/internal/content"
	kberrors "github.com/xp-kbt/kbrunner/internal/errors"
	"github.com/xp-kbt/kbrunner/internal/tool"
)

type fixture struct {
	cfg         *config.Config
	contentRoot string
	ruleDir     string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	base := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.Paths.KBRoot = filepath.Join(base, "kb")
	cfg.Paths.ContentRoots = []string{"packages"}
	cfg.Paths.OutputDir = filepath.Join(base, "out")
	cfg.Paths.TmpDir = filepath.Join(base, "tmp")
	cfg.Tools.Siemj = "siemj"
	cfg.Tools.RCC = "/sdk/cli/rcc"
	cfg.Tools.Taxonomy = "/sdk/taxonomy.json"
	cfg.Tools.Appendix = "/sdk/appendix.xp"

	f := &fixture{
		cfg:         cfg,
		contentRoot: filepath.Join(cfg.Paths.KBRoot, "packages"),
	}
	f.ruleDir = f.writeRule(t, "Rule_A", `event Logon:
    filter {
        correlation_name == "Sub_B" or correlation_name == "Sub_C"
    }
`)
	return f
}

func (f *fixture) writeRule(t *testing.T, name, code string) string {
	t.Helper()
	dir := filepath.Join(f.contentRoot, "rules", name)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "tests"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "rule.co"), []byte(code), 0o644))
	return dir
}

func (f *fixture) rule(t *testing.T) *content.Rule {
	t.Helper()
	r, err := content.Load(f.ruleDir, zerolog.Nop())
	require.NoError(t, err)
	return r
}

func (f *fixture) outputPath(name string) string {
	return filepath.Join(f.cfg.OutputDirectoryPath("packages"), name)
}

func loadConf(t *testing.T, cmd tool.Command) *ini.File {
	t.Helper()
	require.Equal(t, "-c", cmd.Args[0])
	require.Equal(t, "main", cmd.Args[2])
	conf, err := ini.Load(cmd.Args[1])
	require.NoError(t, err)
	return conf
}

func write(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// ---------------------------------------------------------------------------
// Config builder
// ---------------------------------------------------------------------------

func TestConfigBuilder(t *testing.T) {
	f := newFixture(t)

	b := NewConfigBuilder(f.cfg, f.contentRoot)
	b.AddNormalizationsGraphBuilding(true)
	b.AddTablesSchemaBuilding()
	b.AddEventsNormalization("/data/raw.json")
	text, err := b.Build()
	require.NoError(t, err)

	assert.Contains(t, text, "[DEFAULT]")
	conf, err := ini.Load([]byte(text))
	require.NoError(t, err)

	def := conf.Section(ini.DefaultSection)
	assert.Equal(t, f.cfg.OutputDirectoryPath("packages"), def.Key("output_folder").String())
	assert.Equal(t, "/sdk/cli", def.Key("build_tools").String())

	nf := conf.Section("make-nfgraph")
	assert.Equal(t, "NFGRAPH", nf.Key("type").String())
	assert.Equal(t, "yes", nf.Key("force_build").String())
	assert.Equal(t, "/sdk/appendix.xp", nf.Key("xp_appendix").String())
	assert.Equal(t, f.contentRoot, nf.Key("rules_src").String())

	assert.Equal(t, "/data/raw.json", conf.Section("run-normalize").Key("in").String())
	assert.Equal(t, "SCENARIO", conf.Section("main").Key("type").String())
	assert.Equal(t, "make-nfgraph make-tables-schema run-normalize", conf.Section("main").Key("scenario").String())
}

func TestConfigBuilder_NoStages(t *testing.T) {
	f := newFixture(t)
	_, err := NewConfigBuilder(f.cfg, f.contentRoot).Build()
	assert.True(t, kberrors.Is(err, kberrors.ErrValidation))
}

func TestConfigBuilder_CorrelationSources(t *testing.T) {
	f := newFixture(t)

	b := NewConfigBuilder(f.cfg, f.contentRoot)
	b.AddCorrelationsGraphBuilding("/kb/A", "/kb/B")
	text, err := b.Build()
	require.NoError(t, err)

	conf, err := ini.Load([]byte(text))
	require.NoError(t, err)
	assert.Equal(t, "/kb/A,/kb/B", conf.Section("make-crgraph").Key("rules_src").String())
}

// ---------------------------------------------------------------------------
// Schema and output handling
// ---------------------------------------------------------------------------

func TestBuildSchema_WritesPlaceholdersWithoutTableLists(t *testing.T) {
	f := newFixture(t)
	write(t, f.outputPath("stale.json"), "old")

	mock := &tool.MockExecutor{Handler: func(cmd tool.Command) (tool.Result, error) {
		conf := loadConf(t, cmd)
		assert.Equal(t, "make-tables-schema", conf.Section("main").Key("scenario").String())
		return tool.Result{Output: "SUBPROCESS EXIT CODE: 0\n"}, nil
	}}
	m := NewManager(f.cfg, mock, zerolog.Nop())

	schema, err := m.BuildSchema(context.Background(), f.contentRoot)

	require.NoError(t, err)
	assert.Equal(t, f.cfg.SchemaFullPath("packages"), schema)
	data, err := os.ReadFile(schema)
	require.NoError(t, err)
	assert.Equal(t, "{}", string(data))
	assert.FileExists(t, f.cfg.CorrelationDefaultsPath("packages"))
	assert.NoFileExists(t, f.outputPath("stale.json"))
	assert.Equal(t, "siemj", mock.Commands()[0].Path)
}

func TestBuildSchema_MissingResult(t *testing.T) {
	f := newFixture(t)
	write(t, filepath.Join(f.contentRoot, "tables", "assets.tl"), "table Assets")

	m := NewManager(f.cfg, &tool.MockExecutor{}, zerolog.Nop())
	_, err := m.BuildSchema(context.Background(), f.contentRoot)

	assert.True(t, kberrors.Is(err, kberrors.ErrArtifactMissing))
}

func TestRun_FailureMarkerCarriesDiagnostics(t *testing.T) {
	f := newFixture(t)
	output := f.ruleDir + "/rule.co:3:9: unknown variable\nSUBPROCESS EXIT CODE: 1\n"
	m := NewManager(f.cfg, &tool.MockExecutor{Result: tool.Result{Output: output}}, zerolog.Nop())

	_, err := m.BuildSchema(context.Background(), f.contentRoot)

	require.Error(t, err)
	assert.True(t, kberrors.Is(err, kberrors.ErrToolFailed))
	diags := Diagnostics(err)
	require.Len(t, diags, 1)
	assert.Equal(t, 2, diags[0].Diagnostics[0].StartLine)
}

func TestRun_Interrupted(t *testing.T) {
	f := newFixture(t)
	m := NewManager(f.cfg, &tool.MockExecutor{Result: tool.Result{Interrupted: true}}, zerolog.Nop())

	_, err := m.BuildSchema(context.Background(), f.contentRoot)

	assert.True(t, kberrors.IsCanceled(err))
}

func TestCanceledBeforeFirstStage(t *testing.T) {
	f := newFixture(t)
	mock := &tool.MockExecutor{}
	m := NewManager(f.cfg, mock, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.BuildNormalizations(ctx, f.contentRoot)

	assert.True(t, kberrors.IsCanceled(err))
	assert.Zero(t, mock.CallCount())
}

func TestClearArtifacts(t *testing.T) {
	f := newFixture(t)
	write(t, f.outputPath("a.json"), "{}")
	write(t, filepath.Join(f.cfg.Paths.OutputDir, "other", "b.json"), "{}")

	NewManager(f.cfg, &tool.MockExecutor{}, zerolog.Nop()).ClearArtifacts()

	entries, err := os.ReadDir(f.cfg.Paths.OutputDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

// ---------------------------------------------------------------------------
// Normalization
// ---------------------------------------------------------------------------

func TestNormalize(t *testing.T) {
	f := newFixture(t)
	raw := filepath.Join(t.TempDir(), "raw.json")
	write(t, raw, `{"Event":"4624"}`)

	mock := &tool.MockExecutor{Handler: func(cmd tool.Command) (tool.Result, error) {
		conf := loadConf(t, cmd)
		assert.Equal(t, raw, conf.Section("run-normalize").Key("in").String())
		assert.Equal(t, "no", conf.Section("make-nfgraph").Key("force_build").String())
		write(t, f.cfg.NormalizedEventsFilePath("packages"), "{\"body\":\"raw\",\"msgid\":\"1\"}\n{\"msgid\":\"2\"}\n")
		return tool.Result{Output: "done"}, nil
	}}
	m := NewManager(f.cfg, mock, zerolog.Nop())

	events, err := m.Normalize(context.Background(), f.rule(t), raw)

	require.NoError(t, err)
	assert.Equal(t, "{\"msgid\":\"1\"}\n{\"msgid\":\"2\"}", events)
}

func TestNormalizeAndEnrich(t *testing.T) {
	f := newFixture(t)
	raw := filepath.Join(t.TempDir(), "raw.json")
	write(t, raw, `{"Event":"4624"}`)

	mock := &tool.MockExecutor{Handler: func(cmd tool.Command) (tool.Result, error) {
		conf := loadConf(t, cmd)
		assert.Equal(t, "make-nfgraph make-tables-schema make-tables-db make-ergraph run-normalize run-enrich",
			conf.Section("main").Key("scenario").String())
		write(t, f.cfg.EnrichedEventsFilePath("packages"), `{"msgid":"1","src.asset":"a"}`)
		return tool.Result{}, nil
	}}
	m := NewManager(f.cfg, mock, zerolog.Nop())

	events, err := m.NormalizeAndEnrich(context.Background(), f.rule(t), raw)

	require.NoError(t, err)
	assert.Equal(t, `{"msgid":"1","src.asset":"a"}`, events)
}

func TestNormalize_Errors(t *testing.T) {
	f := newFixture(t)
	raw := filepath.Join(t.TempDir(), "raw.json")
	write(t, raw, `{}`)

	t.Run("missing raw events", func(t *testing.T) {
		m := NewManager(f.cfg, &tool.MockExecutor{}, zerolog.Nop())
		_, err := m.Normalize(context.Background(), f.rule(t), filepath.Join(t.TempDir(), "nope.json"))
		assert.True(t, kberrors.Is(err, kberrors.ErrNotFound))
	})

	t.Run("no result file", func(t *testing.T) {
		m := NewManager(f.cfg, &tool.MockExecutor{}, zerolog.Nop())
		_, err := m.Normalize(context.Background(), f.rule(t), raw)
		assert.True(t, kberrors.Is(err, kberrors.ErrArtifactMissing))
	})

	t.Run("empty result", func(t *testing.T) {
		mock := &tool.MockExecutor{Handler: func(tool.Command) (tool.Result, error) {
			write(t, f.cfg.NormalizedEventsFilePath("packages"), "\n")
			return tool.Result{}, nil
		}}
		m := NewManager(f.cfg, mock, zerolog.Nop())
		_, err := m.Normalize(context.Background(), f.rule(t), raw)
		assert.True(t, kberrors.Is(err, kberrors.ErrToolNoOutput))
	})
}

// ---------------------------------------------------------------------------
// WLD and localizations
// ---------------------------------------------------------------------------

func TestBuildWLD(t *testing.T) {
	f := newFixture(t)
	exitCode := 0
	mock := &tool.MockExecutor{Handler: func(cmd tool.Command) (tool.Result, error) {
		if cmd.Path == "/sdk/cli/rcc" {
			return tool.Result{ExitCode: exitCode}, nil
		}
		return tool.Result{}, nil
	}}
	m := NewManager(f.cfg, mock, zerolog.Nop())

	wld, err := m.BuildWLD(context.Background(), f.contentRoot)

	require.NoError(t, err)
	assert.Equal(t, f.cfg.WhitelistingPath("packages"), wld)
	rcc := mock.Commands()[1]
	assert.Equal(t, []string{
		"--lang", "w",
		"--taxonomy=/sdk/taxonomy.json",
		"--schema=" + f.cfg.SchemaFullPath("packages"),
		"-o", wld,
		f.contentRoot,
	}, rcc.Args)

	exitCode = 2
	_, err = m.BuildWLD(context.Background(), f.contentRoot)
	assert.True(t, kberrors.Is(err, kberrors.ErrToolExitCode))
}

func TestBuildLocalizations(t *testing.T) {
	f := newFixture(t)
	mock := &tool.MockExecutor{Handler: func(cmd tool.Command) (tool.Result, error) {
		conf := loadConf(t, cmd)
		assert.Equal(t, "LOC", conf.Section("make-loca").Key("type").String())
		return tool.Result{}, nil
	}}
	m := NewManager(f.cfg, mock, zerolog.Nop())

	dirs, err := m.BuildLocalizations(context.Background())

	require.NoError(t, err)
	assert.Equal(t, []string{f.cfg.LocalizationsDirPath("packages")}, dirs)
}

func TestBuildLocalizations_KeepsEveryRootOutput(t *testing.T) {
	f := newFixture(t)
	f.cfg.Paths.ContentRoots = []string{"packages", "library"}
	require.NoError(t, os.MkdirAll(filepath.Join(f.cfg.Paths.KBRoot, "library"), 0o755))

	mock := &tool.MockExecutor{Handler: func(cmd tool.Command) (tool.Result, error) {
		conf := loadConf(t, cmd)
		root := filepath.Base(conf.Section("make-loca").Key("rules_src").String())
		write(t, f.cfg.RuRuleLocalizationFilePath(root), "{}")
		return tool.Result{}, nil
	}}
	m := NewManager(f.cfg, mock, zerolog.Nop())

	dirs, err := m.BuildLocalizations(context.Background())

	require.NoError(t, err)
	assert.Len(t, dirs, 2)
	assert.FileExists(t, f.cfg.RuRuleLocalizationFilePath("packages"))
	assert.FileExists(t, f.cfg.RuRuleLocalizationFilePath("library"))
}

func localizationHandler(t *testing.T, f *fixture, ru, en string) func(tool.Command) (tool.Result, error) {
	return func(cmd tool.Command) (tool.Result, error) {
		conf := loadConf(t, cmd)
		assert.NotEmpty(t, conf.Section("make-loca").Key("correlated_events").String())
		write(t, f.cfg.RuRuleLocalizationFilePath("packages"), ru)
		write(t, f.cfg.EnRuleLocalizationFilePath("packages"), en)
		return tool.Result{}, nil
	}
}

func TestBuildLocalizationExamples(t *testing.T) {
	f := newFixture(t)
	ru := strings.Join([]string{
		`{"correlation_name":"Rule_A","text":"Пользователь admin вошел на узел wks01"}`,
		`{"correlation_name":"Rule_A","text":"Пользователь admin вошел на узел wks01"}`,
		`{"correlation_name":"Sub_B","text":"Другое правило"}`,
		`{"correlation_name":"Rule_A","text":""}`,
		`{"correlation_name":"Rule_A"}`,
		`{"correlation_name":"Rule_A","text":"Без пары"}`,
	}, "\n")
	en := strings.Join([]string{
		`{"correlation_name":"Rule_A","text":"User admin logged on to wks01"}`,
		`{"correlation_name":"Rule_A","text":"User admin logged on to wks01"}`,
		`{"correlation_name":"Sub_B","text":"Other rule"}`,
		`{"correlation_name":"Rule_A","text":""}`,
		`{"correlation_name":"Rule_A","text":"x"}`,
	}, "\n")
	m := NewManager(f.cfg, &tool.MockExecutor{Handler: localizationHandler(t, f, ru, en)}, zerolog.Nop())
	tmp := t.TempDir()

	examples, err := m.BuildLocalizationExamples(context.Background(), f.rule(t), []string{`{"correlation_name":"Rule_A"}`, "", `{"correlation_name":"Sub_B"}`}, tmp)

	require.NoError(t, err)
	assert.Equal(t, []content.LocalizationExample{{
		CorrelationName: "Rule_A",
		RuText:          "Пользователь admin вошел на узел wks01",
		EnText:          "User admin logged on to wks01",
	}}, examples)

	all, err := os.ReadFile(filepath.Join(tmp, AllCorrelatedEventsFileName))
	require.NoError(t, err)
	assert.Equal(t, "{\"correlation_name\":\"Rule_A\"}\n{\"correlation_name\":\"Sub_B\"}", string(all))
}

func TestBuildLocalizationExamples_MalformedRecord(t *testing.T) {
	f := newFixture(t)
	m := NewManager(f.cfg, &tool.MockExecutor{Handler: localizationHandler(t, f, "{broken", `{"correlation_name":"Rule_A","text":"t"}`)}, zerolog.Nop())

	_, err := m.BuildLocalizationExamples(context.Background(), f.rule(t), []string{"{}"}, t.TempDir())

	assert.True(t, kberrors.Is(err, kberrors.ErrParse))
}

func TestBuildLocalizationExamplesFromIntegrationTests(t *testing.T) {
	f := newFixture(t)
	tmp := t.TempDir()
	write(t, filepath.Join(tmp, "Rule_A", "tests", "raw_events_1_norm_enr_corr_enr.json"), "{\"correlation_name\":\"Rule_A\"}\n\n")
	write(t, filepath.Join(tmp, "Rule_A", "tests", "raw_events_1_norm_enr.json"), `{"msgid":"1"}`)

	var correlated string
	handler := localizationHandler(t, f,
		`{"correlation_name":"Rule_A","text":"Вход"}`,
		`{"correlation_name":"Rule_A","text":"Logon"}`)
	mock := &tool.MockExecutor{Handler: func(cmd tool.Command) (tool.Result, error) {
		data, err := os.ReadFile(filepath.Join(tmp, AllCorrelatedEventsFileName))
		require.NoError(t, err)
		correlated = string(data)
		return handler(cmd)
	}}
	m := NewManager(f.cfg, mock, zerolog.Nop())

	examples, err := m.BuildLocalizationExamplesFromIntegrationTests(context.Background(), f.rule(t), tmp)

	require.NoError(t, err)
	require.Len(t, examples, 1)
	assert.Equal(t, "Logon", examples[0].EnText)
	assert.Equal(t, `{"correlation_name":"Rule_A"}`, correlated)
}

func TestBuildLocalizationExamplesFromIntegrationTests_NoArtifacts(t *testing.T) {
	f := newFixture(t)
	mock := &tool.MockExecutor{}
	m := NewManager(f.cfg, mock, zerolog.Nop())

	examples, err := m.BuildLocalizationExamplesFromIntegrationTests(context.Background(), f.rule(t), t.TempDir())

	require.NoError(t, err)
	assert.Nil(t, examples)
	assert.Zero(t, mock.CallCount())
}

// ---------------------------------------------------------------------------
// Integration tests
// ---------------------------------------------------------------------------

func TestRunIntegrationTests(t *testing.T) {
	f := newFixture(t)
	subDir := f.writeRule(t, "Sub_B", "event Sub:\n")
	write(t, filepath.Join(f.ruleDir, "tests", "raw_events_1.json"), `{"Event":"4624"}`)
	write(t, filepath.Join(f.ruleDir, "tests", "test_conds_1.tc"), `expect 1 {"correlation_name":"Rule_A"}`)

	mock := &tool.MockExecutor{Handler: func(cmd tool.Command) (tool.Result, error) {
		conf := loadConf(t, cmd)
		tests := conf.Section("run-tests")
		assert.Equal(t, "TEST_RULES", tests.Key("type").String())
		temp := tests.Key("temp").String()

		copied, err := os.ReadFile(filepath.Join(tests.Key("rules_src").String(), "tests", "raw_events_1.json"))
		require.NoError(t, err)
		assert.Equal(t, `{"Event":"4624"}`, string(copied))

		assert.Contains(t, conf.Section("make-crgraph").Key("rules_src").String(), subDir)
		write(t, filepath.Join(temp, "Rule_A", "tests", "raw_events_1_norm_enr.json"), `{"body":"<Event/>","msgid":"4624"}`)
		return tool.Result{Output: "all tests passed"}, nil
	}}
	m := NewManager(f.cfg, mock, zerolog.Nop())
	locator, err := content.NewLocator(f.cfg.ContentRootPaths(), 0, zerolog.Nop())
	require.NoError(t, err)
	m.Locator = locator
	rule := f.rule(t)

	result, err := m.RunIntegrationTests(context.Background(), rule)

	require.NoError(t, err)
	assert.Equal(t, []string{"Sub_C"}, result.MissingSubRules)
	assert.Equal(t, `{"msgid":"4624"}`, rule.IntegrationTests()[0].NormalizedEvents())
	assert.DirExists(t, result.TmpDir)

	require.NoError(t, result.Cleanup())
	assert.NoDirExists(t, result.TmpDir)
}

func TestRunIntegrationTests_NotRunnable(t *testing.T) {
	f := newFixture(t)
	m := NewManager(f.cfg, &tool.MockExecutor{}, zerolog.Nop())

	_, err := m.RunIntegrationTests(context.Background(), f.rule(t))
	assert.True(t, kberrors.Is(err, kberrors.ErrMissingParam))

	write(t, filepath.Join(f.ruleDir, "tests", "raw_events_1.json"), "  ")
	_, err = m.RunIntegrationTests(context.Background(), f.rule(t))
	assert.True(t, kberrors.Is(err, kberrors.ErrMissingParam))
}
