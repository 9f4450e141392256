package siemj

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/xp-kbt/kbrunner/internal/config"
	"github.com/xp-kbt/kbrunner/internal/content"
	"github.com/xp-kbt/kbrunner/internal/diagnostic"
	kberrors "github.com/xp-kbt/kbrunner/internal/errors"
	"github.com/xp-kbt/kbrunner/internal/pattern"
	"github.com/xp-kbt/kbrunner/internal/tool"
)

// Manager runs siemj scenarios against content roots.
type Manager struct {
	cfg    *config.Config
	exec   tool.Executor
	parser *diagnostic.SiemjParser
	logger zerolog.Logger

	// Locator resolves sub-rules of correlations under integration test.
	// Sub-rules are not compiled when it is nil.
	Locator *content.Locator
}

// NewManager creates a manager running siemj and rcc through exec.
func NewManager(cfg *config.Config, exec tool.Executor, logger zerolog.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		exec:   exec,
		parser: diagnostic.NewSiemjParser(cfg.Runner.CoordinateOffset, logger),
		logger: logger.With().Str("component", "siemj").Logger(),
	}
}

// Diagnostics returns the per-file diagnostics attached to a failed siemj
// run, if err carries any.
func Diagnostics(err error) []diagnostic.FileDiagnostics {
	var ke *kberrors.KBError
	if !errors.As(err, &ke) {
		return nil
	}
	d, _ := ke.Details["diagnostics"].([]diagnostic.FileDiagnostics)
	return d
}

func canceled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return kberrors.Wrap(kberrors.ErrCanceled, "operation aborted by user", err)
	}
	return nil
}

// ClearArtifacts removes everything in the output directory. Failures are
// logged; a stale file only costs a rebuild.
func (m *Manager) ClearArtifacts() {
	entries, err := os.ReadDir(m.cfg.Paths.OutputDir)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			m.logger.Warn().Err(err).Str("path", m.cfg.Paths.OutputDir).Msg("cannot list output directory")
		}
		return
	}
	for _, e := range entries {
		path := filepath.Join(m.cfg.Paths.OutputDir, e.Name())
		if err := os.RemoveAll(path); err != nil {
			m.logger.Warn().Err(err).Str("path", path).Msg("cannot remove build artifact")
		}
	}
}

// prepare clears old artifacts and creates the root's output directory.
func (m *Manager) prepare(ctx context.Context, contentRoot string) (string, error) {
	if err := canceled(ctx); err != nil {
		return "", err
	}
	m.ClearArtifacts()
	return m.outputFolder(contentRoot)
}

// outputFolder creates the root's output directory and returns its name.
func (m *Manager) outputFolder(contentRoot string) (string, error) {
	rootFolder := filepath.Base(contentRoot)
	if err := os.MkdirAll(m.cfg.OutputDirectoryPath(rootFolder), 0o755); err != nil {
		return "", fmt.Errorf("creating output directory: %w", err)
	}
	return rootFolder, nil
}

// run saves conf for contentRoot and executes `siemj -c <conf> main`.
// Roots without table lists get empty schema and defaults files so that
// every stage finds its inputs.
func (m *Manager) run(ctx context.Context, contentRoot, conf string) (string, error) {
	if err := canceled(ctx); err != nil {
		return "", err
	}
	rootFolder := filepath.Base(contentRoot)

	hasTables, err := containsTableLists(contentRoot)
	if err != nil {
		return "", err
	}
	if !hasTables {
		for _, p := range []string{m.cfg.CorrelationDefaultsPath(rootFolder), m.cfg.SchemaFullPath(rootFolder)} {
			if err := writeFile(p, "{}"); err != nil {
				return "", err
			}
		}
	}

	confPath := m.cfg.TmpSiemjConfigPath(rootFolder)
	if err := writeFile(confPath, conf); err != nil {
		return "", err
	}

	m.logger.Info().Str("root", rootFolder).Str("conf", confPath).Msg("running siemj")
	res, err := m.exec.Run(ctx, tool.Command{
		Path: m.cfg.Tools.Siemj,
		Args: []string{"-c", confPath, "main"},
	})
	if err != nil {
		return "", err
	}
	if res.Interrupted {
		return "", kberrors.New(kberrors.ErrCanceled, "operation aborted by user")
	}
	return res.Output, m.processOutput(res.Output)
}

func (m *Manager) processOutput(output string) error {
	result := m.parser.Parse(output)
	if !result.Failed {
		return nil
	}
	return kberrors.New(kberrors.ErrToolFailed, "siemj run failed, see the tool output log").
		WithDetails("diagnostics", result.Files)
}

func (m *Manager) buildAndRun(ctx context.Context, contentRoot string, b *ConfigBuilder) (string, error) {
	conf, err := b.Build()
	if err != nil {
		return "", err
	}
	return m.run(ctx, contentRoot, conf)
}

func requireArtifact(path, what string) error {
	if _, err := os.Stat(path); err != nil {
		return kberrors.Newf(kberrors.ErrArtifactMissing, "%s failed, the result file was not created", what).
			WithDetails("path", path)
	}
	return nil
}

// BuildSchema builds the table list schema of a content root.
func (m *Manager) BuildSchema(ctx context.Context, contentRoot string) (string, error) {
	rootFolder, err := m.prepare(ctx, contentRoot)
	if err != nil {
		return "", err
	}

	b := NewConfigBuilder(m.cfg, contentRoot)
	b.AddTablesSchemaBuilding()
	if _, err := m.buildAndRun(ctx, contentRoot, b); err != nil {
		return "", err
	}

	schema := m.cfg.SchemaFullPath(rootFolder)
	if err := requireArtifact(schema, "schema build"); err != nil {
		return "", err
	}
	return schema, nil
}

// BuildNormalizations compiles the normalization graph of a content root.
func (m *Manager) BuildNormalizations(ctx context.Context, contentRoot string) (string, error) {
	rootFolder, err := m.prepare(ctx, contentRoot)
	if err != nil {
		return "", err
	}

	b := NewConfigBuilder(m.cfg, contentRoot)
	b.AddNormalizationsGraphBuilding(true)
	if _, err := m.buildAndRun(ctx, contentRoot, b); err != nil {
		return "", err
	}

	graph := filepath.Join(m.cfg.OutputDirectoryPath(rootFolder), config.NormalizationsGraphFileName)
	if err := requireArtifact(graph, "normalization graph build"); err != nil {
		return "", err
	}
	return graph, nil
}

// Normalize runs raw events through the normalization graph of the rule's
// content root and returns the normalized events without their body.
func (m *Manager) Normalize(ctx context.Context, rule *content.Rule, rawEventsPath string) (string, error) {
	return m.normalize(ctx, rule, rawEventsPath, false)
}

// NormalizeAndEnrich is Normalize followed by the enrichment stage.
func (m *Manager) NormalizeAndEnrich(ctx context.Context, rule *content.Rule, rawEventsPath string) (string, error) {
	return m.normalize(ctx, rule, rawEventsPath, true)
}

func (m *Manager) normalize(ctx context.Context, rule *content.Rule, rawEventsPath string, enrich bool) (string, error) {
	if _, err := os.Stat(rawEventsPath); err != nil {
		return "", kberrors.Wrap(kberrors.ErrNotFound, "raw events file does not exist", err).
			WithDetails("path", rawEventsPath)
	}
	if !pattern.IsValidPath(rawEventsPath) {
		return "", kberrors.New(kberrors.ErrInvalidPath, "raw events path contains characters siemj cannot handle, fix the path and try again").
			WithDetails("path", rawEventsPath)
	}

	contentRoot, err := rule.ContentRoot(m.cfg)
	if err != nil {
		return "", err
	}
	rootFolder, err := m.prepare(ctx, contentRoot)
	if err != nil {
		return "", err
	}

	b := NewConfigBuilder(m.cfg, contentRoot)
	b.AddNormalizationsGraphBuilding(false)
	b.AddTablesSchemaBuilding()
	if enrich {
		b.AddTablesDBBuilding()
		b.AddEnrichmentsGraphBuilding()
	}
	b.AddEventsNormalization(rawEventsPath)
	if enrich {
		b.AddEventsEnrichment()
	}
	if _, err := m.buildAndRun(ctx, contentRoot, b); err != nil {
		return "", err
	}

	resultPath, what := m.cfg.NormalizedEventsFilePath(rootFolder), "event normalization"
	if enrich {
		resultPath, what = m.cfg.EnrichedEventsFilePath(rootFolder), "event normalization and enrichment"
	}
	if err := requireArtifact(resultPath, what); err != nil {
		return "", err
	}

	data, err := os.ReadFile(resultPath)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", resultPath, err)
	}
	events, err := pattern.RemoveFieldsFromJSONL(string(data), "body")
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(events) == "" {
		return "", kberrors.New(kberrors.ErrToolNoOutput,
			"no event was produced, check the event envelope and that a matching normalization exists in the content tree").
			WithDetails("path", rawEventsPath)
	}
	return events, nil
}

// BuildWLD builds the schema of a content root and then compiles its
// whitelisting rules with rcc. Only rcc's exit code decides success.
func (m *Manager) BuildWLD(ctx context.Context, contentRoot string) (string, error) {
	schema, err := m.BuildSchema(ctx, contentRoot)
	if err != nil {
		return "", err
	}
	if err := canceled(ctx); err != nil {
		return "", err
	}

	wld := m.cfg.WhitelistingPath(filepath.Base(contentRoot))
	res, err := m.exec.Run(ctx, tool.Command{
		Path: m.cfg.Tools.RCC,
		Args: []string{
			"--lang", "w",
			"--taxonomy=" + m.cfg.Tools.Taxonomy,
			"--schema=" + schema,
			"-o", wld,
			contentRoot,
		},
	})
	if err != nil {
		return "", err
	}
	if res.Interrupted {
		return "", kberrors.New(kberrors.ErrCanceled, "operation aborted by user")
	}
	if res.ExitCode != 0 {
		return "", kberrors.Newf(kberrors.ErrToolExitCode, "rcc exited with code %d", res.ExitCode).
			WithDetails("root", contentRoot)
	}
	return wld, nil
}

// BuildLocalizations renders localizations for every content root and
// returns their output directories. Artifacts are cleared once, before the
// first root.
func (m *Manager) BuildLocalizations(ctx context.Context) ([]string, error) {
	if err := canceled(ctx); err != nil {
		return nil, err
	}
	m.ClearArtifacts()

	var dirs []string
	for _, root := range m.cfg.ContentRootPaths() {
		abs, err := filepath.Abs(root)
		if err != nil {
			return dirs, fmt.Errorf("resolving content root: %w", err)
		}
		rootFolder, err := m.outputFolder(abs)
		if err != nil {
			return dirs, err
		}

		b := NewConfigBuilder(m.cfg, abs)
		b.AddLocalizationsBuilding(abs, "")
		if _, err := m.buildAndRun(ctx, abs, b); err != nil {
			return dirs, err
		}
		dirs = append(dirs, m.cfg.LocalizationsDirPath(rootFolder))
	}
	return dirs, nil
}

func containsTableLists(root string) (bool, error) {
	found := false
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && filepath.Ext(path) == ".tl" {
			found = true
			return fs.SkipAll
		}
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("scanning %s: %w", root, err)
	}
	return found, nil
}

func writeFile(path, data string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
