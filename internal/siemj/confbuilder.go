// Package siemj drives the siemj build tool: it generates siemj.conf
// scenarios for a content root, runs them and collects their artifacts.
package siemj

import (
	"bytes"
	"path/filepath"
	"strings"

	"gopkg.in/ini.v1"

	"github.com/xp-kbt/kbrunner/internal/config"
	kberrors "github.com/xp-kbt/kbrunner/internal/errors"
)

func init() {
	// siemj reads the shared keys from an explicit [DEFAULT] section.
	ini.DefaultHeader = true
}

// Stage types understood by siemj.
const (
	stageNormalizationGraph = "NFGRAPH"
	stageSchema             = "SCHEMA"
	stageTablesDB           = "TABLES_DB"
	stageEnrichmentGraph    = "EGRAPH"
	stageCorrelationGraph   = "CGRAPH"
	stageNormalize          = "NORMALIZE"
	stageEnrich             = "ENRICH"
	stageLocalization       = "LOC"
	stageTestRules          = "TEST_RULES"
	stageScenario           = "SCENARIO"
)

// ConfigBuilder assembles a siemj.conf for one content root. Stages run in
// the order they are added.
type ConfigBuilder struct {
	cfg         *config.Config
	contentRoot string
	rootFolder  string

	file     *ini.File
	scenario []string
	err      error
}

// NewConfigBuilder creates a builder with the shared [DEFAULT] keys.
func NewConfigBuilder(cfg *config.Config, contentRoot string) *ConfigBuilder {
	b := &ConfigBuilder{
		cfg:         cfg,
		contentRoot: contentRoot,
		rootFolder:  filepath.Base(contentRoot),
		file:        ini.Empty(),
	}

	def := b.file.Section(ini.DefaultSection)
	b.set(def, "ptsiem_sdk", cfg.Tools.SDKDir)
	b.set(def, "build_tools", filepath.Dir(cfg.Tools.RCC))
	b.set(def, "taxonomy", cfg.Tools.Taxonomy)
	b.set(def, "output_folder", cfg.OutputDirectoryPath(b.rootFolder))
	b.set(def, "temp", cfg.TmpDirectoryPath(b.rootFolder))
	return b
}

func (b *ConfigBuilder) set(sec *ini.Section, key, value string) {
	if b.err != nil {
		return
	}
	if _, err := sec.NewKey(key, value); err != nil {
		b.err = err
	}
}

func (b *ConfigBuilder) stage(name, kind string, kv ...string) {
	if b.err != nil {
		return
	}
	sec, err := b.file.NewSection(name)
	if err != nil {
		b.err = err
		return
	}
	b.set(sec, "type", kind)
	for i := 0; i+1 < len(kv); i += 2 {
		b.set(sec, kv[i], kv[i+1])
	}
	b.scenario = append(b.scenario, name)
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

func (b *ConfigBuilder) out(name string) string {
	return filepath.Join(b.cfg.OutputDirectoryPath(b.rootFolder), name)
}

// AddNormalizationsGraphBuilding compiles every formula of the content root.
// Without force siemj reuses an up-to-date graph.
func (b *ConfigBuilder) AddNormalizationsGraphBuilding(force bool) {
	kv := []string{
		"rcc_lang", "n",
		"rules_src", b.contentRoot,
		"out", b.out(config.NormalizationsGraphFileName),
		"force_build", yesNo(force),
	}
	if b.cfg.Tools.Appendix != "" {
		kv = append(kv, "xp_appendix", b.cfg.Tools.Appendix)
	}
	b.stage("make-nfgraph", stageNormalizationGraph, kv...)
}

// AddTablesSchemaBuilding builds the table list schema and defaults.
func (b *ConfigBuilder) AddTablesSchemaBuilding() {
	b.stage("make-tables-schema", stageSchema,
		"table_list_schema_src", b.contentRoot,
		"out", b.cfg.OutputDirectoryPath(b.rootFolder),
	)
}

// AddTablesDBBuilding fills the table database from the built schema.
func (b *ConfigBuilder) AddTablesDBBuilding() {
	b.stage("make-tables-db", stageTablesDB,
		"table_list_schema", b.cfg.SchemaFullPath(b.rootFolder),
		"table_list_defaults", b.cfg.CorrelationDefaultsPath(b.rootFolder),
		"out", b.out(config.TablesDBFileName),
	)
}

// AddEnrichmentsGraphBuilding compiles every enrichment rule.
func (b *ConfigBuilder) AddEnrichmentsGraphBuilding() {
	b.stage("make-ergraph", stageEnrichmentGraph,
		"rcc_lang", "e",
		"rules_src", b.contentRoot,
		"table_list_schema", b.cfg.SchemaFullPath(b.rootFolder),
		"out", b.out(config.EnrichmentsGraphFileName),
	)
}

// AddCorrelationsGraphBuilding compiles the correlation rules found in
// rulesSrc, or in the whole content root when rulesSrc is empty.
func (b *ConfigBuilder) AddCorrelationsGraphBuilding(rulesSrc ...string) {
	src := b.contentRoot
	if len(rulesSrc) > 0 {
		src = strings.Join(rulesSrc, ",")
	}
	b.stage("make-crgraph", stageCorrelationGraph,
		"rcc_lang", "c",
		"rules_src", src,
		"table_list_schema", b.cfg.SchemaFullPath(b.rootFolder),
		"out", b.out(config.CorrelationsGraphFileName),
	)
}

// AddEventsNormalization normalizes the raw events in rawEventsPath.
func (b *ConfigBuilder) AddEventsNormalization(rawEventsPath string) {
	b.stage("run-normalize", stageNormalize,
		"formulas", b.out(config.NormalizationsGraphFileName),
		"in", rawEventsPath,
		"raw_without_envelope", "no",
		"print_statistics", "yes",
		"not_norm_events", b.out(config.NotNormalizedEventsFileName),
		"out", b.out(config.NormalizedEventsFileName),
	)
}

// AddEventsEnrichment enriches the output of the normalization stage.
func (b *ConfigBuilder) AddEventsEnrichment() {
	b.stage("run-enrich", stageEnrich,
		"ergraph", b.out(config.EnrichmentsGraphFileName),
		"in", b.out(config.NormalizedEventsFileName),
		"out", b.out(config.EnrichedEventsFileName),
	)
}

// AddLocalizationsBuilding renders localizations for the rules in rulesSrc.
// When correlatedEvents is set, siemj renders those events with the rule
// templates into the per-language event files.
func (b *ConfigBuilder) AddLocalizationsBuilding(rulesSrc, correlatedEvents string) {
	kv := []string{
		"rules_src", rulesSrc,
		"force_build", "yes",
		"out", b.cfg.LocalizationsDirPath(b.rootFolder),
	}
	if correlatedEvents != "" {
		kv = append(kv, "correlated_events", correlatedEvents)
	}
	b.stage("make-loca", stageLocalization, kv...)
}

// AddRulesTesting runs the integration tests stored in testsDir; siemj keeps
// per-test artifacts in tempDir.
func (b *ConfigBuilder) AddRulesTesting(testsDir, tempDir string) {
	b.stage("run-tests", stageTestRules,
		"cgraph", b.out(config.CorrelationsGraphFileName),
		"formulas", b.out(config.NormalizationsGraphFileName),
		"ergraph", b.out(config.EnrichmentsGraphFileName),
		"fpta_defaults", b.cfg.CorrelationDefaultsPath(b.rootFolder),
		"table_list_db", b.out(config.TablesDBFileName),
		"rules_src", testsDir,
		"temp", tempDir,
		"keep_temp_files", "yes",
	)
}

// Build returns the configuration text with a [main] scenario running every
// added stage.
func (b *ConfigBuilder) Build() (string, error) {
	if b.err != nil {
		return "", kberrors.Wrap(kberrors.ErrValidation, "cannot build siemj configuration", b.err)
	}
	if len(b.scenario) == 0 {
		return "", kberrors.New(kberrors.ErrValidation, "siemj configuration has no stages")
	}

	main, err := b.file.NewSection("main")
	if err != nil {
		return "", kberrors.Wrap(kberrors.ErrValidation, "cannot build siemj configuration", err)
	}
	b.set(main, "type", stageScenario)
	b.set(main, "scenario", strings.Join(b.scenario, " "))
	if b.err != nil {
		return "", kberrors.Wrap(kberrors.ErrValidation, "cannot build siemj configuration", b.err)
	}

	var buf bytes.Buffer
	if _, err := b.file.WriteTo(&buf); err != nil {
		return "", kberrors.Wrap(kberrors.ErrValidation, "cannot write siemj configuration", err)
	}
	return buf.String(), nil
}
