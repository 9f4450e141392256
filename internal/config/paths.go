package config

import (
	"path/filepath"
)

// Artifact file names produced by the pipeline inside a content root's
// output directory.
const (
	SiemjConfigFileName         = "siemj.conf"
	SchemaFileName              = "schema.json"
	CorrelationDefaultsFileName = "correlation_defaults.json"
	NormalizationsGraphFileName = "formulas_graph.json"
	EnrichmentsGraphFileName    = "enrules_graph.json"
	CorrelationsGraphFileName   = "rules_graph.json"
	TablesDBFileName            = "fpta_db.db"
	NormalizedEventsFileName    = "norm_events.json"
	NotNormalizedEventsFileName = "not_normalized.json"
	EnrichedEventsFileName      = "enrich_events.json"
	CorrelatedEventsFileName    = "corr_events.json"
	WhitelistingGraphFileName   = "whitelisting_graph.json"
	LocalizationsDirName        = "langs"
	RuLocalizationFileName      = "ru_events.json"
	EnLocalizationFileName      = "en_events.json"
)

// ContentRootPaths returns the absolute content root directories.
func (c *Config) ContentRootPaths() []string {
	roots := make([]string, 0, len(c.Paths.ContentRoots))
	for _, r := range c.Paths.ContentRoots {
		if filepath.IsAbs(r) {
			roots = append(roots, r)
			continue
		}
		roots = append(roots, filepath.Join(c.Paths.KBRoot, r))
	}
	return roots
}

// OutputDirectoryPath is the per-content-root output directory.
func (c *Config) OutputDirectoryPath(rootFolder string) string {
	return filepath.Join(c.Paths.OutputDir, rootFolder)
}

// TmpDirectoryPath is the per-content-root temporary directory.
func (c *Config) TmpDirectoryPath(rootFolder string) string {
	return filepath.Join(c.Paths.TmpDir, rootFolder)
}

// TmpSiemjConfigPath is where the generated siemj.conf is written.
func (c *Config) TmpSiemjConfigPath(rootFolder string) string {
	return filepath.Join(c.TmpDirectoryPath(rootFolder), SiemjConfigFileName)
}

// SchemaFullPath is the tables schema produced by the schema build stage.
func (c *Config) SchemaFullPath(rootFolder string) string {
	return filepath.Join(c.OutputDirectoryPath(rootFolder), SchemaFileName)
}

// CorrelationDefaultsPath is the table defaults file next to the schema.
func (c *Config) CorrelationDefaultsPath(rootFolder string) string {
	return filepath.Join(c.OutputDirectoryPath(rootFolder), CorrelationDefaultsFileName)
}

// NormalizedEventsFilePath is the output of the normalization stage.
func (c *Config) NormalizedEventsFilePath(rootFolder string) string {
	return filepath.Join(c.OutputDirectoryPath(rootFolder), NormalizedEventsFileName)
}

// EnrichedEventsFilePath is the output of the enrichment stage.
func (c *Config) EnrichedEventsFilePath(rootFolder string) string {
	return filepath.Join(c.OutputDirectoryPath(rootFolder), EnrichedEventsFileName)
}

// CorrelatedEventsFilePath is the output of the correlation stage.
func (c *Config) CorrelatedEventsFilePath(rootFolder string) string {
	return filepath.Join(c.OutputDirectoryPath(rootFolder), CorrelatedEventsFileName)
}

// WhitelistingPath is the rcc output for whitelisting (wld) rules.
func (c *Config) WhitelistingPath(rootFolder string) string {
	return filepath.Join(c.OutputDirectoryPath(rootFolder), WhitelistingGraphFileName)
}

// LocalizationsDirPath is the root of the localization build output.
func (c *Config) LocalizationsDirPath(rootFolder string) string {
	return filepath.Join(c.OutputDirectoryPath(rootFolder), LocalizationsDirName)
}

// RuRuleLocalizationFilePath holds correlated events rendered in Russian.
func (c *Config) RuRuleLocalizationFilePath(rootFolder string) string {
	return filepath.Join(c.LocalizationsDirPath(rootFolder), "ru", RuLocalizationFileName)
}

// EnRuleLocalizationFilePath holds correlated events rendered in English.
func (c *Config) EnRuleLocalizationFilePath(rootFolder string) string {
	return filepath.Join(c.LocalizationsDirPath(rootFolder), "en", EnLocalizationFileName)
}
