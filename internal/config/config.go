// Package config handles kbrunner configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"
)

// Config is the top-level kbrunner configuration.
type Config struct {
	Tools   ToolsConfig   `yaml:"tools"`
	Paths   PathsConfig   `yaml:"paths"`
	Runner  RunnerConfig  `yaml:"runner"`
	Parser  ParserConfig  `yaml:"parser"`
	Storage StorageConfig `yaml:"storage"`
	Logging LoggingConfig `yaml:"logging"`
}

// ToolsConfig locates the external SDK utilities.
type ToolsConfig struct {
	SDKDir         string `yaml:"sdk_dir"`
	Siemj          string `yaml:"siemj"`
	RCC            string `yaml:"rcc"`
	Normalizer     string `yaml:"normalizer"`      // normalizer-cli
	Correlator     string `yaml:"correlator"`      // correlation unit-test cli
	Taxonomy       string `yaml:"taxonomy"`        // taxonomy.json
	Appendix       string `yaml:"appendix"`        // appendix.xp
	OutputEncoding string `yaml:"output_encoding"` // utf-8, cp866, windows-1251
}

// PathsConfig describes the knowledge base and working directories.
type PathsConfig struct {
	KBRoot       string   `yaml:"kb_root"`
	ContentRoots []string `yaml:"content_roots"` // relative to kb_root when not absolute
	OutputDir    string   `yaml:"output_dir"`
	TmpDir       string   `yaml:"tmp_dir"`
}

// RunnerConfig tunes test execution.
type RunnerConfig struct {
	Workers       int           `yaml:"workers"`
	KeepTempFiles bool          `yaml:"keep_temp_files"`
	TestTimeout   time.Duration `yaml:"test_timeout"`

	// CoordinateOffset is subtracted from line and column numbers reported by
	// the tools before they become 0-based diagnostics.
	CoordinateOffset int `yaml:"coordinate_offset"`
}

// ParserConfig adds output recognizers on top of the built-in ones.
type ParserConfig struct {
	Recognizers []RecognizerConfig `yaml:"recognizers,omitempty"`
}

// RecognizerConfig is a user-defined output pattern in ECMAScript syntax.
type RecognizerConfig struct {
	Name         string `yaml:"name"`
	Pattern      string `yaml:"pattern"`
	LineGroup    int    `yaml:"line_group"`   // 0 = no line capture
	ColumnGroup  int    `yaml:"column_group"` // 0 = no column capture
	MessageGroup int    `yaml:"message_group"`
}

// StorageConfig controls the run history database.
type StorageConfig struct {
	DSN string `yaml:"dsn"` // sqlite file path, empty disables history
}

// LoggingConfig controls structured logging and the tool output log.
type LoggingConfig struct {
	Level      string `yaml:"level"`      // debug, info, warn, error
	Format     string `yaml:"format"`     // json, console
	OutputLog  string `yaml:"output_log"` // raw tool output file, empty disables
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// ResolveEnv replaces ${VAR} references in config strings with their env values.
func ResolveEnv(s string) string {
	if len(s) > 3 && s[0] == '$' && s[1] == '{' && s[len(s)-1] == '}' {
		envKey := s[2 : len(s)-1]
		if v := os.Getenv(envKey); v != "" {
			return v
		}
	}
	return s
}

// ExpandPath resolves ${VAR} and a leading ~ in a configured path.
func ExpandPath(p string) string {
	if p == "" {
		return p
	}
	p = ResolveEnv(p)
	if expanded, err := homedir.Expand(p); err == nil {
		return expanded
	}
	return p
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() *Config {
	tmp := filepath.Join(os.TempDir(), "eXtractionAndProcessing")

	return &Config{
		Tools: ToolsConfig{
			SDKDir:         "~/xp/sdk",
			Siemj:          "~/xp/sdk/tools/siemj",
			RCC:            "~/xp/sdk/cli/rcc",
			Normalizer:     "~/xp/sdk/cli/normalizer-cli",
			Correlator:     "~/xp/sdk/cli/ecatest",
			Taxonomy:       "~/xp/taxonomy/taxonomy.json",
			Appendix:       "~/xp/sdk/appendix.xp",
			OutputEncoding: "utf-8",
		},
		Paths: PathsConfig{
			KBRoot:       ".",
			ContentRoots: []string{"packages"},
			OutputDir:    filepath.Join(tmp, "output"),
			TmpDir:       filepath.Join(tmp, "tmp"),
		},
		Runner: RunnerConfig{
			Workers:          4,
			KeepTempFiles:    false,
			TestTimeout:      5 * time.Minute,
			CoordinateOffset: 1,
		},
		Storage: StorageConfig{
			DSN: "./kbrunner.db",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			OutputLog:  filepath.Join(tmp, "output.log"),
			MaxSizeMB:  20,
			MaxBackups: 3,
		},
	}
}

// Load reads a YAML config file and merges it with defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if err := cfg.Validate(); err != nil {
				return nil, fmt.Errorf("invalid default config: %w", err)
			}
			return cfg, nil // Use defaults
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Save writes the config to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	return nil
}

// Validate checks required fields and constraints, clamping tunables.
func (c *Config) Validate() error {
	if c.Paths.OutputDir == "" {
		return fmt.Errorf("paths.output_dir is required")
	}
	if c.Paths.TmpDir == "" {
		return fmt.Errorf("paths.tmp_dir is required")
	}
	if c.Tools.Siemj == "" {
		return fmt.Errorf("tools.siemj is required")
	}

	switch c.Tools.OutputEncoding {
	case "":
		c.Tools.OutputEncoding = "utf-8"
	case "utf-8", "utf8", "cp866", "windows-1251", "cp1251":
		// ok
	default:
		return fmt.Errorf("tools.output_encoding must be 'utf-8', 'cp866' or 'windows-1251', got %q", c.Tools.OutputEncoding)
	}

	if c.Runner.Workers < 1 {
		c.Runner.Workers = 1
	}
	if c.Runner.Workers > 32 {
		c.Runner.Workers = 32
	}
	if c.Runner.CoordinateOffset < 0 {
		return fmt.Errorf("runner.coordinate_offset must not be negative, got %d", c.Runner.CoordinateOffset)
	}

	for i, r := range c.Parser.Recognizers {
		if r.Pattern == "" {
			return fmt.Errorf("parser.recognizers[%d].pattern is required", i)
		}
		if r.MessageGroup < 0 || r.LineGroup < 0 || r.ColumnGroup < 0 {
			return fmt.Errorf("parser.recognizers[%d]: group indexes must not be negative", i)
		}
	}

	switch c.Logging.Format {
	case "json", "console":
	case "":
		c.Logging.Format = "console"
	default:
		return fmt.Errorf("logging.format must be 'json' or 'console', got %q", c.Logging.Format)
	}

	c.Tools.SDKDir = ExpandPath(c.Tools.SDKDir)
	c.Tools.Siemj = ExpandPath(c.Tools.Siemj)
	c.Tools.RCC = ExpandPath(c.Tools.RCC)
	c.Tools.Normalizer = ExpandPath(c.Tools.Normalizer)
	c.Tools.Correlator = ExpandPath(c.Tools.Correlator)
	c.Tools.Taxonomy = ExpandPath(c.Tools.Taxonomy)
	c.Tools.Appendix = ExpandPath(c.Tools.Appendix)
	c.Paths.KBRoot = ExpandPath(c.Paths.KBRoot)
	c.Paths.OutputDir = ExpandPath(c.Paths.OutputDir)
	c.Paths.TmpDir = ExpandPath(c.Paths.TmpDir)
	c.Storage.DSN = ExpandPath(c.Storage.DSN)
	c.Logging.OutputLog = ExpandPath(c.Logging.OutputLog)

	return nil
}
