package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/xp-kbt/kbrunner/internal/config"
)

// Setup configures zerolog based on config. A nil out writes to stderr so
// that stdout stays free for command results.
func Setup(cfg config.LoggingConfig, out io.Writer) zerolog.Logger {
	if out == nil {
		out = os.Stderr
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "json" {
		return zerolog.New(out).With().Timestamp().Logger()
	}
	cw := zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}
	return zerolog.New(cw).With().Timestamp().Logger()
}

// OpenOutputLog opens the rotating tool output log configured in cfg.
// It returns nil without error when the output log is disabled.
func OpenOutputLog(cfg config.LoggingConfig) (*RotatingWriter, error) {
	if cfg.OutputLog == "" {
		return nil, nil
	}
	return NewRotatingWriter(cfg.OutputLog, cfg.MaxSizeMB, cfg.MaxBackups)
}
