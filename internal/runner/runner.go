// Package runner executes unit tests through the external tools and decides
// their verdicts.
package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/xp-kbt/kbrunner/internal/config"
	"github.com/xp-kbt/kbrunner/internal/diagnostic"
	kberrors "github.com/xp-kbt/kbrunner/internal/errors"
	"github.com/xp-kbt/kbrunner/internal/testcase"
	"github.com/xp-kbt/kbrunner/internal/tool"
)

// Report is the outcome of one unit test run. Diagnostics are set whenever
// the tool reported problems, even when Err is set too.
type Report struct {
	Rule        string
	Number      int
	Status      testcase.Status
	Diagnostics []diagnostic.Diagnostic
	Comparison  *Comparison
	Err         error
	Duration    time.Duration
}

// Runner runs a single unit test and updates its status, actual event and
// output.
type Runner interface {
	Run(ctx context.Context, test testcase.UnitTest) (*Report, error)
}

// ForRule returns the runner matching the kind of the test's rule file.
func ForRule(ruleFile string, cfg *config.Config, exec tool.Executor, logger zerolog.Logger) (Runner, error) {
	switch filepath.Ext(ruleFile) {
	case ".xp":
		return NewNormalizationRunner(cfg, exec, logger)
	case ".co", ".en":
		return NewCorrelationRunner(cfg, exec, logger)
	}
	return nil, kberrors.Newf(kberrors.ErrValidation, "no unit test runner for %s", filepath.Base(ruleFile))
}

// correctDiagnostics moves diagnostics to the first non-blank character of
// their line in the rule source and tags them with the rule file.
func correctDiagnostics(ruleFile string, diags []diagnostic.Diagnostic, logger zerolog.Logger) []diagnostic.Diagnostic {
	if len(diags) == 0 {
		return diags
	}
	code, err := os.ReadFile(ruleFile)
	if err != nil {
		logger.Warn().Err(err).Str("path", ruleFile).Msg("cannot read rule source to correct diagnostics")
	}
	out := diagnostic.CorrectWhitespace(string(code), diags, logger)
	for i := range out {
		out[i].File = ruleFile
	}
	return out
}

// writeInputFile stores test input in a fresh directory under the temp root
// and returns the file path and a cleanup function.
func writeInputFile(cfg *config.Config, name, content string) (string, func(), error) {
	if err := os.MkdirAll(cfg.Paths.TmpDir, 0o755); err != nil {
		return "", nil, fmt.Errorf("creating temp directory: %w", err)
	}
	dir, err := os.MkdirTemp(cfg.Paths.TmpDir, "unit-*")
	if err != nil {
		return "", nil, fmt.Errorf("creating temp directory: %w", err)
	}
	cleanup := func() {
		if !cfg.Runner.KeepTempFiles {
			os.RemoveAll(dir)
		}
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("writing test input: %w", err)
	}
	return path, cleanup, nil
}
