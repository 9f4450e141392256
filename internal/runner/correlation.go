package runner

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/xp-kbt/kbrunner/internal/config"
	"github.com/xp-kbt/kbrunner/internal/diagnostic"
	kberrors "github.com/xp-kbt/kbrunner/internal/errors"
	"github.com/xp-kbt/kbrunner/internal/jsonutil"
	"github.com/xp-kbt/kbrunner/internal/pattern"
	"github.com/xp-kbt/kbrunner/internal/testcase"
	"github.com/xp-kbt/kbrunner/internal/tool"
)

// [FAILED] test_1.sc: expected 1 event, got 0
var testFailedExpr = regexp.MustCompile(`(?mi)^\s*(?:\[FAIL(?:ED)?\]|TEST FAILED\b)`)

// CorrelationRunner runs correlation and enrichment unit tests with the
// correlator test CLI.
type CorrelationRunner struct {
	cfg    *config.Config
	exec   tool.Executor
	parser *diagnostic.Parser
	logger zerolog.Logger
}

// NewCorrelationRunner creates a runner using the configured recognizers.
func NewCorrelationRunner(cfg *config.Config, exec tool.Executor, logger zerolog.Logger) (*CorrelationRunner, error) {
	parser, err := diagnostic.NewCorrelationParser(cfg, logger)
	if err != nil {
		return nil, kberrors.Wrap(kberrors.ErrValidation, "invalid output recognizer", err)
	}
	return &CorrelationRunner{
		cfg:    cfg,
		exec:   exec,
		parser: parser,
		logger: logger.With().Str("component", "correlation-runner").Logger(),
	}, nil
}

// Run feeds the test fixture to the correlator. The tool checks the
// expectation itself; the runner reports its diagnostics and verdict and
// keeps the events the rule produced.
func (r *CorrelationRunner) Run(ctx context.Context, test testcase.UnitTest) (*Report, error) {
	start := time.Now()
	rule := test.Rule()
	report := &Report{Rule: rule.Name, Number: test.Number(), Status: testcase.StatusFailed}
	defer func() { report.Duration = time.Since(start) }()

	if !pattern.IsValidPath(rule.TestsDir()) {
		return nil, kberrors.New(kberrors.ErrInvalidPath,
			"test path contains characters the correlator cannot handle, use Latin letters, digits and path separators only").
			WithDetails("path", rule.TestsDir())
	}

	expectation := test.Expectation()
	compressed, err := pattern.CompressTestCode(expectation, !pattern.ContainsCompactJSON(expectation))
	if err != nil {
		return nil, kberrors.Wrap(kberrors.ErrBadExpectation, "the expect statement has no valid JSON event", err).
			WithDetails("test", test.Number())
	}

	fixture := strings.TrimSpace(test.InputData()) + "\n\n" + compressed
	testPath, cleanup, err := writeInputFile(r.cfg, fmt.Sprintf(testcase.CorrelationTestNameFormat, test.Number()), fixture)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	res, err := r.exec.Run(ctx, tool.Command{
		Path: r.cfg.Tools.Correlator,
		Args: []string{"--taxonomy", r.cfg.Tools.Taxonomy, "--rule", rule.FilePath(), "--test", testPath},
		Dir:  rule.Dir,
	})
	if err != nil {
		return nil, err
	}
	if res.Interrupted {
		return nil, kberrors.New(kberrors.ErrCanceled, "correlation test aborted by user")
	}
	if strings.TrimSpace(res.Output) == "" {
		return nil, kberrors.New(kberrors.ErrToolNoOutput,
			"the correlator returned nothing, check the rule and the test").
			WithDetails("test", test.Number())
	}
	test.SetOutput(res.Output)
	test.SetActualEvent(r.actualEvents(res.Output, rule.Name))

	if diags := r.parser.Parse(res.Output); len(diags) > 0 {
		report.Diagnostics = correctDiagnostics(rule.FilePath(), diags, r.logger)
		test.SetStatus(testcase.StatusFailed)
		return report, nil
	}

	if res.ExitCode == 0 && !testFailedExpr.MatchString(res.Output) {
		report.Status = testcase.StatusSuccess
	}
	test.SetStatus(report.Status)

	r.logger.Debug().
		Int("test", test.Number()).
		Bool("negative", pattern.IsNegativeTest(compressed)).
		Int("exit_code", res.ExitCode).
		Str("status", string(report.Status)).
		Msg("correlation test finished")
	return report, nil
}

// actualEvents keeps the rule's own events from the tool output without the
// technical fields, one pretty-printed event after another. Enrichment
// rules emit no correlation_name, so all events are kept for them.
func (r *CorrelationRunner) actualEvents(output, ruleName string) string {
	lines := pattern.ParseJSONLines(output)
	if own := pattern.FilterCorrelationEvents(lines, ruleName, r.logger); len(own) > 0 {
		lines = own
	}

	events := make([]string, 0, len(lines))
	for _, line := range lines {
		cleaned, err := jsonutil.CleanUnitTestResult(line)
		if err != nil {
			r.logger.Warn().Err(err).Msg("skipping unparseable correlator event")
			continue
		}
		events = append(events, cleaned)
	}
	return strings.Join(events, "\n")
}
