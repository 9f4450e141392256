package runner

import (
	"context"
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

// NormalizationRunner runs normalization unit tests with the normalizer CLI.
type NormalizationRunner struct {
	cfg    *config.Config
	exec   tool.Executor
	parser *diagnostic.Parser
	logger zerolog.Logger

	// UseAppendix passes the SDK appendix formulas to the normalizer.
	UseAppendix bool
}

// NewNormalizationRunner creates a runner using the configured recognizers.
func NewNormalizationRunner(cfg *config.Config, exec tool.Executor, logger zerolog.Logger) (*NormalizationRunner, error) {
	parser, err := diagnostic.NewNormalizationParser(cfg, logger)
	if err != nil {
		return nil, kberrors.Wrap(kberrors.ErrValidation, "invalid output recognizer", err)
	}
	return &NormalizationRunner{
		cfg:    cfg,
		exec:   exec,
		parser: parser,
		logger: logger.With().Str("component", "normalization-runner").Logger(),
	}, nil
}

// Run normalizes the test's raw event and compares the result with the
// expected event. Tool diagnostics fail the test without a comparison.
func (r *NormalizationRunner) Run(ctx context.Context, test testcase.UnitTest) (*Report, error) {
	start := time.Now()
	rule := test.Rule()
	report := &Report{Rule: rule.Name, Number: test.Number(), Status: testcase.StatusFailed}
	defer func() { report.Duration = time.Since(start) }()

	// The normalizer cannot open paths with non-ASCII characters.
	if !pattern.IsValidPath(rule.TestsDir()) {
		return nil, kberrors.New(kberrors.ErrInvalidPath,
			"test path contains characters the normalizer cannot handle, use Latin letters, digits and path separators only").
			WithDetails("path", rule.TestsDir())
	}

	inputPath, cleanup, err := writeInputFile(r.cfg, "raw_event.txt", test.InputData())
	if err != nil {
		return nil, err
	}
	defer cleanup()

	res, err := r.exec.Run(ctx, tool.Command{
		Path: r.cfg.Tools.Normalizer,
		Args: r.args(rule, inputPath),
		Dir:  rule.Dir,
	})
	if err != nil {
		return nil, err
	}
	if res.Interrupted {
		return nil, kberrors.New(kberrors.ErrCanceled, "normalization test aborted by user")
	}
	if strings.TrimSpace(res.Output) == "" {
		return nil, kberrors.New(kberrors.ErrToolNoOutput,
			"the normalizer returned nothing, fix the normalization rule and try again").
			WithDetails("test", test.Number())
	}
	test.SetOutput(res.Output)

	if diags := r.parser.Parse(res.Output); len(diags) > 0 {
		report.Diagnostics = correctDiagnostics(rule.FilePath(), diags, r.logger)
		test.SetStatus(testcase.StatusFailed)
		r.logger.Info().Int("test", test.Number()).Int("diagnostics", len(diags)).Msg("normalizer reported errors")
		return report, nil
	}

	events := pattern.ParseJSONLines(res.Output)
	if len(events) != 1 {
		return nil, kberrors.New(kberrors.ErrEventCountWrong,
			"the normalizer must return exactly one event, check the rule and the input data").
			WithDetails("events", len(events))
	}
	test.SetActualEvent(events[0])

	expected, err := jsonutil.ParseObject([]byte(test.Expectation()))
	if err != nil {
		return nil, kberrors.Wrap(kberrors.ErrBadExpectation, "expected event is not valid JSON, correct it and try again", err).
			WithDetails("test", test.Number())
	}
	if !jsonutil.IsEmpty(expected) {
		expected = ClearIrrelevantFields(expected)
	}

	actual, err := jsonutil.ParseObject([]byte(events[0]))
	if err != nil {
		return nil, kberrors.Wrap(kberrors.ErrBadActualEvent, "normalized event is not valid JSON, check the input event", err).
			WithDetails("test", test.Number())
	}
	if pretty, err := jsonutil.PrettyPrint(actual); err == nil {
		test.SetActualEvent(pretty)
	}

	cmp := Compare(expected, ClearIrrelevantFields(actual))
	report.Comparison = &cmp
	if cmp.Success() {
		report.Status = testcase.StatusSuccess
	}
	test.SetStatus(report.Status)

	r.logger.Debug().
		Int("test", test.Number()).
		Int("matched", cmp.MatchedFields).
		Int("fields", cmp.TotalFields).
		Int("segments", cmp.DiffSegments).
		Str("status", string(report.Status)).
		Msg("normalization test compared")
	return report, nil
}

// args builds: --taxonomy <file> --formula <rule> [--appendix <file>] <input>
func (r *NormalizationRunner) args(rule testcase.RuleRef, inputPath string) []string {
	args := []string{"--taxonomy", r.cfg.Tools.Taxonomy, "--formula", rule.FilePath()}
	if r.UseAppendix && r.cfg.Tools.Appendix != "" {
		args = append(args, "--appendix", r.cfg.Tools.Appendix)
	}
	return append(args, inputPath)
}
