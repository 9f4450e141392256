package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/xp-kbt/kbrunner/internal/config"
	"github.com/xp-kbt/kbrunner/internal/content"
	kberrors "github.com/xp-kbt/kbrunner/internal/errors"
	"github.com/xp-kbt/kbrunner/internal/jsonutil"
	"github.com/xp-kbt/kbrunner/internal/pattern"
	"github.com/xp-kbt/kbrunner/internal/runner"
	"github.com/xp-kbt/kbrunner/internal/storage"
	"github.com/xp-kbt/kbrunner/internal/testcase"
	"github.com/xp-kbt/kbrunner/internal/watch"
)

func newTestCmd(a *app) *cobra.Command {
	var (
		watchMode bool
		workers   int
		number    int
		appendix  bool
	)
	cmd := &cobra.Command{
		Use:   "test <ruleDir>",
		Short: "Run the unit tests of a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if workers > 0 {
				a.cfg.Runner.Workers = workers
				if err := a.cfg.Validate(); err != nil {
					return kberrors.Wrap(kberrors.ErrValidation, "invalid configuration", err)
				}
			}
			sum, err := a.runUnitTests(cmd.Context(), args[0], number, appendix)
			if !watchMode {
				if err != nil {
					return err
				}
				if !sum.OK() {
					return fmt.Errorf("%d of %d tests did not pass", sum.Total-sum.Passed, sum.Total)
				}
				return nil
			}
			if err != nil && !kberrors.IsCanceled(err) {
				fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("Error:"), err)
			}
			return a.watchRule(cmd.Context(), args[0], number, appendix)
		},
	}
	cmd.Flags().BoolVarP(&watchMode, "watch", "w", false, "re-run the tests when the rule or its tests change")
	cmd.Flags().IntVar(&workers, "workers", 0, "maximum number of tool processes at once")
	cmd.Flags().IntVarP(&number, "test", "t", 0, "run only the test with this number")
	cmd.Flags().BoolVar(&appendix, "appendix", false, "pass the configured appendix to the normalizer")
	return cmd
}

func newPromoteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "promote <ruleDir> <N>",
		Short: "Run a unit test and save its actual result as the expectation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[1])
			if err != nil {
				return kberrors.Newf(kberrors.ErrNoTestNumber, "invalid test number %q", args[1])
			}
			rule, err := content.Load(args[0], a.logger)
			if err != nil {
				return err
			}
			test, err := rule.UnitTest(n)
			if err != nil {
				return err
			}
			r, err := a.unitRunner(rule, false)
			if err != nil {
				return err
			}

			report, err := r.Run(cmd.Context(), test)
			if err != nil {
				return err
			}
			printReport(report)
			if test.ActualEvent() == "" {
				return kberrors.New(kberrors.ErrToolNoOutput, "the test produced no event to promote")
			}

			expectation, err := promotedExpectation(rule.Kind(), test.Expectation(), test.ActualEvent())
			if err != nil {
				return err
			}
			test.SetExpectation(expectation)
			if err := test.Save(); err != nil {
				return err
			}
			fmt.Println(color.GreenString("✓ test %d expectation updated", n))
			return nil
		},
	}
}

// promotedExpectation turns the actual result of a test into its new
// expectation.
func promotedExpectation(kind content.Kind, expectation, actual string) (string, error) {
	if kind == content.KindNormalization {
		return jsonutil.CleanExpectedEvent(actual)
	}
	events, err := pattern.CompressRawEvents(actual, false)
	if err != nil {
		return "", kberrors.Wrap(kberrors.ErrBadActualEvent, "cannot compact actual events", err)
	}
	first, _, _ := strings.Cut(events, "\n")
	cleaned, err := pattern.CleanTestCode("expect 1 " + first)
	if err != nil {
		return "", err
	}
	return pattern.ReplaceExpectSection(expectation, strings.TrimPrefix(cleaned, "expect 1 ")), nil
}

func (a *app) unitRunner(rule *content.Rule, appendix bool) (runner.Runner, error) {
	r, err := runner.ForRule(rule.FilePath(), a.cfg, a.exec, a.logger)
	if err != nil {
		return nil, err
	}
	if nr, ok := r.(*runner.NormalizationRunner); ok {
		nr.UseAppendix = appendix
	}
	return r, nil
}

func (a *app) runUnitTests(ctx context.Context, dir string, number int, appendix bool) (runner.Summary, error) {
	rule, err := content.Load(dir, a.logger)
	if err != nil {
		return runner.Summary{}, err
	}

	tests := rule.UnitTests()
	if number > 0 {
		t, err := rule.UnitTest(number)
		if err != nil {
			return runner.Summary{}, err
		}
		tests = []testcase.UnitTest{t}
	}
	if len(tests) == 0 {
		return runner.Summary{}, kberrors.New(kberrors.ErrMissingParam, "the rule has no unit tests").
			WithDetails("rule", rule.Name())
	}

	r, err := a.unitRunner(rule, appendix)
	if err != nil {
		return runner.Summary{}, err
	}

	batch := runner.NewBatch(r, a.cfg.Runner.Workers, a.logger)
	var rec *storage.Recorder
	if a.store != nil {
		rec, err = storage.NewRecorder(a.store, rule.Name(), string(rule.Kind()), a.logger)
		if err != nil {
			a.logger.Warn().Err(err).Msg("run will not be recorded")
		}
	}
	batch.OnReport = func(rep *runner.Report) {
		printReport(rep)
		if rec != nil {
			rec.Record(rep)
		}
	}

	fmt.Printf("Running %d test(s) of %s with %d worker(s)\n", len(tests), rule.Name(), a.cfg.Runner.Workers)
	reports, sum, err := batch.Run(ctx, tests)
	if rec != nil {
		if ferr := rec.Finish(sum); ferr != nil {
			a.logger.Warn().Err(ferr).Msg("failed to record run totals")
		}
	}
	renderSummary(os.Stdout, reports, sum)
	return sum, err
}

func (a *app) watchRule(ctx context.Context, dir string, number int, appendix bool) error {
	rule, err := content.Load(dir, a.logger)
	if err != nil {
		return err
	}
	rw, err := watch.NewRuleWatcher(a.logger, rule.Dir(), rule.TestsDir())
	if err != nil {
		return err
	}
	fmt.Println(color.CyanString("Watching %s for changes, Ctrl+C to stop", rule.Dir()))
	return rw.Run(ctx, func(ctx context.Context, paths []string) {
		a.logger.Info().Strs("files", paths).Msg("re-running tests")
		if _, err := a.runUnitTests(ctx, dir, number, appendix); err != nil && !kberrors.IsCanceled(err) {
			fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("Error:"), err)
		}
	})
}

func printReport(rep *runner.Report) {
	switch {
	case rep.Err != nil:
		fmt.Printf("%s test %d: %v\n", color.YellowString("ERROR"), rep.Number, rep.Err)
	case rep.Status == testcase.StatusSuccess:
		fmt.Printf("%s test %d (%s)\n", color.GreenString("PASS "), rep.Number, rep.Duration.Round(time.Millisecond))
	default:
		fmt.Printf("%s test %d (%s)\n", color.RedString("FAIL "), rep.Number, rep.Duration.Round(time.Millisecond))
	}
	for _, d := range rep.Diagnostics {
		fmt.Printf("      %s\n", d)
	}
	if rep.Comparison != nil && rep.Comparison.Diff != "" && rep.Status != testcase.StatusSuccess {
		for _, line := range strings.Split(strings.TrimRight(rep.Comparison.Diff, "\n"), "\n") {
			switch {
			case strings.HasPrefix(line, "-"):
				line = color.RedString(line)
			case strings.HasPrefix(line, "+"):
				line = color.GreenString(line)
			}
			fmt.Printf("      %s\n", line)
		}
	}
}

func renderSummary(w io.Writer, reports []*runner.Report, sum runner.Summary) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Test", "Status", "Diagnostics", "Duration"})
	for _, rep := range reports {
		if rep == nil {
			continue
		}
		status := string(rep.Status)
		if rep.Err != nil {
			status = string(kberrors.GetCode(rep.Err))
			if status == "" {
				status = "error"
			}
		}
		table.Append([]string{
			strconv.Itoa(rep.Number),
			status,
			strconv.Itoa(len(rep.Diagnostics)),
			rep.Duration.Round(time.Millisecond).String(),
		})
	}
	table.SetFooter([]string{
		"Total " + strconv.Itoa(sum.Total),
		fmt.Sprintf("%d passed", sum.Passed),
		fmt.Sprintf("%d failed", sum.Failed),
		fmt.Sprintf("%d errored", sum.Errored),
	})
	table.Render()
}

func newLocator(cfg *config.Config, logger zerolog.Logger) (*content.Locator, error) {
	return content.NewLocator(cfg.ContentRootPaths(), 256, logger)
}
