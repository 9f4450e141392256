package runner

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	kberrors "github.com/xp-kbt/kbrunner/internal/errors"
	"github.com/xp-kbt/kbrunner/internal/testcase"
)

// Summary aggregates the reports of one batch.
type Summary struct {
	Total    int
	Passed   int
	Failed   int
	Errored  int
	Duration time.Duration
}

// Add counts one report.
func (s *Summary) Add(r *Report) {
	s.Total++
	switch {
	case r.Err != nil:
		s.Errored++
	case r.Status == testcase.StatusSuccess:
		s.Passed++
	default:
		s.Failed++
	}
}

// OK reports whether every test passed.
func (s Summary) OK() bool {
	return s.Total > 0 && s.Passed == s.Total
}

// Batch runs many unit tests through a Runner with at most Workers tool
// processes at a time. A failing test never stops the others.
type Batch struct {
	runner  Runner
	workers int
	logger  zerolog.Logger

	// OnReport is called once per finished test, never concurrently.
	OnReport func(*Report)

	mu sync.Mutex
}

// NewBatch creates a batch runner. workers below 1 means 1.
func NewBatch(runner Runner, workers int, logger zerolog.Logger) *Batch {
	if workers < 1 {
		workers = 1
	}
	return &Batch{
		runner:  runner,
		workers: workers,
		logger:  logger.With().Str("component", "batch").Logger(),
	}
}

// Run executes tests and returns their reports in the order of tests. Tests
// not started when ctx is canceled are reported with ErrCanceled, and the
// returned error is then ErrCanceled too.
func (b *Batch) Run(ctx context.Context, tests []testcase.UnitTest) ([]*Report, Summary, error) {
	start := time.Now()
	reports := make([]*Report, len(tests))

	var g errgroup.Group
	g.SetLimit(b.workers)
	for i, test := range tests {
		g.Go(func() error {
			reports[i] = b.runOne(ctx, test)
			b.notify(reports[i])
			return nil
		})
	}
	_ = g.Wait()

	var summary Summary
	for _, r := range reports {
		summary.Add(r)
	}
	summary.Duration = time.Since(start)

	b.logger.Info().
		Int("total", summary.Total).
		Int("passed", summary.Passed).
		Int("failed", summary.Failed).
		Int("errored", summary.Errored).
		Dur("duration", summary.Duration).
		Msg("batch finished")

	if ctx.Err() != nil {
		return reports, summary, kberrors.Wrap(kberrors.ErrCanceled, "test run aborted by user", ctx.Err())
	}
	return reports, summary, nil
}

func (b *Batch) runOne(ctx context.Context, test testcase.UnitTest) *Report {
	if err := ctx.Err(); err != nil {
		return b.errorReport(test, kberrors.Wrap(kberrors.ErrCanceled, "test run aborted by user", err))
	}

	report, err := b.runner.Run(ctx, test)
	if err != nil {
		b.logger.Warn().Err(err).Str("rule", test.Rule().Name).Int("test", test.Number()).Msg("test errored")
		return b.errorReport(test, err)
	}
	return report
}

func (b *Batch) errorReport(test testcase.UnitTest, err error) *Report {
	return &Report{
		Rule:   test.Rule().Name,
		Number: test.Number(),
		Status: test.Status(),
		Err:    err,
	}
}

func (b *Batch) notify(r *Report) {
	if b.OnReport == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.OnReport(r)
}
