package storage

import (
	"github.com/rs/zerolog"

	"github.com/xp-kbt/kbrunner/internal/runner"
)

// Recorder persists the reports of one batch as they arrive. It is meant to
// be plugged into runner.Batch.OnReport.
type Recorder struct {
	store  *SQLite
	run    *Run
	logger zerolog.Logger
}

// NewRecorder saves a new run of rule and returns a recorder for its results.
func NewRecorder(store *SQLite, rule, kind string, logger zerolog.Logger) (*Recorder, error) {
	run := NewRun(rule, kind)
	if err := store.SaveRun(run); err != nil {
		return nil, err
	}
	return &Recorder{
		store:  store,
		run:    run,
		logger: logger.With().Str("component", "recorder").Str("run", run.ID).Logger(),
	}, nil
}

// RunID returns the ID of the recorded run.
func (r *Recorder) RunID() string { return r.run.ID }

// Record stores one report. Storage failures are logged and never fail the
// test run.
func (r *Recorder) Record(rep *runner.Report) {
	res := &TestResult{
		RunID:       r.run.ID,
		Rule:        rep.Rule,
		TestNumber:  rep.Number,
		Status:      string(rep.Status),
		Diagnostics: rep.Diagnostics,
	}
	if rep.Err != nil {
		res.Error = rep.Err.Error()
	}
	if rep.Comparison != nil {
		res.Output = rep.Comparison.Diff
	}
	if err := r.store.SaveTestResult(res); err != nil {
		r.logger.Warn().Err(err).Int("test", rep.Number).Msg("failed to record test result")
	}
}

// Finish stores the batch totals.
func (r *Recorder) Finish(sum runner.Summary) error {
	r.run.Total = sum.Total
	r.run.Passed = sum.Passed
	r.run.Failed = sum.Failed
	r.run.Errored = sum.Errored
	r.run.Duration = sum.Duration
	return r.store.SaveRun(r.run)
}
