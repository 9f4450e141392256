// Package storage keeps the history of test runs and the localization
// examples collected from them in SQLite.
package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/xp-kbt/kbrunner/internal/content"
	"github.com/xp-kbt/kbrunner/internal/diagnostic"
	kberrors "github.com/xp-kbt/kbrunner/internal/errors"
)

// Run is one batch of tests executed for a rule.
type Run struct {
	ID        string
	Rule      string
	Kind      string
	StartedAt time.Time
	Duration  time.Duration
	Total     int
	Passed    int
	Failed    int
	Errored   int
}

// TestResult is the outcome of one test within a run.
type TestResult struct {
	RunID       string
	Rule        string
	TestNumber  int
	Status      string
	Actual      string
	Output      string
	Diagnostics []diagnostic.Diagnostic
	Error       string
}

// SQLite implements the storage layer using SQLite3.
type SQLite struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewSQLite opens or creates a SQLite database.
func NewSQLite(dsn string, logger zerolog.Logger) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, kberrors.Wrap(kberrors.ErrStorage, "opening sqlite", err)
	}
	// One connection keeps :memory: databases alive and serializes writers.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return nil, kberrors.Wrap(kberrors.ErrStorage, "pinging sqlite", err)
	}

	s := &SQLite{
		db:     db,
		logger: logger.With().Str("component", "storage").Logger(),
	}

	if err := s.migrate(); err != nil {
		return nil, kberrors.Wrap(kberrors.ErrStorage, "running migrations", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB.
func (s *SQLite) DB() *sql.DB {
	return s.db
}

// migrate creates the database schema.
func (s *SQLite) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			rule TEXT NOT NULL,
			kind TEXT NOT NULL,
			started_at DATETIME NOT NULL,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			total INTEGER NOT NULL DEFAULT 0,
			passed INTEGER NOT NULL DEFAULT 0,
			failed INTEGER NOT NULL DEFAULT 0,
			errored INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS test_results (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			rule TEXT NOT NULL,
			test_number INTEGER NOT NULL,
			status TEXT NOT NULL,
			actual TEXT,
			output TEXT,
			diagnostics TEXT NOT NULL DEFAULT '[]',
			error TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS localization_examples (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			rule TEXT NOT NULL,
			correlation_name TEXT NOT NULL,
			ru_text TEXT NOT NULL,
			en_text TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(rule, ru_text, en_text)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_rule ON runs(rule, started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_test_results_run ON test_results(run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_localization_rule ON localization_examples(rule)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration error: %w\nSQL: %s", err, m)
		}
	}

	s.logger.Debug().Msg("database migrations complete")
	return nil
}

// --- Runs ---

// NewRun returns an unsaved run starting now.
func NewRun(rule, kind string) *Run {
	return &Run{
		ID:        uuid.NewString(),
		Rule:      rule,
		Kind:      kind,
		StartedAt: time.Now().UTC(),
	}
}

// SaveRun inserts or updates a run.
func (s *SQLite) SaveRun(run *Run) error {
	_, err := s.db.Exec(
		`INSERT INTO runs (id, rule, kind, started_at, duration_ms, total, passed, failed, errored)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET duration_ms=excluded.duration_ms, total=excluded.total,
		 passed=excluded.passed, failed=excluded.failed, errored=excluded.errored`,
		run.ID, run.Rule, run.Kind, run.StartedAt, run.Duration.Milliseconds(),
		run.Total, run.Passed, run.Failed, run.Errored,
	)
	if err != nil {
		return kberrors.Wrap(kberrors.ErrStorage, "saving run", err).WithDetails("run", run.ID)
	}
	return nil
}

// GetRun retrieves a run by ID. It returns nil when there is none.
func (s *SQLite) GetRun(id string) (*Run, error) {
	row := s.db.QueryRow(
		`SELECT id, rule, kind, started_at, duration_ms, total, passed, failed, errored
		 FROM runs WHERE id = ?`, id,
	)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

// RecentRuns returns the latest runs, of one rule when rule is not empty.
func (s *SQLite) RecentRuns(rule string, limit int) ([]Run, error) {
	rows, err := s.db.Query(
		`SELECT id, rule, kind, started_at, duration_ms, total, passed, failed, errored
		 FROM runs WHERE ? = '' OR rule = ? ORDER BY started_at DESC LIMIT ?`, rule, rule, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// RunCount returns the number of stored runs.
func (s *SQLite) RunCount() (int, error) {
	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM runs").Scan(&count)
	return count, err
}

// --- Test results ---

// SaveTestResult records one test outcome of a run.
func (s *SQLite) SaveTestResult(r *TestResult) error {
	diagsJSON, _ := json.Marshal(r.Diagnostics)
	if r.Diagnostics == nil {
		diagsJSON = []byte("[]")
	}
	_, err := s.db.Exec(
		`INSERT INTO test_results (run_id, rule, test_number, status, actual, output, diagnostics, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.Rule, r.TestNumber, r.Status, r.Actual, r.Output, string(diagsJSON), r.Error,
	)
	if err != nil {
		return kberrors.Wrap(kberrors.ErrStorage, "saving test result", err).
			WithDetails("run", r.RunID).
			WithDetails("test", r.TestNumber)
	}
	return nil
}

// TestResults returns the results of a run ordered by test number.
func (s *SQLite) TestResults(runID string) ([]TestResult, error) {
	rows, err := s.db.Query(
		`SELECT run_id, rule, test_number, status, actual, output, diagnostics, error
		 FROM test_results WHERE run_id = ? ORDER BY test_number`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []TestResult
	for rows.Next() {
		var r TestResult
		var actual, output, errText sql.NullString
		var diagsJSON string
		if err := rows.Scan(&r.RunID, &r.Rule, &r.TestNumber, &r.Status, &actual, &output, &diagsJSON, &errText); err != nil {
			return nil, err
		}
		r.Actual, r.Output, r.Error = actual.String, output.String, errText.String
		json.Unmarshal([]byte(diagsJSON), &r.Diagnostics)
		results = append(results, r)
	}
	return results, rows.Err()
}

// --- Localization examples ---

// SaveLocalizationExamples archives examples of rule, skipping pairs that
// are already stored. It returns how many were new.
func (s *SQLite) SaveLocalizationExamples(rule string, examples []content.LocalizationExample) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, kberrors.Wrap(kberrors.ErrStorage, "saving localization examples", err)
	}
	defer tx.Rollback()

	added := 0
	for _, e := range examples {
		res, err := tx.Exec(
			`INSERT OR IGNORE INTO localization_examples (rule, correlation_name, ru_text, en_text) VALUES (?, ?, ?, ?)`,
			rule, e.CorrelationName, e.RuText, e.EnText,
		)
		if err != nil {
			return 0, kberrors.Wrap(kberrors.ErrStorage, "saving localization examples", err)
		}
		n, _ := res.RowsAffected()
		added += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, kberrors.Wrap(kberrors.ErrStorage, "saving localization examples", err)
	}
	return added, nil
}

// LocalizationExamples returns the archived examples of rule in insertion
// order.
func (s *SQLite) LocalizationExamples(rule string) ([]content.LocalizationExample, error) {
	rows, err := s.db.Query(
		`SELECT correlation_name, ru_text, en_text FROM localization_examples WHERE rule = ? ORDER BY id`, rule,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var examples []content.LocalizationExample
	for rows.Next() {
		var e content.LocalizationExample
		if err := rows.Scan(&e.CorrelationName, &e.RuText, &e.EnText); err != nil {
			return nil, err
		}
		examples = append(examples, e)
	}
	return examples, rows.Err()
}

// --- Scan helpers ---

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var r Run
	var durationMS int64
	if err := row.Scan(&r.ID, &r.Rule, &r.Kind, &r.StartedAt, &durationMS,
		&r.Total, &r.Passed, &r.Failed, &r.Errored); err != nil {
		return nil, err
	}
	r.Duration = time.Duration(durationMS) * time.Millisecond
	return &r, nil
}
