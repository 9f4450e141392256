// Package content loads rules from a knowledge base and manages the tests
// each rule owns.
package content

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/xp-kbt/kbrunner/internal/config"
	kberrors "github.com/xp-kbt/kbrunner/internal/errors"
	"github.com/xp-kbt/kbrunner/internal/testcase"
)

// Kind of a rule, detected from its source file.
type Kind string

const (
	KindCorrelation   Kind = "correlation"
	KindEnrichment    Kind = "enrichment"
	KindNormalization Kind = "normalization"
	KindAggregation   Kind = "aggregation"
)

// ruleFiles maps each kind to its source file, in detection order.
var ruleFiles = []struct {
	kind Kind
	file string
}{
	{KindCorrelation, "rule.co"},
	{KindNormalization, "formula.xp"},
	{KindEnrichment, "enrichment.en"},
	{KindEnrichment, "rule.en"},
	{KindAggregation, "rule.agr"},
}

// DetectKind returns the kind and source file name of the rule in dir.
func DetectKind(dir string) (Kind, string, error) {
	for _, rf := range ruleFiles {
		if info, err := os.Stat(filepath.Join(dir, rf.file)); err == nil && !info.IsDir() {
			return rf.kind, rf.file, nil
		}
	}
	return "", "", kberrors.New(kberrors.ErrNotFound, "directory does not contain a rule").
		WithDetails("dir", dir)
}

// HasUnitTests reports whether rules of this kind have unit tests.
func (k Kind) HasUnitTests() bool {
	return k == KindCorrelation || k == KindEnrichment || k == KindNormalization
}

// Rule is a rule directory together with its tests.
type Rule struct {
	ref    testcase.RuleRef
	kind   Kind
	logger zerolog.Logger

	unitTests        []testcase.UnitTest
	removedUnitTests []testcase.UnitTest
	integrationTests []*testcase.IntegrationTest
}

// Load reads the rule in dir and all of its tests. The rule name is the
// directory name.
func Load(dir string, logger zerolog.Logger) (*Rule, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving rule directory: %w", err)
	}
	kind, file, err := DetectKind(abs)
	if err != nil {
		return nil, err
	}

	r := &Rule{
		ref:    testcase.RuleRef{Name: filepath.Base(abs), Dir: abs, FileName: file},
		kind:   kind,
		logger: logger.With().Str("component", "rule").Str("rule", filepath.Base(abs)).Logger(),
	}

	switch kind {
	case KindCorrelation, KindEnrichment:
		tests, err := testcase.LoadCorrelationUnitTests(r.ref)
		if err != nil {
			return nil, err
		}
		for _, t := range tests {
			r.unitTests = append(r.unitTests, t)
		}
	case KindNormalization:
		tests, err := testcase.LoadNormalizationUnitTests(r.ref)
		if err != nil {
			return nil, err
		}
		for _, t := range tests {
			r.unitTests = append(r.unitTests, t)
		}
	}

	r.integrationTests, err = testcase.LoadIntegrationTests(r.ref)
	if err != nil {
		return nil, err
	}

	r.logger.Debug().
		Str("kind", string(kind)).
		Int("unit_tests", len(r.unitTests)).
		Int("integration_tests", len(r.integrationTests)).
		Msg("rule loaded")
	return r, nil
}

func (r *Rule) Name() string { return r.ref.Name }
func (r *Rule) Dir() string { return r.ref.Dir }
func (r *Rule) Kind() Kind { return r.kind }
func (r *Rule) Ref() testcase.RuleRef { return r.ref }
func (r *Rule) FilePath() string { return r.ref.FilePath() }
func (r *Rule) TestsDir() string { return r.ref.TestsDir() }

// Code reads the rule source.
func (r *Rule) Code() (string, error) {
	data, err := os.ReadFile(r.FilePath())
	if err != nil {
		return "", kberrors.Wrap(kberrors.ErrNotFound, "cannot read rule source", err).
			WithDetails("path", r.FilePath())
	}
	return string(data), nil
}

// ContentRoot returns the configured content root containing the rule.
func (r *Rule) ContentRoot(cfg *config.Config) (string, error) {
	for _, root := range cfg.ContentRootPaths() {
		abs, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		rel, err := filepath.Rel(abs, r.ref.Dir)
		if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
			continue
		}
		return abs, nil
	}
	return "", kberrors.New(kberrors.ErrNotFound, "rule is outside every configured content root").
		WithDetails("rule", r.ref.Dir)
}

// ---------------------------------------------------------------------------
// Unit tests
// ---------------------------------------------------------------------------

// UnitTests returns the rule's unit tests sorted by number.
func (r *Rule) UnitTests() []testcase.UnitTest {
	tests := append([]testcase.UnitTest(nil), r.unitTests...)
	sort.Slice(tests, func(i, j int) bool { return tests[i].Number() < tests[j].Number() })
	return tests
}

// UnitTest returns the test with the given number.
func (r *Rule) UnitTest(number int) (testcase.UnitTest, error) {
	for _, t := range r.unitTests {
		if t.Number() == number {
			return t, nil
		}
	}
	return nil, kberrors.Newf(kberrors.ErrNotFound, "rule has no unit test %d", number).
		WithDetails("rule", r.ref.Name)
}

// NewUnitTest creates and adds a unit test with the first free number.
func (r *Rule) NewUnitTest() (testcase.UnitTest, error) {
	taken := r.unitTestNumbers()
	var (
		t   testcase.UnitTest
		err error
	)
	switch r.kind {
	case KindCorrelation, KindEnrichment:
		t, err = testcase.CreateCorrelationUnitTest(r.ref, taken)
	case KindNormalization:
		t, err = testcase.CreateNormalizationUnitTest(r.ref, taken)
	default:
		return nil, kberrors.Newf(kberrors.ErrValidation, "%s rules have no unit tests", r.kind)
	}
	if err != nil {
		return nil, err
	}
	r.unitTests = append(r.unitTests, t)
	return t, nil
}

// AddUnitTest adds a test, replacing one with the same number.
func (r *Rule) AddUnitTest(t testcase.UnitTest) {
	for i, existing := range r.unitTests {
		if existing.Number() == t.Number() {
			r.unitTests[i] = t
			return
		}
	}
	r.unitTests = append(r.unitTests, t)
}

// RemoveUnitTest drops a test from the rule. Its files are deleted by the
// next SaveUnitTests.
func (r *Rule) RemoveUnitTest(number int) bool {
	for i, t := range r.unitTests {
		if t.Number() == number {
			r.removedUnitTests = append(r.removedUnitTests, t)
			r.unitTests = append(r.unitTests[:i], r.unitTests[i+1:]...)
			return true
		}
	}
	return false
}

// SaveUnitTests writes every test and deletes the files of removed ones.
func (r *Rule) SaveUnitTests() error {
	kept := r.unitTestNumbers()
	for _, t := range r.removedUnitTests {
		if kept[t.Number()] {
			continue
		}
		if err := t.Remove(); err != nil {
			return err
		}
	}
	r.removedUnitTests = nil

	for _, t := range r.unitTests {
		if err := t.Save(); err != nil {
			return err
		}
	}
	r.logger.Info().Int("count", len(r.unitTests)).Msg("unit tests saved")
	return nil
}

// ReplaceUnitTests replaces every unit test with tests, renumbered from 1
// in the given order, and saves them.
func (r *Rule) ReplaceUnitTests(tests []testcase.UnitTest) error {
	for _, t := range r.unitTests {
		if err := t.Remove(); err != nil {
			return err
		}
	}
	for i, t := range tests {
		t.SetNumber(i + 1)
	}
	r.unitTests = append([]testcase.UnitTest(nil), tests...)
	r.removedUnitTests = nil
	return r.SaveUnitTests()
}

func (r *Rule) unitTestNumbers() map[int]bool {
	taken := make(map[int]bool, len(r.unitTests))
	for _, t := range r.unitTests {
		taken[t.Number()] = true
	}
	return taken
}

// ---------------------------------------------------------------------------
// Integration tests
// ---------------------------------------------------------------------------

// IntegrationTests returns the rule's integration tests sorted by number.
func (r *Rule) IntegrationTests() []*testcase.IntegrationTest {
	tests := append([]*testcase.IntegrationTest(nil), r.integrationTests...)
	sort.Slice(tests, func(i, j int) bool { return tests[i].Number() < tests[j].Number() })
	return tests
}

// NewIntegrationTest creates and adds an empty integration test.
func (r *Rule) NewIntegrationTest() (*testcase.IntegrationTest, error) {
	taken := make(map[int]bool, len(r.integrationTests))
	for _, t := range r.integrationTests {
		taken[t.Number()] = true
	}
	t, err := testcase.CreateIntegrationTest(r.ref, taken)
	if err != nil {
		return nil, err
	}
	r.integrationTests = append(r.integrationTests, t)
	return t, nil
}

// SaveIntegrationTests writes every integration test.
func (r *Rule) SaveIntegrationTests() error {
	for _, t := range r.integrationTests {
		if err := t.Save(); err != nil {
			return err
		}
	}
	return nil
}
