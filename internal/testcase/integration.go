package testcase

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	kberrors "github.com/xp-kbt/kbrunner/internal/errors"
	"github.com/xp-kbt/kbrunner/internal/pattern"
)

// Integration test file names.
const (
	RawEventsNameFormat = "raw_events_%d.json"
	TestCodeNameFormat  = "test_conds_%d.tc"
)

var rawEventsFileExpr = regexp.MustCompile(`^raw_events_(\d+)\.json$`)

// IntegrationTest feeds raw events through the whole pipeline and checks the
// result with test conditions.
type IntegrationTest struct {
	number           int
	rule             RuleRef
	rawEvents        string
	testCode         string
	normalizedEvents string
}

// NewIntegrationTest creates an empty integration test.
func NewIntegrationTest(rule RuleRef, number int) *IntegrationTest {
	return &IntegrationTest{number: number, rule: rule}
}

// CreateIntegrationTest creates an empty test with the first free number.
func CreateIntegrationTest(rule RuleRef, taken map[int]bool) (*IntegrationTest, error) {
	n, err := NextFreeNumber(rule.TestsDir(), RawEventsNameFormat, taken)
	if err != nil {
		return nil, err
	}
	return NewIntegrationTest(rule, n), nil
}

func (t *IntegrationTest) Number() int { return t.number }
func (t *IntegrationTest) SetNumber(n int) { t.number = n }
func (t *IntegrationTest) Rule() RuleRef { return t.rule }
func (t *IntegrationTest) RawEvents() string { return t.rawEvents }
func (t *IntegrationTest) TestCode() string { return t.testCode }
func (t *IntegrationTest) SetTestCode(code string) { t.testCode = code }
func (t *IntegrationTest) NormalizedEvents() string { return t.normalizedEvents }

// SetRawEvents replaces the raw events and drops the normalized cache built
// from the previous ones.
func (t *IntegrationTest) SetRawEvents(events string) {
	t.rawEvents = events
	t.normalizedEvents = ""
}

// SetNormalizedEvents caches the normalization result of the raw events.
func (t *IntegrationTest) SetNormalizedEvents(events string) {
	t.normalizedEvents = events
}

func (t *IntegrationTest) RawEventsFilePath() string {
	return filepath.Join(t.rule.TestsDir(), fmt.Sprintf(RawEventsNameFormat, t.number))
}

func (t *IntegrationTest) TestCodeFilePath() string {
	return filepath.Join(t.rule.TestsDir(), fmt.Sprintf(TestCodeNameFormat, t.number))
}

// CheckRunnable fails when the test has nothing to feed the pipeline.
func (t *IntegrationTest) CheckRunnable() error {
	if strings.TrimSpace(t.rawEvents) == "" {
		return kberrors.New(kberrors.ErrMissingParam, "integration test has no raw events").
			WithDetails("test", t.number)
	}
	return nil
}

// Save writes both test files. An empty test is saved as empty files.
func (t *IntegrationTest) Save() error {
	if t.rule.TestsDir() == "" {
		return kberrors.New(kberrors.ErrInvalidPath, "tests directory is not set")
	}
	if t.number == 0 {
		return kberrors.New(kberrors.ErrNoTestNumber, "integration test has no number")
	}
	if err := writeTestFile(t.RawEventsFilePath(), t.rawEvents); err != nil {
		return err
	}
	return writeTestFile(t.TestCodeFilePath(), t.testCode)
}

// Update replaces raw events and test code the way the editor saves a test:
// raw events are required and the test code is compacted.
func (t *IntegrationTest) Update(rawEvents, testCode string) error {
	if strings.TrimSpace(rawEvents) == "" {
		return kberrors.New(kberrors.ErrMissingParam, "no raw events given for the integration test").
			WithDetails("test", t.number)
	}
	t.SetRawEvents(rawEvents)

	if testCode != "" {
		compressed, err := pattern.CompressTestCode(testCode, false)
		if err != nil {
			return err
		}
		t.testCode = compressed
	}
	return t.Save()
}

// Remove deletes both test files.
func (t *IntegrationTest) Remove() error {
	return removeFiles(t.RawEventsFilePath(), t.TestCodeFilePath())
}

// LoadIntegrationTests reads every raw_events_N.json with its test_conds_N.tc
// sorted by number.
func LoadIntegrationTests(rule RuleRef) ([]*IntegrationTest, error) {
	entries, err := os.ReadDir(rule.TestsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing tests: %w", err)
	}

	var tests []*IntegrationTest
	for _, e := range entries {
		number, ok := numberFromName(rawEventsFileExpr, e.Name())
		if e.IsDir() || !ok {
			continue
		}
		t := NewIntegrationTest(rule, number)
		raw, err := os.ReadFile(t.RawEventsFilePath())
		if err != nil {
			return nil, fmt.Errorf("reading raw events: %w", err)
		}
		t.rawEvents = string(raw)

		code, err := os.ReadFile(t.TestCodeFilePath())
		switch {
		case err == nil:
			t.testCode = string(code)
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("reading test code: %w", err)
		}
		tests = append(tests, t)
	}
	sort.Slice(tests, func(i, j int) bool { return tests[i].number < tests[j].number })
	return tests, nil
}

// ---------------------------------------------------------------------------
// Pipeline artifacts
// ---------------------------------------------------------------------------

// Artifact is a per-test file the pipeline leaves in its temp tree.
type Artifact int

const (
	// ArtifactEnrichedNormalized is raw_events_N_norm_enr.json.
	ArtifactEnrichedNormalized Artifact = iota
	// ArtifactEnrichedCorrelated is raw_events_N_norm_enr_corr_enr.json.
	ArtifactEnrichedCorrelated
	// ArtifactCorrelated is raw_events_N_norm_enr_corr.json.
	ArtifactCorrelated
)

var artifactSuffixes = map[Artifact]string{
	ArtifactEnrichedNormalized: `_norm_enr`,
	ArtifactEnrichedCorrelated: `_norm_enr_corr?_enr`,
	ArtifactCorrelated:         `_norm_enr_corr?`,
}

func (a Artifact) String() string {
	switch a {
	case ArtifactEnrichedNormalized:
		return "enriched normalized events"
	case ArtifactEnrichedCorrelated:
		return "enriched correlated events"
	case ArtifactCorrelated:
		return "correlated events"
	}
	return "unknown artifact"
}

// ArtifactFileExpr matches the artifact of a rule's test inside the temp
// tree, <rule>/tests/raw_events_<N><suffix>.json. A number of 0 matches
// every test.
func ArtifactFileExpr(kind Artifact, ruleName string, number int) *regexp.Regexp {
	n := `\d+`
	if number > 0 {
		n = fmt.Sprint(number)
	}
	return regexp.MustCompile(`(?:^|[\\/])` + regexp.QuoteMeta(ruleName) + `[\\/]tests[\\/]raw_events_` +
		n + artifactSuffixes[kind] + `\.json$`)
}

// FindArtifacts lists every file under root matching the artifact pattern.
func FindArtifacts(root string, kind Artifact, ruleName string, number int) ([]string, error) {
	expr := ArtifactFileExpr(kind, ruleName, number)
	var found []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && expr.MatchString(path) {
			found = append(found, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", root, err)
	}
	sort.Strings(found)
	return found, nil
}

// FindArtifact returns the single artifact of one test, or "" when the
// pipeline did not produce it. More than one candidate is an error.
func FindArtifact(root string, kind Artifact, ruleName string, number int) (string, error) {
	found, err := FindArtifacts(root, kind, ruleName, number)
	if err != nil {
		return "", err
	}
	switch len(found) {
	case 0:
		return "", nil
	case 1:
		return found[0], nil
	}
	return "", kberrors.Newf(kberrors.ErrArtifactAmbiguous, "more than one file with %s found", kind).
		WithDetails("rule", ruleName).
		WithDetails("test", number).
		WithDetails("count", len(found))
}
