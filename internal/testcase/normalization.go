package testcase

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	kberrors "github.com/xp-kbt/kbrunner/internal/errors"
)

// Normalization unit test file names: the expected event and the raw input.
const (
	NormalizationExpectationNameFormat = "norm_%d.js"
	NormalizationInputNameFormat       = "raw_%d.txt"
)

var normalizationTestFileExpr = regexp.MustCompile(`^norm_(\d+)\.js$`)

// NormalizationUnitTest stores the expected normalized event and the raw
// input event in two files.
type NormalizationUnitTest struct {
	unitTestBase
}

// NewNormalizationUnitTest creates an empty test with the given number.
func NewNormalizationUnitTest(rule RuleRef, number int) *NormalizationUnitTest {
	return &NormalizationUnitTest{unitTestBase: newUnitTestBase(rule, number)}
}

// CreateNormalizationUnitTest creates a test with the first free number.
func CreateNormalizationUnitTest(rule RuleRef, taken map[int]bool) (*NormalizationUnitTest, error) {
	n, err := NextFreeNumber(rule.TestsDir(), NormalizationExpectationNameFormat, taken)
	if err != nil {
		return nil, err
	}
	t := NewNormalizationUnitTest(rule, n)
	t.SetInputData(t.DefaultInputData())
	t.SetExpectation(t.DefaultExpectation())
	return t, nil
}

func (t *NormalizationUnitTest) DefaultExpectation() string { return "{}" }
func (t *NormalizationUnitTest) DefaultInputData() string { return "" }

func (t *NormalizationUnitTest) ExpectationPath() string {
	return filepath.Join(t.rule.TestsDir(), fmt.Sprintf(NormalizationExpectationNameFormat, t.number))
}

func (t *NormalizationUnitTest) InputDataPath() string {
	return filepath.Join(t.rule.TestsDir(), fmt.Sprintf(NormalizationInputNameFormat, t.number))
}

// Save writes the raw input and the expected event.
func (t *NormalizationUnitTest) Save() error {
	if err := t.checkSavable(); err != nil {
		return err
	}
	if err := writeTestFile(t.InputDataPath(), t.inputData); err != nil {
		return err
	}
	return writeTestFile(t.ExpectationPath(), strings.TrimSpace(t.expectation))
}

// Remove deletes both test files.
func (t *NormalizationUnitTest) Remove() error {
	return removeFiles(t.ExpectationPath(), t.InputDataPath())
}

// ReadNormalizationUnitTest loads norm_N.js and, when present, raw_N.txt.
func ReadNormalizationUnitTest(path string, rule RuleRef) (*NormalizationUnitTest, error) {
	number, ok := numberFromName(normalizationTestFileExpr, path)
	if !ok {
		return nil, kberrors.New(kberrors.ErrBadFixture, "test file name has no test number").
			WithDetails("path", path)
	}

	t := NewNormalizationUnitTest(rule, number)
	expectation, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading expectation: %w", err)
	}
	t.SetExpectation(strings.TrimSpace(string(expectation)))

	input, err := os.ReadFile(t.InputDataPath())
	switch {
	case err == nil:
		t.SetInputData(string(input))
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("reading input data: %w", err)
	}
	return t, nil
}

// LoadNormalizationUnitTests reads every norm_N.js test sorted by number.
func LoadNormalizationUnitTests(rule RuleRef) ([]*NormalizationUnitTest, error) {
	entries, err := os.ReadDir(rule.TestsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing tests: %w", err)
	}

	var tests []*NormalizationUnitTest
	for _, e := range entries {
		if e.IsDir() || !normalizationTestFileExpr.MatchString(e.Name()) {
			continue
		}
		t, err := ReadNormalizationUnitTest(filepath.Join(rule.TestsDir(), e.Name()), rule)
		if err != nil {
			return nil, err
		}
		tests = append(tests, t)
	}
	sort.Slice(tests, func(i, j int) bool { return tests[i].number < tests[j].number })
	return tests, nil
}
