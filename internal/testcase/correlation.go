package testcase

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	kberrors "github.com/xp-kbt/kbrunner/internal/errors"
	"github.com/xp-kbt/kbrunner/internal/pattern"
)

// CorrelationTestNameFormat names correlation and enrichment unit test files.
const CorrelationTestNameFormat = "test_%d.sc"

const (
	tableListDefaultExpr = `(?m)(?:^#.*$|\r?\n)*^table_list\s+default$`
	tableListExpr        = `(?m)(?:^#.*$|\r?\n)*^table_list\s+\{.*?\}$`
	inputEventExpr       = `(?m)(?:^#.*?$|\s)*(?:^\{.*?\}$)`

	containsInputDataExpr   = `(?sm)^\{.*?\}$`
	containsExpectationExpr = `(?sm)^expect\s+(?:\d+|not)\s+\{.*?\}$`
)

var correlationTestFileExpr = regexp.MustCompile(`^test_(\d+)\.sc$`)

// CorrelationUnitTest keeps the input events and the expect statement in a
// single .sc file. Enrichment rules use the same format.
type CorrelationUnitTest struct {
	unitTestBase
}

// NewCorrelationUnitTest creates an empty test with the given number.
func NewCorrelationUnitTest(rule RuleRef, number int) *CorrelationUnitTest {
	return &CorrelationUnitTest{unitTestBase: newUnitTestBase(rule, number)}
}

// CreateCorrelationUnitTest creates a test with the first free number and
// the default templates filled in.
func CreateCorrelationUnitTest(rule RuleRef, taken map[int]bool) (*CorrelationUnitTest, error) {
	n, err := NextFreeNumber(rule.TestsDir(), CorrelationTestNameFormat, taken)
	if err != nil {
		return nil, err
	}
	t := NewCorrelationUnitTest(rule, n)
	t.SetInputData(t.DefaultInputData())
	t.SetExpectation(t.DefaultExpectation())
	return t, nil
}

func (t *CorrelationUnitTest) DefaultExpectation() string {
	return fmt.Sprintf("# State how many and which correlation events you expect in the expect section\nexpect 1 {\"correlation_name\":\"%s\"}\n", t.rule.Name)
}

func (t *CorrelationUnitTest) DefaultInputData() string {
	return "# Put the normalized events (one or more) fed to the rule here.\n" +
		"# Events are separated by a new line and each one is written on a single line.\n"
}

func (t *CorrelationUnitTest) ExpectationPath() string {
	return filepath.Join(t.rule.TestsDir(), fmt.Sprintf(CorrelationTestNameFormat, t.number))
}

func (t *CorrelationUnitTest) InputDataPath() string { return "" }

// Save compacts the embedded JSON of the expectation and writes input data,
// a blank line and the expectation to the test file. An expectation without
// any JSON object is rejected.
func (t *CorrelationUnitTest) Save() error {
	if err := t.checkSavable(); err != nil {
		return err
	}

	expectation, err := pattern.CompressTestCode(t.expectation, !pattern.ContainsCompactJSON(t.expectation))
	if err != nil {
		return kberrors.Wrap(kberrors.ErrBadExpectation, "cannot compact test expectation", err).
			WithDetails("test", t.number)
	}
	t.expectation = expectation

	return writeTestFile(t.ExpectationPath(), t.inputData+"\n\n"+expectation)
}

// Remove deletes the test file.
func (t *CorrelationUnitTest) Remove() error {
	return removeFiles(t.ExpectationPath())
}

// ParseCorrelationUnitTest splits fixture text into input data and
// expectation. Table declarations and every event line, each with its
// leading comments, form the input; what remains is the expectation.
func ParseCorrelationUnitTest(content string, rule RuleRef, number int) *CorrelationUnitTest {
	content = pattern.NormalizeNewlines(content)

	var fragments []string
	if m := regexp.MustCompile(tableListDefaultExpr).FindString(content); m != "" {
		fragments = append(fragments, strings.TrimSpace(m))
	}
	if m := regexp.MustCompile(tableListExpr).FindString(content); m != "" {
		fragments = append(fragments, strings.TrimSpace(m))
	}
	for _, m := range regexp.MustCompile(inputEventExpr).FindAllString(content, -1) {
		fragments = append(fragments, strings.TrimSpace(m))
	}

	expectation := content
	for _, f := range fragments {
		expectation = strings.Replace(expectation, f, "", 1)
	}

	t := NewCorrelationUnitTest(rule, number)
	t.SetInputData(strings.Join(fragments, "\n"))
	t.SetExpectation(strings.TrimSpace(expectation))
	return t
}

// ReadCorrelationUnitTest loads a test_N.sc file.
func ReadCorrelationUnitTest(path string, rule RuleRef) (*CorrelationUnitTest, error) {
	number, ok := numberFromName(correlationTestFileExpr, path)
	if !ok {
		return nil, kberrors.New(kberrors.ErrBadFixture, "test file name has no test number").
			WithDetails("path", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, kberrors.Wrap(kberrors.ErrNotFound, "test file does not exist", err).WithDetails("path", path)
		}
		return nil, fmt.Errorf("reading test file: %w", err)
	}
	return ParseCorrelationUnitTest(string(data), rule, number), nil
}

// LoadCorrelationUnitTests reads every .sc test of the rule sorted by number.
// A rule without a tests directory has no tests.
func LoadCorrelationUnitTests(rule RuleRef) ([]*CorrelationUnitTest, error) {
	entries, err := os.ReadDir(rule.TestsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing tests: %w", err)
	}

	var tests []*CorrelationUnitTest
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sc") {
			continue
		}
		t, err := ReadCorrelationUnitTest(filepath.Join(rule.TestsDir(), e.Name()), rule)
		if err != nil {
			return nil, kberrors.Wrap(kberrors.ErrBadFixture, "cannot parse unit tests", err).
				WithDetails("rule", rule.Name)
		}
		tests = append(tests, t)
	}
	sort.Slice(tests, func(i, j int) bool { return tests[i].number < tests[j].number })
	return tests, nil
}

// ContainsInputData reports whether fixture text has at least one event line.
func ContainsInputData(content string) bool {
	return regexp.MustCompile(containsInputDataExpr).MatchString(content)
}

// ContainsExpectation reports whether fixture text has an expect statement.
func ContainsExpectation(content string) bool {
	return regexp.MustCompile(containsExpectationExpr).MatchString(content)
}

// FixStrings drops carriage returns and blank lines, puts a space after each
// comment mark and trims the result.
func FixStrings(part string) string {
	data := strings.ReplaceAll(part, "\r", "")
	data = regexp.MustCompile(`(?m)^\s*\n`).ReplaceAllString(data, "")
	data = regexp.MustCompile(`#(\S)`).ReplaceAllString(data, "# $1")
	return strings.TrimSpace(data)
}
