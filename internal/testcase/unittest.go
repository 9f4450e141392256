// Package testcase models the unit and integration tests stored next to a
// rule and their on-disk format.
package testcase

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	kberrors "github.com/xp-kbt/kbrunner/internal/errors"
)

// TestsDirName is the directory holding a rule's tests.
const TestsDirName = "tests"

// MaxTestIndex bounds test numbers; numbers run from 1 to MaxTestIndex-1.
const MaxTestIndex = 255

// Status is the outcome of the last run of a test.
type Status string

const (
	StatusUnknown Status = "unknown"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// RuleRef identifies the rule owning a test.
type RuleRef struct {
	Name     string
	Dir      string
	FileName string // rule.co, formula.xp, ...
}

// TestsDir is where the rule's tests are stored.
func (r RuleRef) TestsDir() string {
	if r.Dir == "" {
		return ""
	}
	return filepath.Join(r.Dir, TestsDirName)
}

// FilePath is the rule source file.
func (r RuleRef) FilePath() string {
	return filepath.Join(r.Dir, r.FileName)
}

// UnitTest is implemented by correlation and normalization unit tests.
type UnitTest interface {
	Number() int
	SetNumber(n int)
	Rule() RuleRef

	InputData() string
	SetInputData(data string)
	Expectation() string
	SetExpectation(expectation string)

	Status() Status
	SetStatus(s Status)
	ActualEvent() string
	SetActualEvent(event string)
	Output() string
	SetOutput(output string)

	DefaultInputData() string
	DefaultExpectation() string

	// ExpectationPath is the file holding the expectation. InputDataPath is
	// empty when the input shares that file.
	ExpectationPath() string
	InputDataPath() string

	Save() error
	Remove() error
}

// unitTestBase carries the state shared by every unit test kind.
type unitTestBase struct {
	number      int
	rule        RuleRef
	inputData   string
	expectation string
	actualEvent string
	output      string
	status      Status
}

func newUnitTestBase(rule RuleRef, number int) unitTestBase {
	return unitTestBase{number: number, rule: rule, status: StatusUnknown}
}

func (b *unitTestBase) Number() int { return b.number }
func (b *unitTestBase) SetNumber(n int) { b.number = n }
func (b *unitTestBase) Rule() RuleRef { return b.rule }
func (b *unitTestBase) InputData() string { return b.inputData }
func (b *unitTestBase) SetInputData(data string) { b.inputData = data }
func (b *unitTestBase) Expectation() string { return b.expectation }
func (b *unitTestBase) SetExpectation(e string) { b.expectation = e }
func (b *unitTestBase) Status() Status { return b.status }
func (b *unitTestBase) SetStatus(s Status) { b.status = s }
func (b *unitTestBase) ActualEvent() string { return b.actualEvent }
func (b *unitTestBase) SetActualEvent(event string) { b.actualEvent = event }
func (b *unitTestBase) Output() string { return b.output }
func (b *unitTestBase) SetOutput(output string) { b.output = output }

// checkSavable validates what every Save needs before touching the disk.
func (b *unitTestBase) checkSavable() error {
	if b.rule.TestsDir() == "" {
		return kberrors.New(kberrors.ErrInvalidPath, "tests directory is not set")
	}
	if b.number == 0 {
		return kberrors.New(kberrors.ErrNoTestNumber, "unit test has no number").
			WithDetails("rule", b.rule.Name)
	}
	return nil
}

// NextFreeNumber returns the lowest test number with no file named by
// nameFormat in dir and not present in taken.
func NextFreeNumber(dir, nameFormat string, taken map[int]bool) (int, error) {
	for n := 1; n < MaxTestIndex; n++ {
		if taken[n] {
			continue
		}
		if dir != "" {
			if _, err := os.Stat(filepath.Join(dir, fmt.Sprintf(nameFormat, n))); err == nil {
				continue
			}
		}
		return n, nil
	}
	return 0, kberrors.Newf(kberrors.ErrValidation, "no free test number below %d", MaxTestIndex).
		WithDetails("dir", dir)
}

// numberFromName extracts the test number captured by expr from a file name.
func numberFromName(expr *regexp.Regexp, path string) (int, bool) {
	m := expr.FindStringSubmatch(filepath.Base(path))
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// removeFiles deletes the given files, ignoring those already gone.
func removeFiles(paths ...string) error {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing %s: %w", p, err)
		}
	}
	return nil
}

func writeTestFile(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating tests directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
