package testcase

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kberrors "github.com/xp-kbt/kbrunner/internal/errors"
)

func newRule(t *testing.T, name, fileName string) RuleRef {
	t.Helper()
	dir := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	return RuleRef{Name: name, Dir: dir, FileName: fileName}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

// ---------------------------------------------------------------------------
// Correlation fixtures
// ---------------------------------------------------------------------------

const correlationFixture = `# tables
table_list default
# first event
{"msgid":"4624","subject.name":"admin"}
{"msgid":"4625"}

# expect one alert
expect 1 {"correlation_name":"Brute_Force"}
`

func TestParseCorrelationUnitTest(t *testing.T) {
	rule := RuleRef{Name: "Brute_Force", Dir: "/kb/Brute_Force", FileName: "rule.co"}

	ut := ParseCorrelationUnitTest(correlationFixture, rule, 3)

	assert.Equal(t, 3, ut.Number())
	assert.Equal(t, StatusUnknown, ut.Status())
	assert.Equal(t,
		"# tables\ntable_list default\n# first event\n{\"msgid\":\"4624\",\"subject.name\":\"admin\"}\n{\"msgid\":\"4625\"}",
		ut.InputData())
	assert.Equal(t, "# expect one alert\nexpect 1 {\"correlation_name\":\"Brute_Force\"}", ut.Expectation())
}

func TestParseCorrelationUnitTest_TableListBlockAndCRLF(t *testing.T) {
	content := "table_list {\"Hosts\":[{\"host\":\"a\"}]}\r\n{\"a\":1}\r\n\r\nexpect not {\"correlation_name\":\"R\"}\r\n"

	ut := ParseCorrelationUnitTest(content, RuleRef{Name: "R"}, 1)

	assert.Equal(t, "table_list {\"Hosts\":[{\"host\":\"a\"}]}\n{\"a\":1}", ut.InputData())
	assert.Equal(t, "expect not {\"correlation_name\":\"R\"}", ut.Expectation())
}

func TestCorrelationUnitTest_SaveParseRoundTrip(t *testing.T) {
	rule := newRule(t, "Rule_A", "rule.co")
	input := "{\"a\":1}\n# second\n{\"b\":2}"
	expectation := "# one alert\nexpect 1 {\"correlation_name\":\"Rule_A\"}"

	ut := NewCorrelationUnitTest(rule, 2)
	ut.SetInputData(input)
	ut.SetExpectation(expectation)
	require.NoError(t, ut.Save())

	assert.Equal(t, filepath.Join(rule.Dir, "tests", "test_2.sc"), ut.ExpectationPath())
	assert.Equal(t, input+"\n\n"+expectation, readFile(t, ut.ExpectationPath()))

	loaded, err := ReadCorrelationUnitTest(ut.ExpectationPath(), rule)
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.Number())
	assert.Equal(t, input, loaded.InputData())
	assert.Equal(t, expectation, loaded.Expectation())
}

func TestCorrelationUnitTest_SaveCompactsPrettyExpectation(t *testing.T) {
	rule := newRule(t, "Rule_A", "rule.co")
	ut := NewCorrelationUnitTest(rule, 1)
	ut.SetInputData("{\"a\":1}")
	ut.SetExpectation("expect 1 {\n    \"correlation_name\": \"Rule_A\",\n    \"count\": 2\n}\n")

	require.NoError(t, ut.Save())

	assert.Equal(t, "expect 1 {\"correlation_name\":\"Rule_A\",\"count\":2}", ut.Expectation())
	assert.Equal(t, "{\"a\":1}\n\nexpect 1 {\"correlation_name\":\"Rule_A\",\"count\":2}", readFile(t, ut.ExpectationPath()))
}

func TestCorrelationUnitTest_SaveErrors(t *testing.T) {
	rule := newRule(t, "Rule_A", "rule.co")

	noJSON := NewCorrelationUnitTest(rule, 1)
	noJSON.SetExpectation("expect 1")
	err := noJSON.Save()
	assert.True(t, kberrors.Is(err, kberrors.ErrNoJSON))
	assert.NoFileExists(t, noJSON.ExpectationPath())

	noNumber := NewCorrelationUnitTest(rule, 0)
	noNumber.SetExpectation("expect 1 {\"a\":1}")
	assert.True(t, kberrors.Is(noNumber.Save(), kberrors.ErrNoTestNumber))

	noDir := NewCorrelationUnitTest(RuleRef{Name: "R"}, 1)
	assert.True(t, kberrors.Is(noDir.Save(), kberrors.ErrInvalidPath))
}

func TestLoadCorrelationUnitTests_SortedByNumber(t *testing.T) {
	rule := newRule(t, "Rule_A", "rule.co")
	for _, n := range []string{"10", "2", "1"} {
		writeFile(t, filepath.Join(rule.TestsDir(), "test_"+n+".sc"), "{\"n\":"+n+"}\n\nexpect 1 {\"a\":1}")
	}
	writeFile(t, filepath.Join(rule.TestsDir(), "raw_events_1.json"), "{}")

	tests, err := LoadCorrelationUnitTests(rule)
	require.NoError(t, err)

	require.Len(t, tests, 3)
	assert.Equal(t, []int{1, 2, 10}, []int{tests[0].Number(), tests[1].Number(), tests[2].Number()})
	assert.Equal(t, "{\"n\":10}", tests[2].InputData())
}

func TestLoadCorrelationUnitTests_NoTestsDir(t *testing.T) {
	tests, err := LoadCorrelationUnitTests(RuleRef{Name: "R", Dir: t.TempDir()})
	require.NoError(t, err)
	assert.Empty(t, tests)
}

func TestReadCorrelationUnitTest_BadName(t *testing.T) {
	_, err := ReadCorrelationUnitTest("/kb/R/tests/notes.sc", RuleRef{Name: "R"})
	assert.True(t, kberrors.Is(err, kberrors.ErrBadFixture))
}

func TestCreateCorrelationUnitTest_NextFreeNumber(t *testing.T) {
	rule := newRule(t, "Rule_A", "rule.co")
	writeFile(t, filepath.Join(rule.TestsDir(), "test_1.sc"), "")

	ut, err := CreateCorrelationUnitTest(rule, map[int]bool{2: true})
	require.NoError(t, err)

	assert.Equal(t, 3, ut.Number())
	assert.Contains(t, ut.Expectation(), `expect 1 {"correlation_name":"Rule_A"}`)
	assert.Equal(t, ut.DefaultInputData(), ut.InputData())
}

func TestNextFreeNumber_Exhausted(t *testing.T) {
	taken := make(map[int]bool)
	for n := 1; n < MaxTestIndex; n++ {
		taken[n] = true
	}
	_, err := NextFreeNumber("", CorrelationTestNameFormat, taken)
	assert.True(t, kberrors.Is(err, kberrors.ErrValidation))
}

func TestFixtureHelpers(t *testing.T) {
	assert.True(t, ContainsInputData("# c\n{\"a\":1}\nexpect 1 {}"))
	assert.False(t, ContainsInputData("expect 1 {\"a\":1}"))
	assert.True(t, ContainsExpectation("{\"a\":1}\nexpect 1 {\"a\":1}"))
	assert.True(t, ContainsExpectation("expect not {\n\"a\":1\n}"))
	assert.False(t, ContainsExpectation("# nothing"))

	assert.Equal(t, "# comment\n{\"a\":1}", FixStrings("#comment\r\n\r\n   \n{\"a\":1}\r\n"))
}

// ---------------------------------------------------------------------------
// Normalization fixtures
// ---------------------------------------------------------------------------

func TestNormalizationUnitTest_Paths(t *testing.T) {
	rule := RuleRef{Name: "Windows_Logon", Dir: "/kb/Windows_Logon", FileName: "formula.xp"}
	ut := NewNormalizationUnitTest(rule, 1)

	assert.Equal(t, filepath.Join("/kb/Windows_Logon", "tests", "norm_1.js"), ut.ExpectationPath())
	assert.Equal(t, filepath.Join("/kb/Windows_Logon", "tests", "raw_1.txt"), ut.InputDataPath())
	assert.Equal(t, filepath.Join("/kb/Windows_Logon", "formula.xp"), ut.Rule().FilePath())
}

func TestNormalizationUnitTest_SaveAndLoad(t *testing.T) {
	rule := newRule(t, "Windows_Logon", "formula.xp")
	ut := NewNormalizationUnitTest(rule, 4)
	ut.SetInputData("<Event>raw</Event>")
	ut.SetExpectation("{\n    \"msgid\": \"4624\"\n}\n")
	require.NoError(t, ut.Save())

	tests, err := LoadNormalizationUnitTests(rule)
	require.NoError(t, err)
	require.Len(t, tests, 1)
	assert.Equal(t, 4, tests[0].Number())
	assert.Equal(t, "<Event>raw</Event>", tests[0].InputData())
	assert.Equal(t, "{\n    \"msgid\": \"4624\"\n}", tests[0].Expectation())

	require.NoError(t, tests[0].Remove())
	assert.NoFileExists(t, ut.ExpectationPath())
	assert.NoFileExists(t, ut.InputDataPath())
}

// ---------------------------------------------------------------------------
// Integration tests
// ---------------------------------------------------------------------------

func TestIntegrationTest_SaveEmpty(t *testing.T) {
	rule := newRule(t, "SuperDuperCorrelation", "rule.co")
	it, err := CreateIntegrationTest(rule, nil)
	require.NoError(t, err)

	require.NoError(t, it.Save())

	assert.FileExists(t, filepath.Join(rule.Dir, "tests", "raw_events_1.json"))
	assert.FileExists(t, filepath.Join(rule.Dir, "tests", "test_conds_1.tc"))
	assert.True(t, kberrors.Is(it.CheckRunnable(), kberrors.ErrMissingParam))
}

func TestIntegrationTest_SetRawEventsClearsNormalized(t *testing.T) {
	it := NewIntegrationTest(RuleRef{Name: "R"}, 1)
	it.SetNormalizedEvents(`{"msgid":"1"}`)

	it.SetRawEvents(`{"Event":{}}`)

	assert.Empty(t, it.NormalizedEvents())
	assert.NoError(t, it.CheckRunnable())
}

func TestIntegrationTest_Update(t *testing.T) {
	rule := newRule(t, "R", "rule.co")
	it := NewIntegrationTest(rule, 1)

	err := it.Update("", "expect 1 {\"a\":1}")
	assert.True(t, kberrors.Is(err, kberrors.ErrMissingParam))

	require.NoError(t, it.Update("{\"Event\":1}", "expect 1 {\n    \"correlation_name\": \"R\"\n}"))
	assert.Equal(t, "expect 1 {\"correlation_name\":\"R\"}", it.TestCode())

	tests, err := LoadIntegrationTests(rule)
	require.NoError(t, err)
	require.Len(t, tests, 1)
	assert.Equal(t, "{\"Event\":1}", tests[0].RawEvents())
	assert.Equal(t, "expect 1 {\"correlation_name\":\"R\"}", tests[0].TestCode())
}

func TestFindArtifact(t *testing.T) {
	root := t.TempDir()
	testsDir := filepath.Join(root, "run1", "Rule_A", "tests")
	writeFile(t, filepath.Join(testsDir, "raw_events_1_norm_enr.json"), "{}")
	writeFile(t, filepath.Join(testsDir, "raw_events_1_norm_enr_corr.json"), "{}")
	writeFile(t, filepath.Join(testsDir, "raw_events_1_norm_enr_cor_enr.json"), "{}")
	writeFile(t, filepath.Join(testsDir, "raw_events_2_norm_enr_corr_enr.json"), "{}")
	writeFile(t, filepath.Join(root, "run1", "Rule_AB", "tests", "raw_events_1_norm_enr.json"), "{}")

	got, err := FindArtifact(root, ArtifactEnrichedNormalized, "Rule_A", 1)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(testsDir, "raw_events_1_norm_enr.json"), got)

	got, err = FindArtifact(root, ArtifactCorrelated, "Rule_A", 1)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(testsDir, "raw_events_1_norm_enr_corr.json"), got)

	got, err = FindArtifact(root, ArtifactEnrichedCorrelated, "Rule_A", 1)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(testsDir, "raw_events_1_norm_enr_cor_enr.json"), got)

	got, err = FindArtifact(root, ArtifactCorrelated, "Rule_A", 7)
	require.NoError(t, err)
	assert.Empty(t, got)

	all, err := FindArtifacts(root, ArtifactEnrichedCorrelated, "Rule_A", 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestFindArtifact_Ambiguous(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a", "R", "tests", "raw_events_1_norm_enr.json"), "{}")
	writeFile(t, filepath.Join(root, "b", "R", "tests", "raw_events_1_norm_enr.json"), "{}")

	_, err := FindArtifact(root, ArtifactEnrichedNormalized, "R", 1)
	assert.True(t, kberrors.Is(err, kberrors.ErrArtifactAmbiguous))
}
