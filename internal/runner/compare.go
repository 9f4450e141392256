package runner

import (
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/xp-kbt/kbrunner/internal/jsonutil"
)

// hostFallbacks lists, for each derived host field, the fields it is
// computed from. The derived field is ignored when any source is set.
var hostFallbacks = []struct {
	field   string
	sources []string
}{
	{"event_src.host", []string{"event_src.fqdn", "event_src.hostname", "event_src.ip", "recv_ipv4", "recv_ipv6", "recv_host"}},
	{"src.host", []string{"src.fqdn", "src.hostname", "src.ip", "src.mac"}},
	{"dst.host", []string{"dst.fqdn", "dst.hostname", "dst.ip", "dst.mac"}},
	{"external_src.host", []string{"external_src.fqdn", "external_src.hostname", "external_src.ip"}},
	{"external_dst.host", []string{"external_dst.fqdn", "external_dst.hostname", "external_dst.ip"}},
}

var timestampFields = []string{"recv_time", "time"}

// ClearIrrelevantFields returns a copy of a normalized event without the
// fields that legitimately differ between runs: timestamps, and host fields
// derived from other fields present in the event. A falsy importance
// becomes "info".
func ClearIrrelevantFields(event *jsonutil.Object) *jsonutil.Object {
	out := event.Clone()
	for _, f := range timestampFields {
		out.Delete(f)
	}

	for _, hf := range hostFallbacks {
		for _, src := range hf.sources {
			if v, _ := out.Get(src); jsonutil.Truthy(v) {
				out.Delete(hf.field)
				break
			}
		}
	}

	if v, _ := out.Get("importance"); !jsonutil.Truthy(v) {
		out.Set("importance", "info")
	}
	return out
}

// Comparison is the verdict of comparing an expected event with an actual
// one.
type Comparison struct {
	MatchedFields int
	TotalFields   int
	PrefixMatch   bool
	DiffSegments  int
	Diff          string // unified diff of the canonical forms, empty when equal
}

// Success is true when either the expected fields all matched in order or
// the canonical forms are identical.
func (c Comparison) Success() bool {
	return c.PrefixMatch || c.DiffSegments == 1
}

// Compare checks expected against actual. Expected fields are walked in
// order and counting stops at the first field whose actual value is missing,
// falsy or different. Independently a line diff of both events with keys
// sorted is computed; a single unchanged segment also means success.
func Compare(expected, actual *jsonutil.Object) Comparison {
	var c Comparison
	c.TotalFields = expected.Len()
	for _, k := range expected.Keys() {
		want, _ := expected.Get(k)
		got, ok := actual.Get(k)
		if !ok || !jsonutil.Truthy(got) || !jsonutil.StrictEqual(want, got) {
			break
		}
		c.MatchedFields++
	}
	c.PrefixMatch = c.MatchedFields == c.TotalFields

	expectedText := canonicalText(expected)
	actualText := canonicalText(actual)
	c.DiffSegments = countSegments(diffLines(expectedText), diffLines(actualText))
	if c.DiffSegments != 1 {
		c.Diff = unifiedDiff(expectedText, actualText)
	}
	return c
}

func canonicalText(o *jsonutil.Object) string {
	s, err := jsonutil.PrettyPrint(jsonutil.SortKeysDeep(o))
	if err != nil {
		return ""
	}
	return s
}

// diffLines splits canonical JSON into lines, ignoring trailing commas so
// that appending a field does not change the line before it.
func diffLines(s string) []string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, ",")
	}
	return lines
}

// countSegments counts runs of unchanged, removed and added lines. A replace
// is a removed run followed by an added run.
func countSegments(a, b []string) int {
	n := 0
	for _, op := range difflib.NewMatcherWithJunk(a, b, false, nil).GetOpCodes() {
		switch op.Tag {
		case 'r':
			n += 2
		default:
			n++
		}
	}
	return n
}

func unifiedDiff(expected, actual string) string {
	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(expected),
		B:        difflib.SplitLines(actual),
		FromFile: "expected",
		ToFile:   "actual",
		Context:  3,
	})
	if err != nil {
		return ""
	}
	return diff
}
