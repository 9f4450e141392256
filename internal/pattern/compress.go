// Package pattern finds and rewrites JSON objects embedded in test fixtures
// and tool output, and recognizes a few rule-language constructs by regex.
//
// Span detection assumes an embedded object opens with "{" at the end of a
// line and closes with "}" at the start of a line. Values containing such
// braces at line boundaries are not supported. Every span found is checked
// by the JSON parser, so a malformed span fails instead of producing broken
// output.
package pattern

import (
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	kberrors "github.com/xp-kbt/kbrunner/internal/errors"
	"github.com/xp-kbt/kbrunner/internal/jsonutil"
)

// Patterns are compiled per call: no matcher state is shared between scans.
const (
	rawEventSpanExpr     = `(?m)^\{$[\s\S]+?^\}`
	testCodeSpanExpr     = `(?m)\{$[\s\S]+?^\}`
	compactEventLineExpr = `(?m)(\{\S.+\})\s*$`
)

// NormalizeNewlines converts CRLF and lone CR line endings to LF.
func NormalizeNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}

// CompressRawEvents compacts pretty-printed events that start with "{" on
// a line of its own.
func CompressRawEvents(rawEvents string, strict bool) (string, error) {
	return compressSpans(rawEvents, regexp.MustCompile(rawEventSpanExpr), strict)
}

// CompressTestCode compacts pretty-printed objects whose opening brace ends
// a line, e.g. the body of an "expect 1 {" statement.
func CompressTestCode(testCode string, strict bool) (string, error) {
	return compressSpans(testCode, regexp.MustCompile(testCodeSpanExpr), strict)
}

// compressSpans re-serializes every matched span compactly. With strict set
// at least one span must be found. Any span that is not valid JSON fails
// the whole call and nothing is returned.
func compressSpans(input string, re *regexp.Regexp, strict bool) (string, error) {
	input = NormalizeNewlines(input)
	spans := re.FindAllString(input, -1)

	if strict && len(spans) == 0 {
		return "", kberrors.New(kberrors.ErrNoJSON, "no JSON object found, check the saved data and the selected envelope")
	}

	result := input
	for i, span := range spans {
		v, err := jsonutil.ParseString(span)
		if err != nil {
			return "", kberrors.Wrap(kberrors.ErrParse, "embedded JSON could not be parsed, check the saved data", err).
				WithDetails("span", i+1)
		}
		compact, err := jsonutil.Compact(v)
		if err != nil {
			return "", kberrors.Wrap(kberrors.ErrParse, "embedded JSON could not be serialized", err)
		}
		result = strings.Replace(result, span, compact, 1)
	}

	return strings.TrimSpace(result), nil
}

// ReformatEmbeddedJSON expands compact single-line objects that end a line
// into sorted, 4-space indented JSON. Only the top-level keys are sorted so
// that groups like subject.* end up next to each other. A span that fails
// to parse is logged and left as is.
func ReformatEmbeddedJSON(text string, logger zerolog.Logger) string {
	re := regexp.MustCompile(compactEventLineExpr)

	formatted := text
	for _, m := range re.FindAllStringSubmatch(text, -1) {
		compact := m[1]
		obj, err := jsonutil.ParseObject([]byte(compact))
		if err != nil {
			logger.Warn().Err(err).Str("event", truncate(compact, 200)).Msg("skipping event that could not be formatted")
			continue
		}
		pretty, err := jsonutil.PrettyPrint(jsonutil.SortTopLevelKeys(obj))
		if err != nil {
			logger.Warn().Err(err).Msg("skipping event that could not be serialized")
			continue
		}
		formatted = strings.Replace(formatted, compact, pretty, 1)
	}
	return formatted
}

// ContainsCompactJSON reports whether text holds a single-line object that
// ends a line, i.e. JSON that is already compressed.
func ContainsCompactJSON(text string) bool {
	return regexp.MustCompile(compactEventLineExpr).MatchString(text)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
