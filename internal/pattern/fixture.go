package pattern

import (
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	kberrors "github.com/xp-kbt/kbrunner/internal/errors"
	"github.com/xp-kbt/kbrunner/internal/jsonutil"
)

// Generated fields stripped from correlation test code. Each field has a
// form for the middle of an object and one for its end.
var testCodeNoise = []string{
	`\s*"generator.version"(\s*):(\s*)"(.*?",)`,

	`\s*"uuid"(\s*):(\s*)".*?",`,
	`,\s*"uuid"(\s*):(\s*)".*?"`,

	`\s*"time"(\s*):(\s*)".*?",`,
	`,\s*"time"(\s*):(\s*)".*?"`,

	`\s*"incident.name"(\s*):(\s*)".*?",`,
	`,\s*"incident.name"(\s*):(\s*)".*?"`,

	`\s*"siem_id"(\s*):(\s*)".*?",`,
	`,\s*"siem_id"(\s*):(\s*)".*?"`,

	`\s*"labels"(\s*):(\s*)".*?",`,
	`,\s*"labels"(\s*):(\s*)".*?"`,

	`\s*"_subjects"(\s*):(\s*)\[[\s\S]*?\],`,
	`,\s*"_subjects"(\s*):(\s*)\[[\s\S]*?\]`,

	`\s*"_objects"(\s*):(\s*)\[[\s\S]*?\],`,
	`,\s*"_objects"(\s*):(\s*)\[[\s\S]*?\]`,

	`\s*"subevents"(\s*):(\s*)\[[\s\S]*?\],`,
	`,\s*"subevents"(\s*):(\s*)\[[\s\S]*?\]`,

	`\s*"subevents.time"(\s*):(\s*)\[[\s\S]*?\],`,
	`,\s*"subevents.time"(\s*):(\s*)\[[\s\S]*?\]`,
}

// TechnicalFields are dropped from JSONL events before they are shown or
// stored as expectations.
var TechnicalFields = []string{
	"generator.version",
	"uuid",
	"time",
	"incident.name",
	"siem_id",
	"labels",
	"_subjects",
	"_objects",
	"_rule",
	"subevents",
	"subevents.time",
}

const defaultLocalizationExpr = `^[a-z_0-9]+ [a-z_0-9]+ [a-z_0-9]+ [a-z_0-9]+ (на узле|on host) \S+$`

// CleanTestCode removes generated fields from the events in a correlation
// test's code.
func CleanTestCode(testCode string) (string, error) {
	if testCode == "" {
		return "", kberrors.New(kberrors.ErrMissingParam, "test code is required")
	}
	for _, expr := range testCodeNoise {
		testCode = regexp.MustCompile(expr).ReplaceAllLiteralString(testCode, "")
	}
	return testCode, nil
}

// SplitLines splits text on any newline convention and drops empty lines.
func SplitLines(text string) []string {
	var lines []string
	for _, l := range strings.Split(NormalizeNewlines(text), "\n") {
		if strings.TrimSpace(l) != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

// RemoveFieldsFromJSONL deletes the given fields from every event of a
// newline-delimited JSON text. Fields with falsy values are kept.
func RemoveFieldsFromJSONL(jsonl string, fields ...string) (string, error) {
	lines := SplitLines(jsonl)
	out := make([]string, 0, len(lines))
	for i, line := range lines {
		obj, err := jsonutil.ParseObject([]byte(line))
		if err != nil {
			return "", kberrors.Wrap(kberrors.ErrParse, "failed to clean JSON of fields: "+strings.Join(fields, ", "), err).
				WithDetails("line", i+1)
		}
		for _, f := range fields {
			if v, ok := obj.Get(f); ok && jsonutil.Truthy(v) {
				obj.Delete(f)
			}
		}
		compact, err := jsonutil.Compact(obj)
		if err != nil {
			return "", kberrors.Wrap(kberrors.ErrParse, "failed to serialize cleaned event", err)
		}
		out = append(out, compact)
	}
	return strings.Join(out, "\n"), nil
}

// CleanJSONLTechnicalFields strips TechnicalFields from each JSONL chunk.
func CleanJSONLTechnicalFields(jsonl []string) ([]string, error) {
	out := make([]string, 0, len(jsonl))
	for _, chunk := range jsonl {
		cleaned, err := RemoveFieldsFromJSONL(chunk, TechnicalFields...)
		if err != nil {
			return nil, err
		}
		out = append(out, cleaned)
	}
	return out, nil
}

// FilterCorrelationEvents keeps the events fired by ruleName. Lines that
// are not JSON are logged and skipped.
func FilterCorrelationEvents(events []string, ruleName string, logger zerolog.Logger) []string {
	var filtered []string
	for _, e := range events {
		obj, err := jsonutil.ParseObject([]byte(e))
		if err != nil {
			logger.Warn().Err(err).Msg("skipping correlation event that is not a JSON object")
			continue
		}
		if obj.GetString("correlation_name") == ruleName {
			filtered = append(filtered, strings.TrimSpace(e))
		}
	}
	return filtered
}

// IsDefaultLocalization reports whether text is the generic fallback
// rendering ("account start process success on host wks01") rather than a
// real localization template.
func IsDefaultLocalization(text string) bool {
	return regexp.MustCompile(defaultLocalizationExpr).MatchString(text)
}

// ParseJSONLines returns the lines of tool output that look like a single
// line JSON object. The lines are not validated; callers parse them and
// report their own errors.
func ParseJSONLines(output string) []string {
	var events []string
	for _, line := range SplitLines(output) {
		l := strings.TrimSpace(line)
		if strings.HasPrefix(l, "{") && strings.HasSuffix(l, "}") {
			events = append(events, l)
		}
	}
	return events
}

// IsValidPath reports whether the external tools can handle path: printable
// ASCII only, without characters that are invalid in file names.
func IsValidPath(path string) bool {
	if strings.TrimSpace(path) == "" {
		return false
	}
	for _, r := range path {
		if r < 0x20 || r > 0x7e {
			return false
		}
		if strings.ContainsRune(`<>"|?*`, r) {
			return false
		}
	}
	return true
}
