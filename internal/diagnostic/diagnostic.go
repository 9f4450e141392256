// Package diagnostic turns free-form tool output into located diagnostics.
package diagnostic

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/rs/zerolog"
)

// Severity of a diagnostic.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// DefaultSource names diagnostics produced from rule tooling output.
const DefaultSource = "xp"

// Diagnostic points at a 0-based position in a rule source file.
type Diagnostic struct {
	Source      string   `json:"source"`
	File        string   `json:"file,omitempty"`
	StartLine   int      `json:"start_line"`
	StartColumn int      `json:"start_column"`
	EndLine     int      `json:"end_line"`
	EndColumn   int      `json:"end_column"`
	Message     string   `json:"message"`
	Severity    Severity `json:"severity"`
}

// At returns an error diagnostic covering a single position.
func At(line, column int, message string) Diagnostic {
	return Diagnostic{
		Source:      DefaultSource,
		StartLine:   line,
		StartColumn: column,
		EndLine:     line,
		EndColumn:   column,
		Message:     strings.TrimSpace(message),
		Severity:    SeverityError,
	}
}

// String formats the diagnostic the way compilers print them, 1-based.
func (d Diagnostic) String() string {
	loc := fmt.Sprintf("%d:%d", d.StartLine+1, d.StartColumn+1)
	if d.File != "" {
		loc = d.File + ":" + loc
	}
	return fmt.Sprintf("%s: %s: %s", loc, d.Severity, d.Message)
}

// ToZeroBased converts a coordinate reported by a tool into a 0-based one by
// subtracting offset. The result never goes below 0.
func ToZeroBased(raw, offset int) int {
	v := raw - offset
	if v < 0 {
		return 0
	}
	return v
}

// CorrectWhitespace moves each diagnostic's start column to the first
// non-whitespace character of its line in fileContent. Diagnostics pointing
// past the end of the file, or at a blank line, are returned unchanged; the
// former is logged.
func CorrectWhitespace(fileContent string, diagnostics []Diagnostic, logger zerolog.Logger) []Diagnostic {
	if fileContent == "" {
		return diagnostics
	}

	lines := strings.Split(strings.ReplaceAll(fileContent, "\r\n", "\n"), "\n")
	out := make([]Diagnostic, len(diagnostics))
	for i, d := range diagnostics {
		out[i] = d
		if d.StartLine < 0 || d.StartLine >= len(lines) {
			logger.Warn().
				Str("source", d.Source).
				Int("line", d.StartLine).
				Int("file_lines", len(lines)).
				Msg("diagnostic refers to a line beyond the end of the file, position left uncorrected")
			continue
		}

		col := strings.IndexFunc(lines[d.StartLine], func(r rune) bool { return !unicode.IsSpace(r) })
		if col == -1 {
			continue
		}
		out[i].StartColumn = runeIndex(lines[d.StartLine], col)
	}
	return out
}

// runeIndex converts a byte offset into a character offset.
func runeIndex(s string, byteOffset int) int {
	return len([]rune(s[:byteOffset]))
}
