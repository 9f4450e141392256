package diagnostic

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// SubprocessFailureMarker in siemj output means one of its stages failed,
// whatever siemj's own exit code is.
const SubprocessFailureMarker = "SUBPROCESS EXIT CODE: 1"

// 26 May 2024 - 10:01:02.003 | ERROR | build | C:\kb\packages\Rule\rule.co:7:3: unknown variable
const siemjFileErrorExpr = `(?m)^(?:.*?\|\s*)?((?:[A-Za-z]:)?[^:\r\n|]+?\.(?:xp|co|en|agr|tl|wld)):(\d+):(\d+):\s*(.*?)\s*$`

// FileDiagnostics groups diagnostics reported against one source file.
type FileDiagnostics struct {
	Path        string
	Diagnostics []Diagnostic
}

// SiemjResult is the interpretation of one siemj run.
type SiemjResult struct {
	Failed        bool
	StatusMessage string
	Files         []FileDiagnostics
}

// Count returns the number of diagnostics over all files.
func (r SiemjResult) Count() int {
	n := 0
	for _, f := range r.Files {
		n += len(f.Diagnostics)
	}
	return n
}

// SiemjParser interprets the combined stdout of siemj.
type SiemjParser struct {
	offset int
	logger zerolog.Logger
}

// NewSiemjParser creates a parser applying the given coordinate offset.
func NewSiemjParser(offset int, logger zerolog.Logger) *SiemjParser {
	return &SiemjParser{
		offset: offset,
		logger: logger.With().Str("component", "siemj-parser").Logger(),
	}
}

// Parse collects per-file diagnostics in order of first appearance and
// flags the run as failed when the failure marker is present.
func (p *SiemjParser) Parse(output string) SiemjResult {
	var result SiemjResult
	index := make(map[string]int)

	re := regexp.MustCompile(siemjFileErrorExpr)
	for _, m := range re.FindAllStringSubmatch(output, -1) {
		path := strings.TrimSpace(m[1])
		line, _ := strconv.Atoi(m[2])
		col, _ := strconv.Atoi(m[3])

		d := At(ToZeroBased(line, p.offset), ToZeroBased(col, p.offset), m[4])
		d.File = path

		i, ok := index[path]
		if !ok {
			i = len(result.Files)
			index[path] = i
			result.Files = append(result.Files, FileDiagnostics{Path: path})
		}
		result.Files[i].Diagnostics = append(result.Files[i].Diagnostics, d)
	}

	if strings.Contains(output, SubprocessFailureMarker) {
		result.Failed = true
		result.StatusMessage = "siemj reported a failed stage, see the tool output log"
		p.logger.Warn().Int("diagnostics", result.Count()).Msg("siemj run failed")
	}
	return result
}
