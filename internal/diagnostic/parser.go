package diagnostic

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/dlclark/regexp2"
	"github.com/rs/zerolog"

	"github.com/xp-kbt/kbrunner/internal/config"
)

const userPatternTimeout = 500 * time.Millisecond

// Recognizer extracts diagnostics from tool output. Recognizers are
// independent of each other; one that finds nothing contributes nothing.
type Recognizer interface {
	Name() string
	Recognize(output string, offset int) []Diagnostic
}

// regexRecognizer matches a built-in RE2 pattern. Group indexes of 0 mean
// the coordinate is not captured and the diagnostic points at 0:0.
type regexRecognizer struct {
	name                   string
	expr                   string
	lineGroup, columnGroup int
	messageGroup           int
	all                    bool
}

func (r regexRecognizer) Name() string { return r.name }

func (r regexRecognizer) Recognize(output string, offset int) []Diagnostic {
	re := regexp.MustCompile(r.expr)

	var matches [][]string
	if r.all {
		matches = re.FindAllStringSubmatch(output, -1)
	} else if m := re.FindStringSubmatch(output); m != nil {
		matches = [][]string{m}
	}

	diags := make([]Diagnostic, 0, len(matches))
	for _, m := range matches {
		diags = append(diags, fromGroups(groupAt(m, r.lineGroup), groupAt(m, r.columnGroup), groupAt(m, r.messageGroup), offset))
	}
	return diags
}

// ecmaRecognizer runs a user-configured pattern in ECMAScript syntax, the
// dialect rule authors copy from tool documentation.
type ecmaRecognizer struct {
	cfg config.RecognizerConfig
	re  *regexp2.Regexp
}

func newECMARecognizer(cfg config.RecognizerConfig) (*ecmaRecognizer, error) {
	re, err := regexp2.Compile(cfg.Pattern, regexp2.ECMAScript|regexp2.Multiline)
	if err != nil {
		return nil, fmt.Errorf("compiling recognizer %q: %w", cfg.Name, err)
	}
	re.MatchTimeout = userPatternTimeout
	return &ecmaRecognizer{cfg: cfg, re: re}, nil
}

func (r *ecmaRecognizer) Name() string { return r.cfg.Name }

func (r *ecmaRecognizer) Recognize(output string, offset int) []Diagnostic {
	m, err := r.re.FindStringMatch(output)
	if err != nil || m == nil {
		return nil
	}
	group := func(i int) string {
		if i <= 0 || i >= m.GroupCount() {
			return ""
		}
		return m.GroupByNumber(i).String()
	}
	msg := group(r.cfg.MessageGroup)
	if r.cfg.MessageGroup == 0 {
		msg = m.String()
	}
	return []Diagnostic{fromGroups(group(r.cfg.LineGroup), group(r.cfg.ColumnGroup), msg, offset)}
}

func groupAt(m []string, i int) string {
	if i <= 0 || i >= len(m) {
		return ""
	}
	return m[i]
}

func fromGroups(line, column, message string, offset int) Diagnostic {
	l, c := 0, 0
	if line != "" {
		if n, err := strconv.Atoi(line); err == nil {
			l = ToZeroBased(n, offset)
		}
	}
	if column != "" {
		if n, err := strconv.Atoi(column); err == nil {
			c = ToZeroBased(n, offset)
		}
	}
	return At(l, c, message)
}

// Built-in recognizers.
var (
	// [ERROR] Rule body is empty
	genericErrorRecognizer = regexRecognizer{
		name:         "error-line",
		expr:         `(?m)\[ERROR\] (.*)`,
		messageGroup: 1,
	}

	// Failed to compile graph:
	// 		C:\kb\rule\formula.xp:12:5: unknown field
	graphCompileRecognizer = regexRecognizer{
		name:         "graph-compile",
		expr:         `Failed to compile graph:\r?\n\t\t.*formula\.xp:(\d+):(\d+): (.*)\r?\n\r?\n`,
		lineGroup:    1,
		columnGroup:  2,
		messageGroup: 3,
	}

	// C:\kb\rule\rule.co:8:3: syntax error
	correlationRuleRecognizer = regexRecognizer{
		name:         "correlation-rule",
		expr:         `(?m)\S*rule\.co:(\d+):(\d+): (.*)$`,
		lineGroup:    1,
		columnGroup:  2,
		messageGroup: 3,
		all:          true,
	}
)

// Parser runs an ordered list of recognizers over tool output.
type Parser struct {
	recognizers []Recognizer
	offset      int
	logger      zerolog.Logger
}

// NewParser creates a parser from explicit recognizers.
func NewParser(offset int, logger zerolog.Logger, recognizers ...Recognizer) *Parser {
	return &Parser{
		recognizers: recognizers,
		offset:      offset,
		logger:      logger.With().Str("component", "output-parser").Logger(),
	}
}

// NewNormalizationParser builds the parser for normalizer test output: the
// generic [ERROR] line, graph compilation failures, then user recognizers.
func NewNormalizationParser(cfg *config.Config, logger zerolog.Logger) (*Parser, error) {
	return newParserWithUser(cfg, logger, genericErrorRecognizer, graphCompileRecognizer)
}

// NewCorrelationParser builds the parser for correlation unit test output.
func NewCorrelationParser(cfg *config.Config, logger zerolog.Logger) (*Parser, error) {
	return newParserWithUser(cfg, logger, correlationRuleRecognizer, genericErrorRecognizer)
}

func newParserWithUser(cfg *config.Config, logger zerolog.Logger, builtin ...Recognizer) (*Parser, error) {
	recognizers := append([]Recognizer{}, builtin...)
	for _, rc := range cfg.Parser.Recognizers {
		r, err := newECMARecognizer(rc)
		if err != nil {
			return nil, err
		}
		recognizers = append(recognizers, r)
	}
	return NewParser(cfg.Runner.CoordinateOffset, logger, recognizers...), nil
}

// Parse evaluates every recognizer against the full output. An empty result
// means the tool reported no problems.
func (p *Parser) Parse(output string) []Diagnostic {
	var diags []Diagnostic
	for _, r := range p.recognizers {
		found := r.Recognize(output, p.offset)
		if len(found) > 0 {
			p.logger.Debug().Str("recognizer", r.Name()).Int("count", len(found)).Msg("diagnostics recognized")
		}
		diags = append(diags, found...)
	}
	return diags
}
