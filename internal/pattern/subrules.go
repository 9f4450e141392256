package pattern

import (
	"regexp"
	"strconv"
)

// Textual forms that reference another correlation by name:
//
//	correlation_name == "Sub_A"
//	lower(correlation_name) == "sub_a"
//	in_list(["Sub_B", "Sub_C"], lower(correlation_name))
//	in_list(["Sub_B", "Sub_C"], correlation_name)
const (
	nameCompareExpr      = `correlation_name\s*==\s*"(\w+)"`
	lowerNameCompareExpr = `lower\s*\(\s*correlation_name\s*\)\s*==\s*"(\w+)"`
	inListLowerNameExpr  = `in_list\s*\(\s*(\[[\w\W]+\])\s*,\s*lower\s*\(\s*correlation_name\s*\)`
	inListNameExpr       = `in_list\s*\(\s*(\[[^)]+\])\s*,\s*correlation_name\s*\)`

	stringLiteralExpr   = `"((?:[^"\\]|\\.)*)"`
	nameInFilterExpr    = `filter\s+\{[\s\S]+?correlation_name[\s\S]+?\}`
	negativeExpectExpr  = `expect\s+not\s+`
	expectStatementExpr = `(?s)expect\s+(?:\d+|not)\s+\{.*\}`
)

type subRulePatterns struct {
	compare []*regexp.Regexp
	inList  []*regexp.Regexp
}

func newSubRulePatterns() subRulePatterns {
	return subRulePatterns{
		compare: []*regexp.Regexp{
			regexp.MustCompile(nameCompareExpr),
			regexp.MustCompile(lowerNameCompareExpr),
		},
		inList: []*regexp.Regexp{
			regexp.MustCompile(inListLowerNameExpr),
			regexp.MustCompile(inListNameExpr),
		},
	}
}

// ContainsSubRuleReference reports whether the rule source references
// another correlation by name in any of the known forms.
func ContainsSubRuleReference(ruleCode string) bool {
	p := newSubRulePatterns()
	for _, re := range append(p.compare, p.inList...) {
		if re.MatchString(ruleCode) {
			return true
		}
	}
	return false
}

// ExtractSubRuleReferences returns the distinct correlation names the rule
// source refers to, in order of first appearance: names compared with
// correlation_name first, then every string literal inside matching
// in_list arrays.
func ExtractSubRuleReferences(ruleCode string) []string {
	p := newSubRulePatterns()
	seen := make(map[string]struct{})
	var names []string
	add := func(name string) {
		if name == "" {
			return
		}
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}

	for _, re := range p.compare {
		for _, m := range re.FindAllStringSubmatch(ruleCode, -1) {
			add(m[1])
		}
	}

	literal := regexp.MustCompile(stringLiteralExpr)
	for _, re := range p.inList {
		for _, m := range re.FindAllStringSubmatch(ruleCode, -1) {
			for _, lit := range literal.FindAllStringSubmatch(m[1], -1) {
				add(unquote(lit[1]))
			}
		}
	}

	return names
}

// IsCorrelationNameUsedInFilter reports whether a filter block mentions
// correlation_name.
func IsCorrelationNameUsedInFilter(ruleCode string) bool {
	return regexp.MustCompile(nameInFilterExpr).MatchString(ruleCode)
}

// IsNegativeTest reports whether the test expects no correlation at all.
func IsNegativeTest(testCode string) bool {
	return regexp.MustCompile(negativeExpectExpr).MatchString(testCode)
}

// ReplaceExpectSection swaps the expect statement of a correlation test for
// "expect 1 <actual>", leaving comments and other statements in place.
func ReplaceExpectSection(testCode, actualEvent string) string {
	re := regexp.MustCompile(expectStatementExpr)
	replacement := "expect 1 " + actualEvent
	if !re.MatchString(testCode) {
		return replacement
	}
	// Literal replacement: event values may contain '$'.
	return re.ReplaceAllLiteralString(testCode, replacement)
}

func unquote(s string) string {
	if u, err := strconv.Unquote(`"` + s + `"`); err == nil {
		return u
	}
	return s
}
