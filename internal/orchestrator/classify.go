package orchestrator

import (
	"regexp"

	"autoforge/internal/types"
)

// Classifier rules, checked in order; first match wins. Sourced from
// worker error messages and session stderr.
var classifierRules = []struct {
	kind types.ErrorKind
	re   *regexp.Regexp
}{
	{types.ErrResourceConflict, regexp.MustCompile(`(?i)lock conflict|already locked|resource conflict|held by`)},
	{types.ErrResource, regexp.MustCompile(`(?i)out of memory|oom|enospc|no space left|disk full|too many open files`)},
	{types.ErrTransient, regexp.MustCompile(`(?i)etimedout|timed? ?out|rate.?limit|429|5\d\d|connection (reset|refused)|temporarily unavailable`)},
	{types.ErrTestFailure, regexp.MustCompile(`(?i)test.* fail|assert(ion)? (failed|error)|expected .+ (got|but was)|FAIL\b`)},
	{types.ErrCode, regexp.MustCompile(`(?i)syntax error|compil(e|ation) (error|failed)|type error|undefined (symbol|variable|reference)|cannot find module`)},
}

// Classify maps an error message to its retry-policy kind. Messages that
// match nothing are unknown.
func Classify(message string) types.ErrorKind {
	for _, rule := range classifierRules {
		if rule.re.MatchString(message) {
			return rule.kind
		}
	}
	return types.ErrUnknown
}
