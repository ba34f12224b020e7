// Package dispatch fans one finished request out to its side effects:
// the storage row, the in-memory token tracker, the best-effort
// telemetry POST, and the per-domain Slack notification. None of these
// may fail the request; every error here is logged and swallowed.
package dispatch

import "regexp"

// maskRule is one entry of the fixed outbound masking table. Every
// string that leaves the process through a notification or telemetry
// path goes through all rules in order.
type maskRule struct {
	pattern *regexp.Regexp
	replace string
}

var maskRules = []maskRule{
	{regexp.MustCompile(`sk-ant-[a-zA-Z0-9_-]{24,}`), "sk-ant-[MASKED]"},
	{regexp.MustCompile(`sk-[a-zA-Z0-9]{48,}`), "sk-[MASKED]"},
	{regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9_\-\.]{16,}`), "Bearer [MASKED]"},
	{regexp.MustCompile(`(?i)(api[_-]?key|apikey)([\s:=]+)["']?[a-zA-Z0-9_\-]{16,}["']?`), "$1$2[MASKED]"},
	{regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), "[EMAIL]"},
	{regexp.MustCompile(`[a-z+]+://[^:/\s]+:[^@/\s]+@[^\s]+`), "[DB-URL]"},
}

// Mask applies the outbound masking table to a string.
func Mask(s string) string {
	for _, rule := range maskRules {
		s = rule.pattern.ReplaceAllString(s, rule.replace)
	}
	return s
}
