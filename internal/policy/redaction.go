package policy

import "regexp"

type redactionRule struct {
	pattern *regexp.Regexp
	mask    string
}

// Cards run before phones so long digit runs are not masked as phone numbers.
var piiRules = []redactionRule{
	{regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), "[REDACTED_EMAIL]"},
	{regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`), "[REDACTED_CARD]"},
	{regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`), "[REDACTED_PHONE]"},
}

// RedactPII masks emails, card numbers and phone numbers in transcript text.
func RedactPII(input string) (redacted string, changed bool) {
	out := input
	for _, rule := range piiRules {
		out = rule.pattern.ReplaceAllString(out, rule.mask)
	}
	return out, out != input
}

// RedactAll masks every element and reports whether any changed. The input
// slice is not modified.
func RedactAll(texts []string) ([]string, bool) {
	out := make([]string, len(texts))
	changed := false
	for i, t := range texts {
		var c bool
		out[i], c = RedactPII(t)
		changed = changed || c
	}
	return out, changed
}
