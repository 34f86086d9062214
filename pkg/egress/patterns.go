package egress

import "regexp"

// redactionPattern rewrites one category of sensitive content. Patterns run
// in declaration order, each over the output of the previous one; the order
// is part of the certificate semantics and must not change.
type redactionPattern struct {
	name        string
	re          *regexp.Regexp
	replacement string
}

var piiPatterns = []redactionPattern{
	{
		name:        "email",
		re:          regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`),
		replacement: "[EMAIL]",
	},
	{
		name:        "phone",
		re:          regexp.MustCompile(`\(?\b\d{3}\)?[-.\s]\d{3}[-.]\d{4}\b`),
		replacement: "[PHONE]",
	},
	{
		name:        "credit_card",
		re:          regexp.MustCompile(`\b(?:\d{4}[ \-]){3}\d{4}\b|\b\d{15,16}\b`),
		replacement: "[CARD]",
	},
	{
		name:        "ssn",
		re:          regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
		replacement: "[SSN]",
	},
	{
		name:        "ip_address",
		re:          regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`),
		replacement: "[IP]",
	},
}

var secretPatterns = []redactionPattern{
	{
		name:        "api_key",
		re:          regexp.MustCompile(`(?i)\b(?:api[_\-]?key|access[_\-]?token)["']?\s*[:=]\s*["']?[A-Za-z0-9_\-]{12,}["']?|\bsk-[A-Za-z0-9]{20,}\b`),
		replacement: "[API_KEY]",
	},
	{
		name:        "password",
		re:          regexp.MustCompile(`(?i)\bpassword["']?\s*[:=]\s*["']?\S+`),
		replacement: "[PASSWORD]",
	},
	{
		name:        "jwt",
		re:          regexp.MustCompile(`\beyJ[A-Za-z0-9_\-]{4,}\.[A-Za-z0-9_\-]{4,}\.[A-Za-z0-9_\-]+\b`),
		replacement: "[JWT]",
	},
	{
		name:        "private_key",
		re:          regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----(?s:.*?)-----END [A-Z ]*PRIVATE KEY-----`),
		replacement: "[PRIVATE_KEY]",
	},
}
