// Package security implements the regex-based threat scanner of spec
// §4.4: a fixed catalog of SQLi/XSS/path-traversal/command/NoSQL/LDAP
// patterns run against every string leaf of a payload, each match scored
// with a severity and sanitized by literal replacement (spec §9: never
// recompile the matched text as a regex — the source's RegExp(matched)
// hazard).
package security

import (
	"net/url"
	"regexp"
	"strings"
)

// Severity ranks a Finding.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ThreatType names the regex family that matched.
type ThreatType string

const (
	ThreatSQLInjection    ThreatType = "sql_injection"
	ThreatXSS             ThreatType = "xss"
	ThreatPathTraversal   ThreatType = "path_traversal"
	ThreatCommandInjection ThreatType = "command_injection"
	ThreatNoSQLInjection  ThreatType = "nosql_injection"
	ThreatLDAPInjection   ThreatType = "ldap_injection"
)

// Finding is one scanner hit.
type Finding struct {
	Type       ThreatType `json:"type"`
	Severity   Severity   `json:"severity"`
	Pattern    string     `json:"pattern"`
	Matched    string     `json:"matched"`
	Field      string     `json:"field"`
	Confidence float64    `json:"confidence"`
}

// MaxStringLength bounds scanner input (spec §5: regex scanning is
// bounded by maxStringLength, default 10000, enforced before scanning).
const MaxStringLength = 10000

type rule struct {
	threat     ThreatType
	severity   Severity
	confidence float64
	re         *regexp.Regexp
}

// catalog is the fixed regex catalog. Order matters only for which
// Finding a given input reports first when multiple families match the
// same substring; all matching rules still contribute independent
// findings.
var catalog = []rule{
	// SQL injection: keywords, tautologies, comment sequences, UNION.
	{ThreatSQLInjection, SeverityCritical, 0.9, regexp.MustCompile(`(?i)\b(union\s+select|union\s+all\s+select)\b`)},
	{ThreatSQLInjection, SeverityHigh, 0.8, regexp.MustCompile(`(?i)\b(select\s+.*\s+from|insert\s+into|delete\s+from|drop\s+table|update\s+.*\s+set)\b`)},
	{ThreatSQLInjection, SeverityHigh, 0.85, regexp.MustCompile(`(?i)(\bor\b|\band\b)\s+['"]?\d+['"]?\s*=\s*['"]?\d+['"]?`)},
	{ThreatSQLInjection, SeverityMedium, 0.6, regexp.MustCompile(`(--|#|/\*)`)},

	// XSS: script tags, iframes, event handlers, eval/expression.
	{ThreatXSS, SeverityCritical, 0.9, regexp.MustCompile(`(?i)<script[^>]*>`)},
	{ThreatXSS, SeverityHigh, 0.8, regexp.MustCompile(`(?i)<iframe[^>]*>`)},
	{ThreatXSS, SeverityHigh, 0.75, regexp.MustCompile(`(?i)\bon(error|load|click|mouseover|focus)\s*=`)},
	{ThreatXSS, SeverityHigh, 0.7, regexp.MustCompile(`(?i)\bjavascript:`)},
	{ThreatXSS, SeverityMedium, 0.6, regexp.MustCompile(`(?i)\beval\s*\(|expression\s*\(`)},

	// Path traversal: raw and URL-encoded.
	{ThreatPathTraversal, SeverityHigh, 0.85, regexp.MustCompile(`\.\./|\.\.\\`)},
	{ThreatPathTraversal, SeverityHigh, 0.8, regexp.MustCompile(`(?i)%2e%2e%2f|%2e%2e/|\.\.%2f`)},

	// Command injection: shell metacharacters and common command names.
	{ThreatCommandInjection, SeverityCritical, 0.85, regexp.MustCompile("[;&|`$(){}]")},
	{ThreatCommandInjection, SeverityHigh, 0.7, regexp.MustCompile(`(?i)\b(wget|curl|nc|netcat|bash|sh|powershell|cmd\.exe)\b`)},

	// NoSQL injection: Mongo-style $-operators.
	{ThreatNoSQLInjection, SeverityHigh, 0.8, regexp.MustCompile(`\$(where|ne|gt|lt|gte|lte|regex|in|nin|or|and)\b`)},

	// LDAP injection metacharacters.
	{ThreatLDAPInjection, SeverityMedium, 0.6, regexp.MustCompile(`[()&|!=*]{2,}`)},
}

// Scan runs the full catalog against input, truncating to
// MaxStringLength first (spec §8 boundary: input exactly at the limit is
// scanned; longer inputs are truncated before scanning).
func Scan(field, input string) []Finding {
	if len(input) > MaxStringLength {
		input = input[:MaxStringLength]
	}
	var findings []Finding
	for _, r := range catalog {
		if loc := r.re.FindStringIndex(input); loc != nil {
			findings = append(findings, Finding{
				Type:       r.threat,
				Severity:   r.severity,
				Pattern:    r.re.String(),
				Matched:    input[loc[0]:loc[1]],
				Field:      field,
				Confidence: r.confidence,
			})
		}
	}
	return findings
}

// ScanTree walks every string leaf of a decoded JSON payload (the shapes
// encoding/json produces: map[string]any, []any, and scalars) and
// aggregates findings, field-qualified by dotted path.
func ScanTree(root any) []Finding {
	var out []Finding
	walk("", root, &out)
	return out
}

func walk(path string, v any, out *[]Finding) {
	switch val := v.(type) {
	case string:
		decoded := val
		if u, err := url.QueryUnescape(val); err == nil {
			decoded = u
		}
		*out = append(*out, Scan(path, val)...)
		if decoded != val {
			*out = append(*out, Scan(path, decoded)...)
		}
	case map[string]any:
		for k, child := range val {
			childPath := k
			if path != "" {
				childPath = path + "." + k
			}
			walk(childPath, child, out)
		}
	case []any:
		for i, child := range val {
			walk(path+"["+itoa(i)+"]", child, out)
		}
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [12]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// Sanitize replaces every high/critical finding's matched text with a
// literal replacement — never by recompiling the matched substring as a
// regex (spec §9's called-out hazard: matched text may itself contain
// regex metacharacters).
func Sanitize(input string, findings []Finding) string {
	out := input
	for _, f := range findings {
		switch f.Severity {
		case SeverityCritical:
			out = strings.Replace(out, f.Matched, "[BLOCKED]", 1)
		case SeverityHigh:
			out = strings.Replace(out, f.Matched, htmlEscape(f.Matched), 1)
		}
	}
	return out
}

func htmlEscape(s string) string {
	r := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		`"`, "&quot;",
		"'", "&#39;",
	)
	return r.Replace(s)
}

// HasBlockingSeverity reports whether any finding is high or critical —
// the production-mode blocking threshold of spec §4.4.
func HasBlockingSeverity(findings []Finding) bool {
	for _, f := range findings {
		if f.Severity == SeverityHigh || f.Severity == SeverityCritical {
			return true
		}
	}
	return false
}
