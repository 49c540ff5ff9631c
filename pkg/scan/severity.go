package scan

import "regexp"

// Severity classes derived from engine rule IDs. The engine itself does
// not rank findings, so ranking happens here, keyed on the rule taxonomy.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
)

var severityClasses = []struct {
	severity string
	pattern  *regexp.Regexp
}{
	{SeverityCritical, regexp.MustCompile(`(?i)private[-_]?key|pkcs|pgp|certificate`)},
	{SeverityHigh, regexp.MustCompile(`(?i)aws|gcp|google|azure|github|gitlab|slack|stripe|twilio|access[-_]?token`)},
	{SeverityMedium, regexp.MustCompile(`(?i)password|secret|api[-_]?key|token`)},
}

func SeverityForRule(ruleID string) string {
	for _, class := range severityClasses {
		if class.pattern.MatchString(ruleID) {
			return class.severity
		}
	}
	return SeverityLow
}
