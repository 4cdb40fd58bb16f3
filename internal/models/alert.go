// Package models defines domain models for kycstream.
package models

import (
	"encoding/json"
	"strings"
	"time"
)

// Severity represents alert severity level.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// severityRank orders severities for minimum-severity filters.
var severityRank = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// ParseSeverity converts a string to Severity, defaulting to medium.
func ParseSeverity(s string) Severity {
	if sev, ok := LookupSeverity(s); ok {
		return sev
	}
	return SeverityMedium
}

// LookupSeverity converts a string to Severity and reports whether it is known.
func LookupSeverity(s string) (Severity, bool) {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := severityRank[sev]; !ok {
		return "", false
	}
	return sev, true
}

// Rank returns the numeric order of the severity. Unknown severities rank 0.
func (s Severity) Rank() int {
	return severityRank[s]
}

// AtLeast reports whether s is at or above min.
func (s Severity) AtLeast(min Severity) bool {
	return s.Rank() >= min.Rank()
}

// Alert is a compliance event produced by the decision engine.
// Alerts are immutable once published.
type Alert struct {
	ID        string          `json:"id"`
	Subject   string          `json:"subject"`
	Type      string          `json:"type,omitempty"` // e.g. "kyc", "aml", "sanctions"
	Severity  Severity        `json:"severity"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// PayloadMap decodes the payload as a JSON object.
// Non-object payloads yield an empty map.
func (a *Alert) PayloadMap() map[string]any {
	out := map[string]any{}
	if len(a.Payload) == 0 {
		return out
	}
	if err := json.Unmarshal(a.Payload, &out); err != nil {
		return map[string]any{}
	}
	return out
}
