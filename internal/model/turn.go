// Package model defines the core care-companion data types.
package model

import (
	"fmt"
	"strings"
	"time"
)

// Speaker identifies who produced a conversation turn.
type Speaker string

const (
	SpeakerPatient Speaker = "patient"
	SpeakerAgent   Speaker = "agent"
)

// ValidSpeakers are the allowed turn speakers.
var ValidSpeakers = map[Speaker]bool{
	SpeakerPatient: true,
	SpeakerAgent:   true,
}

// Severity is the classified risk level of a turn.
// none < low < medium < high; unknown is outside the order and never escalates.
type Severity string

const (
	SeverityNone    Severity = "none"
	SeverityLow     Severity = "low"
	SeverityMedium  Severity = "medium"
	SeverityHigh    Severity = "high"
	SeverityUnknown Severity = "unknown"
)

// Rank returns the position of s in the severity order, or -1 for unknown.
func (s Severity) Rank() int {
	switch s {
	case SeverityNone:
		return 0
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	default:
		return -1
	}
}

// AtLeast reports whether s is an ordered severity at or above threshold.
func (s Severity) AtLeast(threshold Severity) bool {
	r := s.Rank()
	return r >= 0 && threshold.Rank() >= 0 && r >= threshold.Rank()
}

// MaxSeverity returns the higher of two ordered severities.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// ParseSeverity parses a severity name, case-insensitively.
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	switch sev {
	case SeverityNone, SeverityLow, SeverityMedium, SeverityHigh, SeverityUnknown:
		return sev, nil
	}
	return "", fmt.Errorf("invalid severity %q (use none, low, medium, high)", s)
}

// ConversationTurn is one utterance in a patient conversation.
// The raw turn is immutable; classification fields are joined from a
// separately appended derived record and are nil/empty until it exists.
type ConversationTurn struct {
	ID           string     `json:"id"`
	PatientID    string     `json:"patient_id"`
	Timestamp    time.Time  `json:"timestamp"`
	Speaker      Speaker    `json:"speaker"`
	Text         string     `json:"text"`
	Sentiment    *float64   `json:"sentiment,omitempty"`
	Severity     Severity   `json:"severity,omitempty"`
	Symptoms     []string   `json:"symptoms,omitempty"`
	ClassifiedAt *time.Time `json:"classified_at,omitempty"`
}

// Classified reports whether a derived classification has been joined.
func (t ConversationTurn) Classified() bool {
	return t.ClassifiedAt != nil
}

// Classification is the derived record appended for a classified turn.
type Classification struct {
	TurnID    string    `json:"turn_id"`
	PatientID string    `json:"patient_id"`
	Sentiment float64   `json:"sentiment"`
	Severity  Severity  `json:"severity"`
	Symptoms  []string  `json:"symptoms,omitempty"`
	Outcome   string    `json:"outcome"`
	Rationale string    `json:"rationale,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
