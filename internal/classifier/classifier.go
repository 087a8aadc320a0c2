// Package classifier scores conversation turns for sentiment and emergency
// severity through a pluggable remote provider.
package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rcliao/care-companion/internal/model"
)

var (
	// ErrTimeout means the provider did not answer within the configured timeout.
	ErrTimeout = errors.New("classification timed out")
	// ErrMalformed means the provider answered with something that is not a valid result.
	ErrMalformed = errors.New("malformed classification")
)

// Outcome records how a classification attempt ended.
type Outcome string

const (
	OutcomeOK        Outcome = "ok"
	OutcomeTimeout   Outcome = "timeout"
	OutcomeMalformed Outcome = "malformed"
	OutcomeFailed    Outcome = "failed"
)

// Result is a classified turn. Severity is unknown whenever Outcome is not ok.
type Result struct {
	Sentiment float64        `json:"sentiment"`
	Severity  model.Severity `json:"severity"`
	Symptoms  []string       `json:"symptoms"`
	Rationale string         `json:"rationale,omitempty"`
	Outcome   Outcome        `json:"outcome"`
}

// Unknown builds the fallback result for a failed classification.
func Unknown(outcome Outcome, reason string) Result {
	return Result{Severity: model.SeverityUnknown, Outcome: outcome, Rationale: reason}
}

// Request is what a provider is asked to classify.
type Request struct {
	ContextSummary string
	LatestTurn     string
}

// Provider is a remote classification capability. Complete returns the raw
// model output; validation happens in ParseResult.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (string, error)
}

const systemPrompt = `You are a health monitoring assistant for an elderly care companion.
Read the recent conversation and care context, then classify ONLY the latest patient message.

Emergency indicators include chest pain, pressure or tightness; difficulty breathing;
severe dizziness or fainting; palpitations or a racing heartbeat; severe headache or
sudden confusion; weakness or numbness on one side; vision or speech problems;
severe bleeding, falls or injury; allergic reactions; severe abdominal pain.

Severity:
- "high": possibly life-threatening symptoms (chest pain, difficulty breathing, stroke signs)
- "medium": concerning symptoms that need prompt attention (severe dizziness, fast heartbeat, a fall)
- "low": mild symptoms mentioned casually
- "none": no health concern

Sentiment is a score from -1 (very negative) to 1 (very positive). Be sensitive to
pain, loneliness, confusion and medication-related anxiety.

Respond with JSON only, in exactly this format:
{"sentiment": -0.5, "severity": "high", "symptoms": ["chest pain"], "rationale": "one short sentence"}`

func userPrompt(req Request) string {
	var b strings.Builder
	if req.ContextSummary != "" {
		b.WriteString("Context:\n")
		b.WriteString(req.ContextSummary)
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "Latest patient message: %q", req.LatestTurn)
	return b.String()
}

type rawResult struct {
	Sentiment *float64 `json:"sentiment"`
	Severity  *string  `json:"severity"`
	Symptoms  []string `json:"symptoms"`
	Rationale string   `json:"rationale"`
}

// ParseResult validates raw provider output. Markdown code fences around the
// JSON object are tolerated; anything else wraps ErrMalformed.
func ParseResult(raw string) (Result, error) {
	body := stripFences(raw)
	if body == "" {
		return Result{}, fmt.Errorf("%w: empty response", ErrMalformed)
	}

	var r rawResult
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if r.Sentiment == nil {
		return Result{}, fmt.Errorf("%w: missing sentiment", ErrMalformed)
	}
	if *r.Sentiment < -1 || *r.Sentiment > 1 {
		return Result{}, fmt.Errorf("%w: sentiment %v out of range", ErrMalformed, *r.Sentiment)
	}
	if r.Severity == nil {
		return Result{}, fmt.Errorf("%w: missing severity", ErrMalformed)
	}
	sev, err := model.ParseSeverity(*r.Severity)
	if err != nil || sev == model.SeverityUnknown {
		return Result{}, fmt.Errorf("%w: severity %q", ErrMalformed, *r.Severity)
	}

	symptoms := make([]string, 0, len(r.Symptoms))
	seen := make(map[string]bool, len(r.Symptoms))
	for _, s := range r.Symptoms {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" && !seen[s] {
			seen[s] = true
			symptoms = append(symptoms, s)
		}
	}

	return Result{
		Sentiment: *r.Sentiment,
		Severity:  sev,
		Symptoms:  symptoms,
		Rationale: strings.TrimSpace(r.Rationale),
		Outcome:   OutcomeOK,
	}, nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
