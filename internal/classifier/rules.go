package classifier

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rcliao/care-companion/internal/model"
)

// RulesProvider is an offline keyword classifier. It needs no network and is
// deterministic, which makes it the default for local runs and tests.
type RulesProvider struct{}

func NewRulesProvider() *RulesProvider { return &RulesProvider{} }

func (RulesProvider) Name() string { return "rules" }

type symptomRule struct {
	phrase   string
	symptom  string
	severity model.Severity
}

// Longer phrases come first so "chest pain" wins over "pain".
var symptomRules = []symptomRule{
	{"chest pain", "chest pain", model.SeverityHigh},
	{"chest pressure", "chest pain", model.SeverityHigh},
	{"chest tightness", "chest pain", model.SeverityHigh},
	{"tight chest", "chest pain", model.SeverityHigh},
	{"can't breathe", "difficulty breathing", model.SeverityHigh},
	{"cannot breathe", "difficulty breathing", model.SeverityHigh},
	{"difficulty breathing", "difficulty breathing", model.SeverityHigh},
	{"short of breath", "difficulty breathing", model.SeverityHigh},
	{"shortness of breath", "difficulty breathing", model.SeverityHigh},
	{"numbness", "numbness", model.SeverityHigh},
	{"went numb", "numbness", model.SeverityHigh},
	{"feels numb", "numbness", model.SeverityHigh},
	{"slurred", "speech difficulty", model.SeverityHigh},
	{"fainted", "fainting", model.SeverityHigh},
	{"passed out", "fainting", model.SeverityHigh},
	{"bleeding", "bleeding", model.SeverityHigh},
	{"emergency", "emergency", model.SeverityHigh},
	{"heart racing", "palpitations", model.SeverityMedium},
	{"racing heart", "palpitations", model.SeverityMedium},
	{"heart is racing", "palpitations", model.SeverityMedium},
	{"palpitation", "palpitations", model.SeverityMedium},
	{"dizzy", "dizziness", model.SeverityMedium},
	{"lightheaded", "dizziness", model.SeverityMedium},
	{"fell", "fall", model.SeverityMedium},
	{"fallen", "fall", model.SeverityMedium},
	{"severe headache", "severe headache", model.SeverityMedium},
	{"confused", "confusion", model.SeverityMedium},
	{"blurry", "vision problems", model.SeverityMedium},
	{"vomit", "vomiting", model.SeverityMedium},
	{"headache", "headache", model.SeverityLow},
	{"pain", "pain", model.SeverityLow},
	{"hurt", "pain", model.SeverityLow},
	{"ache", "pain", model.SeverityLow},
	{"sick", "feeling unwell", model.SeverityLow},
	{"tired", "fatigue", model.SeverityLow},
	{"forgot", "memory concern", model.SeverityLow},
}

var (
	positiveWords = []string{
		"good", "great", "happy", "wonderful", "excellent", "love", "enjoy",
		"better", "fine", "well", "nice", "pleasant", "comfortable", "peaceful", "ok",
	}
	negativeWords = []string{
		"bad", "terrible", "awful", "hate", "horrible", "pain", "hurt", "sad",
		"worried", "anxious", "confused", "lost", "dizzy", "sick", "tired",
		"lonely", "scared", "frightened", "depressed", "upset",
	}
	concernWords = []string{
		"pain", "hurt", "dizzy", "fall", "emergency", "help", "confused",
		"memory", "forgot", "lost", "scared", "can't", "unable", "difficult",
	}
)

// Complete classifies only the latest turn; context is ignored.
func (RulesProvider) Complete(_ context.Context, req Request) (string, error) {
	text := strings.ToLower(req.LatestTurn)

	severity := model.SeverityNone
	var symptoms []string
	seen := map[string]bool{}
	matched := text
	for _, r := range symptomRules {
		if !strings.Contains(matched, r.phrase) {
			continue
		}
		matched = strings.ReplaceAll(matched, r.phrase, " ")
		severity = model.MaxSeverity(severity, r.severity)
		if !seen[r.symptom] {
			seen[r.symptom] = true
			symptoms = append(symptoms, r.symptom)
		}
	}

	out, _ := json.Marshal(map[string]interface{}{
		"sentiment": sentiment(text),
		"severity":  severity,
		"symptoms":  symptoms,
		"rationale": "keyword rules",
	})
	return string(out), nil
}

func sentiment(text string) float64 {
	words := strings.Fields(text)
	if len(words) == 0 {
		return 0
	}
	count := func(list []string) int {
		n := 0
		for _, w := range list {
			if strings.Contains(text, w) {
				n++
			}
		}
		return n
	}
	score := (float64(count(positiveWords)) - float64(count(negativeWords)) -
		1.5*float64(count(concernWords))) / float64(len(words))
	if score > 1 {
		return 1
	}
	if score < -1 {
		return -1
	}
	return score
}
