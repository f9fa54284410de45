package classifier

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"threatsync/internal/models"
)

const (
	maxNextSteps       = 6
	defaultRelevance   = 50
	manualReviewStep   = "Analyst: review this threat manually and define remediation steps."
	fallbackConfidence = 50
)

var errNoJSON = errors.New("no JSON object in response")

type oracleAnswer struct {
	Tier               *string         `json:"tier"`
	Confidence         *float64        `json:"confidence"`
	Reasoning          string          `json:"reasoning"`
	RecommendedActions json.RawMessage `json:"recommended_actions"`
	NextSteps          []string        `json:"next_steps"`
	Keywords           []string        `json:"keywords"`
	BioSectorRelevance *float64        `json:"bio_sector_relevance"`
}

// extractJSON returns the text between the first '{' and the last '}'.
func extractJSON(raw string) (string, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return "", errNoJSON
	}
	return raw[start : end+1], nil
}

// parseAnswer decodes the oracle's answer. Tier and confidence are
// required; everything else has a default.
func parseAnswer(raw string) (models.Classification, error) {
	body, err := extractJSON(raw)
	if err != nil {
		return models.Classification{}, err
	}

	var a oracleAnswer
	if err := json.Unmarshal([]byte(body), &a); err != nil {
		return models.Classification{}, fmt.Errorf("invalid JSON: %w", err)
	}

	if a.Tier == nil {
		return models.Classification{}, errors.New("missing tier")
	}
	tier, ok := parseTier(*a.Tier)
	if !ok {
		return models.Classification{}, fmt.Errorf("invalid tier %q", *a.Tier)
	}
	if a.Confidence == nil {
		return models.Classification{}, errors.New("missing confidence")
	}

	relevance := defaultRelevance
	if a.BioSectorRelevance != nil {
		relevance = clampPercent(*a.BioSectorRelevance)
	}

	return models.Classification{
		Tier:               tier,
		Confidence:         clampPercent(*a.Confidence),
		Reasoning:          strings.TrimSpace(a.Reasoning),
		RecommendedActions: flattenText(a.RecommendedActions),
		NextSteps:          normalizeSteps(a.NextSteps),
		Keywords:           cleanList(a.Keywords),
		BioSectorRelevance: relevance,
	}, nil
}

// parseTier folds the four-tier rubric onto the three stored tiers.
func parseTier(s string) (models.Tier, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical", "high":
		return models.TierHigh, true
	case "medium":
		return models.TierMedium, true
	case "low":
		return models.TierLow, true
	default:
		return "", false
	}
}

func clampPercent(v float64) int {
	if math.IsNaN(v) {
		return 0
	}
	r := int(math.Round(v))
	if r < 0 {
		return 0
	}
	if r > 100 {
		return 100
	}
	return r
}

func normalizeSteps(steps []string) models.StringList {
	out := cleanList(steps)
	if len(out) == 0 {
		return models.StringList{manualReviewStep}
	}
	if len(out) > maxNextSteps {
		out = out[:maxNextSteps]
	}
	return out
}

func cleanList(items []string) models.StringList {
	out := make(models.StringList, 0, len(items))
	for _, item := range items {
		if s := strings.TrimSpace(item); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// flattenText accepts either a string or a list of strings.
func flattenText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return strings.Join(cleanList(list), "\n")
	}
	return ""
}
