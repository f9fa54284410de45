package classifier

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"threatsync/internal/llm"
	"threatsync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeOracle struct {
	answer string
	err    error
	calls  int
	prompt string
}

func (f *fakeOracle) Complete(ctx context.Context, prompt string) (string, error) {
	f.calls++
	f.prompt = prompt
	return f.answer, f.err
}

func (f *fakeOracle) Info() llm.ProviderInfo {
	return llm.ProviderInfo{Provider: "fake", Model: "fake-1"}
}

func (f *fakeOracle) Close() error { return nil }

var threat = models.CanonicalThreat{
	Title:             "Acme InfusionPump (CVE-2024-1111)",
	Description:       "Authentication bypass",
	Category:          "Known Exploited Vulnerability",
	Source:            models.SourceCISAKEV,
	ImpactLevel:       models.ImpactCritical,
	ExternalReference: "CISA-KEV-CVE-2024-1111",
	DateObserved:      time.Date(2024, 4, 2, 0, 0, 0, 0, time.UTC),
}

func TestClassify_ParsesAnswer(t *testing.T) {
	oracle := &fakeOracle{answer: "Sure! ```json\n" + `{
		"tier": "Critical",
		"confidence": 87.6,
		"reasoning": "Actively exploited against hospitals.",
		"recommended_actions": ["Isolate pumps", "Patch"],
		"next_steps": ["1", "2", "3", "4", "5", "6", "7", " "],
		"keywords": ["infusion", " ", "ransomware"]
	}` + "\n```"}

	c := New(oracle, Config{}, zap.NewNop())
	got := c.Classify(context.Background(), threat)

	assert.False(t, got.Fallback)
	assert.Equal(t, models.TierHigh, got.Tier)
	assert.Equal(t, 88, got.Confidence)
	assert.Equal(t, 50, got.BioSectorRelevance)
	assert.Equal(t, "Isolate pumps\nPatch", got.RecommendedActions)
	assert.Len(t, got.NextSteps, 6)
	assert.Equal(t, models.StringList{"infusion", "ransomware"}, got.Keywords)
	assert.Equal(t, "fake", got.Provider)
	assert.Equal(t, "fake-1", got.Model)
	assert.False(t, got.ClassifiedAt.IsZero())

	assert.Contains(t, oracle.prompt, threat.Title)
	assert.Contains(t, oracle.prompt, "CISA-KEV-CVE-2024-1111")
	assert.Contains(t, oracle.prompt, "next_steps")
}

func TestClassify_Fallbacks(t *testing.T) {
	tests := []struct {
		name      string
		oracle    llm.Provider
		reasoning string
	}{
		{"not configured", nil, "oracle not configured"},
		{"network error", &fakeOracle{err: errors.New("dial tcp: connection refused")}, "oracle unavailable: dial tcp: connection refused"},
		{"no json", &fakeOracle{answer: "I cannot help with that"}, "unparseable oracle response"},
		{"missing tier", &fakeOracle{answer: `{"confidence": 80}`}, "missing tier"},
		{"missing confidence", &fakeOracle{answer: `{"tier": "High"}`}, "missing confidence"},
		{"invalid tier", &fakeOracle{answer: `{"tier": "Severe", "confidence": 80}`}, "invalid tier"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := New(tt.oracle, Config{}, zap.NewNop()).Classify(context.Background(), threat)

			assert.True(t, got.Fallback)
			assert.Equal(t, models.TierMedium, got.Tier)
			assert.Equal(t, 50, got.Confidence)
			assert.Contains(t, got.Reasoning, tt.reasoning)
			require.Len(t, got.NextSteps, 1)
			assert.Contains(t, strings.ToLower(got.NextSteps[0]), "manual")
		})
	}
}

func TestClassify_CircuitOpens(t *testing.T) {
	oracle := &fakeOracle{err: errors.New("timeout")}
	c := New(oracle, Config{BreakerMaxFailures: 2, BreakerOpenTimeout: time.Hour}, zap.NewNop())

	for i := 0; i < 2; i++ {
		got := c.Classify(context.Background(), threat)
		assert.Contains(t, got.Reasoning, "oracle unavailable")
	}

	got := c.Classify(context.Background(), threat)
	assert.True(t, got.Fallback)
	assert.Contains(t, got.Reasoning, "circuit open")
	assert.Equal(t, 2, oracle.calls)
}

func TestParseAnswer_Clamping(t *testing.T) {
	got, err := parseAnswer(`{"tier":"low","confidence":140,"bio_sector_relevance":-3}`)
	require.NoError(t, err)
	assert.Equal(t, models.TierLow, got.Tier)
	assert.Equal(t, 100, got.Confidence)
	assert.Equal(t, 0, got.BioSectorRelevance)
	assert.Equal(t, models.StringList{manualReviewStep}, got.NextSteps)
}

func TestExtractJSON(t *testing.T) {
	body, err := extractJSON(`prefix {"a": {"b": 1}} suffix`)
	require.NoError(t, err)
	assert.Equal(t, `{"a": {"b": 1}}`, body)

	_, err = extractJSON("} {")
	assert.ErrorIs(t, err, errNoJSON)
}
