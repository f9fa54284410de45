package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestOpenAI(t *testing.T, url string) *OpenAIClient {
	t.Helper()
	c, err := NewOpenAIClient(ProviderConfig{
		Type:       ProviderOpenAI,
		APIKey:     "test-key",
		ModelName:  "test-model",
		BaseURL:    url,
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
	}, zap.NewNop())
	require.NoError(t, err)
	return c
}

func TestOpenAIClient_Complete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)
		assert.Equal(t, "classify this", req.Messages[1].Content)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"index":0,"message":{"role":"assistant","content":"{\"tier\":\"High\"}"}}]}`))
	}))
	defer srv.Close()

	out, err := newTestOpenAI(t, srv.URL).Complete(context.Background(), "classify this")
	require.NoError(t, err)
	assert.Equal(t, `{"tier":"High"}`, out)
}

func TestNewGeminiClient_RequestsJSON(t *testing.T) {
	c, err := NewGeminiClient(context.Background(), ProviderConfig{
		Type:   ProviderGemini,
		APIKey: "test-key",
	}, zap.NewNop())
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, "application/json", c.model.ResponseMIMEType)
	require.NotNil(t, c.model.MaxOutputTokens)
	assert.Equal(t, int32(1200), *c.model.MaxOutputTokens)
}

func TestOpenAIClient_Failures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		calls  int32
	}{
		{"server error retried", http.StatusInternalServerError, "boom", 2},
		{"empty body", http.StatusOK, "", 2},
		{"no choices", http.StatusOK, `{"choices":[]}`, 2},
		{"rate limited not retried", http.StatusTooManyRequests, "slow down", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&calls, 1)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := newTestOpenAI(t, srv.URL).Complete(context.Background(), "x")
			require.Error(t, err)
			assert.Equal(t, tt.calls, atomic.LoadInt32(&calls))
		})
	}
}

func TestOpenAIClient_RequiresKey(t *testing.T) {
	_, err := NewOpenAIClient(ProviderConfig{Type: ProviderOpenAI}, zap.NewNop())
	assert.Error(t, err)
}

type stubProvider struct {
	name  string
	err   error
	calls int
}

func (s *stubProvider) Complete(ctx context.Context, prompt string) (string, error) {
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return s.name, nil
}

func (s *stubProvider) Info() ProviderInfo { return ProviderInfo{Provider: "stub", Model: s.name} }
func (s *stubProvider) Close() error       { return nil }

func TestMultiProviderClient_SwitchesOnRateLimit(t *testing.T) {
	first := &stubProvider{name: "first", err: ErrRateLimited}
	second := &stubProvider{name: "second"}

	client := NewFailover([]Provider{first, second}, 3, zap.NewNop())

	out, err := client.Complete(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, "second", out)
	assert.Equal(t, "second", client.Info().Model)

	// Stays on the healthy provider.
	_, err = client.Complete(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, 1, first.calls)
	assert.Equal(t, 2, second.calls)
}

func TestMultiProviderClient_SwitchesAfterMaxFailures(t *testing.T) {
	first := &stubProvider{name: "first", err: errors.New("connection refused")}
	second := &stubProvider{name: "second"}

	client := NewFailover([]Provider{first, second}, 2, zap.NewNop())

	_, err := client.Complete(context.Background(), "p")
	require.Error(t, err)
	assert.Equal(t, "first", client.Info().Model)

	out, err := client.Complete(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, "second", out)
}

func TestMultiProviderClient_AllFail(t *testing.T) {
	boom := errors.New("rate limit exceeded")
	client := NewFailover([]Provider{
		&stubProvider{name: "a", err: boom},
		&stubProvider{name: "b", err: boom},
	}, 1, zap.NewNop())

	_, err := client.Complete(context.Background(), "p")
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

func TestRateLimitedProvider_HonoursContext(t *testing.T) {
	inner := &stubProvider{name: "inner"}
	p := NewRateLimitedProvider(inner, 1)

	_, err := p.Complete(context.Background(), "p")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Complete(ctx, "p")
	require.Error(t, err)
	assert.Equal(t, 1, inner.calls)
}
