package narrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedTier fails a fixed number of times, then succeeds.
type scriptedTier struct {
	failures int
	text     string
	calls    int
}

func (s *scriptedTier) Generate(_ context.Context, _ Request) (Response, error) {
	s.calls++
	if s.calls <= s.failures {
		return Response{}, fmt.Errorf("tier unavailable (call %d)", s.calls)
	}
	return Response{Text: s.text}, nil
}

func TestLadderStopsAtFirstSuccess(t *testing.T) {
	first := &scriptedTier{text: "opening scene"}
	second := &scriptedTier{text: "never reached"}
	ladder := NewLadder(nil,
		Tier{Name: "pro", Service: first},
		Tier{Name: "flash", Service: second},
	)

	resp, err := ladder.Generate(context.Background(), Request{Prompt: "go"})
	require.NoError(t, err)
	assert.Equal(t, "opening scene", resp.Text)
	assert.Equal(t, "pro", resp.UsedModel)
	assert.Equal(t, 0, second.calls)
}

func TestLadderFallsThroughToLowerTier(t *testing.T) {
	ladder := NewLadder(nil,
		Tier{Name: "pro", Service: &scriptedTier{failures: 99}},
		Tier{Name: "flash", Service: &scriptedTier{failures: 99}},
		Tier{Name: "lite", Service: &scriptedTier{text: "degraded but alive"}},
	)

	resp, err := ladder.Generate(context.Background(), Request{Prompt: "go"})
	require.NoError(t, err)
	assert.Equal(t, "degraded but alive", resp.Text)
	assert.Equal(t, "lite", resp.UsedModel)
}

func TestLadderExhaustedReturnsLastError(t *testing.T) {
	ladder := NewLadder(nil,
		Tier{Name: "pro", Service: &scriptedTier{failures: 99}},
		Tier{Name: "flash", Service: &scriptedTier{failures: 99}},
	)

	_, err := ladder.Generate(context.Background(), Request{Prompt: "go"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all narration tiers failed")
}

func TestLadderWithoutTiers(t *testing.T) {
	ladder := NewLadder(nil)
	_, err := ladder.Generate(context.Background(), Request{})
	assert.True(t, errors.Is(err, ErrNoTiers))
}

func TestHTTPClientGenerate(t *testing.T) {
	var gotBody generateRequest
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_ = json.NewEncoder(w).Encode(map[string]string{"text": "  the cave mouth yawns  "})
	}))
	defer server.Close()

	client, err := NewHTTPClient(HTTPClientConfig{
		GenerateURL: server.URL,
		Model:       "gemini-2.5-pro",
		APIKey:      "sekrit",
	})
	require.NoError(t, err)

	resp, err := client.Generate(context.Background(), Request{
		Prompt:  "Alice: enter the cave",
		History: []Message{{Role: RoleModel, Text: "previous scene"}},
	})
	require.NoError(t, err)

	assert.Equal(t, "the cave mouth yawns", resp.Text)
	assert.Equal(t, "gemini-2.5-pro", resp.UsedModel)
	assert.Equal(t, "Bearer sekrit", gotAuth)
	assert.Equal(t, "gemini-2.5-pro", gotBody.Model)
	assert.Equal(t, SystemInstruction, gotBody.SystemInstruction)
	assert.Equal(t, "Alice: enter the cave", gotBody.Prompt)
	require.Len(t, gotBody.History, 1)
	assert.Equal(t, "model", gotBody.History[0].Role)
}

func TestHTTPClientGenerateErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer server.Close()

	client, err := NewHTTPClient(HTTPClientConfig{GenerateURL: server.URL, Model: "m"})
	require.NoError(t, err)

	_, err = client.Generate(context.Background(), Request{Prompt: "go"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
	assert.Contains(t, err.Error(), "rate limited")
}

func TestHTTPClientGenerateEmptyText(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"text": "   "})
	}))
	defer server.Close()

	client, err := NewHTTPClient(HTTPClientConfig{GenerateURL: server.URL, Model: "m"})
	require.NoError(t, err)

	_, err = client.Generate(context.Background(), Request{Prompt: "go"})
	assert.Error(t, err)
}

func TestNewHTTPClientValidation(t *testing.T) {
	_, err := NewHTTPClient(HTTPClientConfig{Model: "m"})
	assert.Error(t, err)
	_, err = NewHTTPClient(HTTPClientConfig{GenerateURL: "http://x"})
	assert.Error(t, err)
}
