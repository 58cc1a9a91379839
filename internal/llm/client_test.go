package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockClientDefault(t *testing.T) {
	m := &MockClient{}
	assert.Equal(t, "mock", m.Name())

	resp, err := m.Complete(context.Background(), CompletionRequest{
		Messages: []Message{{Role: RoleUser, Content: "fractions"}},
	})
	require.NoError(t, err)
	assert.Contains(t, resp.Content, "fractions")
	assert.Equal(t, StopEnd, resp.StopReason)
}

func TestMockClientCustom(t *testing.T) {
	m := &MockClient{
		ProviderName: "custom",
		CompleteFunc: func(_ context.Context, req CompletionRequest) (*CompletionResponse, error) {
			return &CompletionResponse{Content: "echo: " + req.System}, nil
		},
	}
	resp, err := m.Complete(context.Background(), CompletionRequest{System: "be kind"})
	require.NoError(t, err)
	assert.Equal(t, "echo: be kind", resp.Content)
	assert.Equal(t, "custom", m.Name())
}

func TestOllamaComplete(t *testing.T) {
	var got ollamaChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.True(t, strings.HasPrefix(r.Header.Get("User-Agent"), "tutorchat/"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"model":             "llama3.1",
			"message":           map[string]string{"role": "assistant", "content": "A fraction is part of a whole."},
			"done":              true,
			"done_reason":       "stop",
			"prompt_eval_count": 42,
			"eval_count":        9,
		})
	}))
	defer srv.Close()

	temp := 0.2
	c := NewOllamaClient(srv.URL+"/", "llama3.1", 5*time.Second)
	resp, err := c.Complete(context.Background(), CompletionRequest{
		System:      "You are a tutor.",
		Messages:    []Message{{Role: RoleUser, Content: "What is a fraction?"}},
		Temperature: &temp,
		MaxTokens:   256,
	})
	require.NoError(t, err)

	assert.Equal(t, "A fraction is part of a whole.", resp.Content)
	assert.Equal(t, StopEnd, resp.StopReason)
	assert.Equal(t, 42, resp.Usage.InputTokens)
	assert.Equal(t, 9, resp.Usage.OutputTokens)

	assert.Equal(t, "llama3.1", got.Model)
	assert.False(t, got.Stream)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, RoleSystem, got.Messages[0].Role)
	assert.Equal(t, "What is a fraction?", got.Messages[1].Content)
	require.NotNil(t, got.Options)
	assert.Equal(t, 256, got.Options.NumPredict)
	assert.InDelta(t, 0.2, *got.Options.Temperature, 1e-9)
}

func TestOllamaAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewOllamaClient(srv.URL, "missing", time.Second).Complete(context.Background(), CompletionRequest{})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Contains(t, apiErr.Body, "model not found")
}

func TestOllamaContextCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := NewOllamaClient(srv.URL, "m", 5*time.Second).Complete(ctx, CompletionRequest{})
	assert.Error(t, err)
}
