package generation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soyeahso/tutorchat/internal/domain"
	"github.com/soyeahso/tutorchat/internal/llm"
)

func TestGenerateBuildsConversation(t *testing.T) {
	var got llm.CompletionRequest
	client := &llm.MockClient{
		ProviderName: "ollama",
		CompleteFunc: func(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
			got = req
			return &llm.CompletionResponse{Content: "  Because a half is one of two equal parts.  ", StopReason: llm.StopEnd, Model: "llama3.1"}, nil
		},
	}

	g := NewLLMGenerator(client, WithModel("llama3.1"))
	res, err := g.Generate(context.Background(), Request{
		SessionID: "S1",
		Content:   "why is 2/4 equal to 1/2?",
		Subject:   "math",
		Context: []domain.Turn{
			{Role: domain.RoleUser, Content: "what is a fraction?"},
			{Role: domain.RoleAssistant, Content: "part of a whole"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "Because a half is one of two equal parts.", res.Content)
	assert.InDelta(t, 0.9, res.Confidence, 1e-9)
	assert.Equal(t, []string{"ollama:llama3.1"}, res.Sources)

	assert.Equal(t, "llama3.1", got.Model)
	assert.Contains(t, got.System, "math")
	require.Len(t, got.Messages, 3)
	assert.Equal(t, llm.RoleAssistant, got.Messages[1].Role)
	assert.Equal(t, "why is 2/4 equal to 1/2?", got.Messages[2].Content)
}

func TestGenerateRepeatedMessageStillSent(t *testing.T) {
	var got llm.CompletionRequest
	client := &llm.MockClient{CompleteFunc: func(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
		got = req
		return &llm.CompletionResponse{Content: "ok", StopReason: llm.StopEnd}, nil
	}}

	_, err := NewLLMGenerator(client).Generate(context.Background(), Request{
		Content: "yes",
		Context: []domain.Turn{
			{Role: domain.RoleAssistant, Content: "Shall we try another one?"},
			{Role: domain.RoleUser, Content: "yes"},
		},
	})
	require.NoError(t, err)
	require.Len(t, got.Messages, 3)
	assert.Equal(t, llm.RoleUser, got.Messages[2].Role)
	assert.Equal(t, "yes", got.Messages[2].Content)
}

func TestGenerateAppendsCurrentMessage(t *testing.T) {
	var got llm.CompletionRequest
	client := &llm.MockClient{CompleteFunc: func(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
		got = req
		return &llm.CompletionResponse{Content: "ok", StopReason: llm.StopLength}, nil
	}}

	res, err := NewLLMGenerator(client).Generate(context.Background(), Request{Content: "hello"})
	require.NoError(t, err)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "hello", got.Messages[0].Content)
	assert.InDelta(t, 0.6, res.Confidence, 1e-9)
}

func TestGenerateErrors(t *testing.T) {
	failing := &llm.MockClient{CompleteFunc: func(context.Context, llm.CompletionRequest) (*llm.CompletionResponse, error) {
		return nil, errors.New("connection refused")
	}}
	_, err := NewLLMGenerator(failing).Generate(context.Background(), Request{Content: "x"})
	assert.ErrorContains(t, err, "connection refused")

	empty := &llm.MockClient{CompleteFunc: func(context.Context, llm.CompletionRequest) (*llm.CompletionResponse, error) {
		return &llm.CompletionResponse{Content: "   "}, nil
	}}
	_, err = NewLLMGenerator(empty).Generate(context.Background(), Request{Content: "x"})
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestGenerateTimeout(t *testing.T) {
	slow := &llm.MockClient{CompleteFunc: func(ctx context.Context, _ llm.CompletionRequest) (*llm.CompletionResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	_, err := NewLLMGenerator(slow, WithTimeout(10*time.Millisecond)).Generate(context.Background(), Request{Content: "x"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
