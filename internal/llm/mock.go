package llm

import "context"

// MockClient is a test double for Client. It also backs the "mock"
// generation provider so the service runs without a model server.
type MockClient struct {
	ProviderName string
	CompleteFunc func(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

func (m *MockClient) Name() string {
	if m.ProviderName == "" {
		return "mock"
	}
	return m.ProviderName
}

func (m *MockClient) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	if m.CompleteFunc != nil {
		return m.CompleteFunc(ctx, req)
	}
	last := ""
	if n := len(req.Messages); n > 0 {
		last = req.Messages[n-1].Content
	}
	return &CompletionResponse{
		Content:    "Let's think about \"" + last + "\" step by step. Can you explain what you already understand about it, for example with a small case?",
		StopReason: StopEnd,
		Model:      "mock",
	}, nil
}
