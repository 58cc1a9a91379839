// Package generation is the AI generation collaborator: it turns a user
// message and its conversation context into a tutor response.
package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/soyeahso/tutorchat/internal/domain"
	"github.com/soyeahso/tutorchat/internal/llm"
)

// ErrEmptyResponse is returned when the model produced no text.
var ErrEmptyResponse = errors.New("generation: empty response")

// Request is one generation call.
type Request struct {
	SessionID string
	UserID    string
	Content   string
	Context   []domain.Turn // earlier turns, oldest first, without the current message
	Subject   string
}

// Result is the generated answer.
type Result struct {
	Content        string
	Confidence     float64
	Sources        []string
	ProcessingTime time.Duration
}

// Generator produces responses. It may fail or time out; callers rely on
// the queue's retry path.
type Generator interface {
	Generate(ctx context.Context, req Request) (Result, error)
}

const systemPrompt = `You are a patient tutor for students. Explain ideas step by step, use a short example when it helps, and end with a question that checks understanding. Never ask for or repeat personal information such as phone numbers, email addresses or ID numbers.`

// LLMGenerator generates responses with an llm.Client.
type LLMGenerator struct {
	client      llm.Client
	model       string
	timeout     time.Duration
	temperature *float64
}

// Option configures an LLMGenerator.
type Option func(*LLMGenerator)

// WithModel overrides the provider's default model.
func WithModel(model string) Option {
	return func(g *LLMGenerator) { g.model = model }
}

// WithTimeout bounds each generation call.
func WithTimeout(d time.Duration) Option {
	return func(g *LLMGenerator) { g.timeout = d }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t *float64) Option {
	return func(g *LLMGenerator) { g.temperature = t }
}

// NewLLMGenerator creates a generator backed by client.
func NewLLMGenerator(client llm.Client, opts ...Option) *LLMGenerator {
	g := &LLMGenerator{client: client, timeout: 60 * time.Second}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *LLMGenerator) Generate(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	resp, err := g.client.Complete(ctx, g.buildRequest(req))
	if err != nil {
		return Result{}, fmt.Errorf("%s: %w", g.client.Name(), err)
	}
	content := strings.TrimSpace(resp.Content)
	if content == "" {
		return Result{}, ErrEmptyResponse
	}

	sources := []string{g.client.Name()}
	if resp.Model != "" {
		sources = []string{g.client.Name() + ":" + resp.Model}
	}
	return Result{
		Content:        content,
		Confidence:     confidenceFor(resp.StopReason),
		Sources:        sources,
		ProcessingTime: time.Since(start),
	}, nil
}

func (g *LLMGenerator) buildRequest(req Request) llm.CompletionRequest {
	system := systemPrompt
	if req.Subject != "" {
		system += "\n\nThe current subject is " + req.Subject + "."
	}

	msgs := make([]llm.Message, 0, len(req.Context)+1)
	for _, t := range req.Context {
		role := llm.RoleUser
		if t.Role == domain.RoleAssistant {
			role = llm.RoleAssistant
		}
		msgs = append(msgs, llm.Message{Role: role, Content: t.Content})
	}
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: req.Content})

	return llm.CompletionRequest{
		Model:       g.model,
		System:      system,
		Messages:    msgs,
		Temperature: g.temperature,
	}
}

// confidenceFor maps a provider stop reason to a confidence score.
func confidenceFor(stop string) float64 {
	switch stop {
	case llm.StopEnd, "end_turn", "":
		return 0.9
	case llm.StopLength, "max_tokens":
		return 0.6
	default:
		return 0.5
	}
}
