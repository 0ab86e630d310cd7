package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Role values for prompt messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one entry in the assembled context payload.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	// ToolCallID links a tool-result message to the call it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// ToolSpec advertises a callable tool to the model.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Prompt is the fully assembled, provider-agnostic context for one
// generation call.
type Prompt struct {
	System   string
	Messages []Message
	Tools    []ToolSpec
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// Usage reports token consumption for one call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Completion is the model's answer: either final text or a round of tool
// calls to satisfy first.
type Completion struct {
	Text      string     `json:"text"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     Usage      `json:"usage"`
}

// DeltaHandler receives streaming text fragments.
type DeltaHandler func(delta string) error

// Adapter is the single model-gateway capability. Decorating variants
// (fallback, planner) compose by implementing the same interface and
// delegating, not by inheritance.
type Adapter interface {
	Generate(ctx context.Context, model string, prompt Prompt) (Completion, error)
	// StreamGenerate emits text deltas while producing the same final
	// Completion as Generate. The delta sequence is finite and not
	// restartable.
	StreamGenerate(ctx context.Context, model string, prompt Prompt, onDelta DeltaHandler) (Completion, error)
	CountTokens(model, text string) (int, error)
}

// ProviderError classifies a provider failure. Retryable errors (timeouts,
// rate limits, server hiccups) re-enter generation with backoff; fatal ones
// (auth, invalid request) fail the turn immediately.
type ProviderError struct {
	Provider  string
	Code      string
	Status    int
	Retryable bool
	Err       error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %s (status %d): %v", e.Provider, e.Code, e.Status, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// RetryableError exposes the classification to the retry layer.
func (e *ProviderError) RetryableError() bool { return e.Retryable }

// Config controls adapter construction.
type Config struct {
	Mode    string
	APIKey  string
	BaseURL string
}

// NewAdapter builds the configured adapter. "auto" prefers the OpenAI
// adapter when a key is present and falls back to the mock, so the service
// always starts.
func NewAdapter(cfg Config) (Adapter, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		if strings.TrimSpace(cfg.APIKey) != "" {
			return NewFallbackAdapter(NewOpenAIAdapter(cfg.APIKey, cfg.BaseURL), NewMockAdapter()), nil
		}
		return NewMockAdapter(), nil
	case "openai":
		if strings.TrimSpace(cfg.APIKey) == "" {
			return nil, errors.New("api key is required for openai mode")
		}
		return NewOpenAIAdapter(cfg.APIKey, cfg.BaseURL), nil
	case "mock":
		return NewMockAdapter(), nil
	default:
		return nil, fmt.Errorf("unsupported gateway mode %q", cfg.Mode)
	}
}
