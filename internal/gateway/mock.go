package gateway

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"
)

// MockAdapter produces deterministic canned output. It backs local
// development, tests, and the auto-mode fallback when no provider is
// reachable.
type MockAdapter struct {
	mu      sync.Mutex
	scripts []Completion
	errs    []error
	calls   []Prompt
}

func NewMockAdapter() *MockAdapter {
	return &MockAdapter{}
}

// Script queues a completion to return on a future call. Unscripted calls
// fall back to echoing the last user message.
func (m *MockAdapter) Script(c Completion) *MockAdapter {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts = append(m.scripts, c)
	m.errs = append(m.errs, nil)
	return m
}

// ScriptError queues an error to return on a future call.
func (m *MockAdapter) ScriptError(err error) *MockAdapter {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts = append(m.scripts, Completion{})
	m.errs = append(m.errs, err)
	return m
}

// Calls returns the prompts seen so far, in order.
func (m *MockAdapter) Calls() []Prompt {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Prompt, len(m.calls))
	copy(out, m.calls)
	return out
}

func (m *MockAdapter) next(prompt Prompt) (Completion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, prompt)
	if len(m.scripts) > 0 {
		c, err := m.scripts[0], m.errs[0]
		m.scripts, m.errs = m.scripts[1:], m.errs[1:]
		return c, err
	}
	return Completion{Text: m.echo(prompt)}, nil
}

func (m *MockAdapter) echo(prompt Prompt) string {
	for i := len(prompt.Messages) - 1; i >= 0; i-- {
		if prompt.Messages[i].Role == RoleUser {
			return fmt.Sprintf("I hear you: %s", prompt.Messages[i].Content)
		}
	}
	return "Hello! How can I help?"
}

func (m *MockAdapter) Generate(ctx context.Context, model string, prompt Prompt) (Completion, error) {
	if err := ctx.Err(); err != nil {
		return Completion{}, err
	}
	return m.next(prompt)
}

func (m *MockAdapter) StreamGenerate(ctx context.Context, model string, prompt Prompt, onDelta DeltaHandler) (Completion, error) {
	if err := ctx.Err(); err != nil {
		return Completion{}, err
	}
	c, err := m.next(prompt)
	if err != nil {
		return Completion{}, err
	}
	if onDelta != nil && c.Text != "" {
		// Word-at-a-time deltas so streaming consumers see more than one chunk.
		words := strings.SplitAfter(c.Text, " ")
		for _, w := range words {
			if err := onDelta(w); err != nil {
				return Completion{}, err
			}
		}
	}
	return c, nil
}

func (m *MockAdapter) CountTokens(model, text string) (int, error) {
	// Rough rune-based estimate, good enough for budgeting in tests.
	return (utf8.RuneCountInString(text) + 3) / 4, nil
}
