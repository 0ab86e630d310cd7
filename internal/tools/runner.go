// Package tools executes the function calls a model emits during a turn.
// Tools are either local Go functions or remote HTTP endpoints; both are
// registered under a flat name space and invoked uniformly.
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/astridlabs/astrid/internal/gateway"
)

// Func is a locally registered tool implementation. The returned string is
// fed back to the model verbatim as the tool result.
type Func func(ctx context.Context, args map[string]any) (string, error)

// ToolError marks a failure inside a tool. Tool failures are reported back
// into the conversation as results, never surfaced as turn failures.
type ToolError struct {
	Tool string
	Err  error
}

func (e *ToolError) Error() string { return fmt.Sprintf("tool %s: %v", e.Tool, e.Err) }
func (e *ToolError) Unwrap() error { return e.Err }

// Runner resolves and executes tool calls.
type Runner interface {
	// Invoke runs the named tool. An unknown name or a tool failure returns
	// a *ToolError; the caller turns it into an error result message.
	Invoke(ctx context.Context, call gateway.ToolCall) (string, error)
	// Specs lists the registered tools in a stable order for prompt
	// assembly.
	Specs() []gateway.ToolSpec
}

type entry struct {
	spec gateway.ToolSpec
	fn   Func
}

// Registry is the default Runner: a mutex-guarded name-to-tool map.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]entry
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]entry)}
}

// Register adds a local tool. Re-registering a name replaces the previous
// tool.
func (r *Registry) Register(spec gateway.ToolSpec, fn Func) error {
	if spec.Name == "" {
		return fmt.Errorf("tool spec without a name")
	}
	if fn == nil {
		return fmt.Errorf("tool %s: nil implementation", spec.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[spec.Name] = entry{spec: spec, fn: fn}
	return nil
}

func (r *Registry) Invoke(ctx context.Context, call gateway.ToolCall) (string, error) {
	r.mu.RLock()
	e, ok := r.tools[call.Name]
	r.mu.RUnlock()
	if !ok {
		return "", &ToolError{Tool: call.Name, Err: fmt.Errorf("unknown tool")}
	}
	out, err := e.fn(ctx, call.Args)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", &ToolError{Tool: call.Name, Err: err}
	}
	return out, nil
}

func (r *Registry) Specs() []gateway.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]gateway.ToolSpec, 0, len(r.tools))
	for _, e := range r.tools {
		out = append(out, e.spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
