package gateway

import (
	"context"
	"errors"
	"log"
)

// FallbackAdapter tries the primary adapter first and falls back to the
// secondary only when the primary fails with a provider error. Context
// cancellation is the caller's signal and never triggers fallback.
type FallbackAdapter struct {
	primary   Adapter
	secondary Adapter
}

func NewFallbackAdapter(primary, secondary Adapter) *FallbackAdapter {
	return &FallbackAdapter{primary: primary, secondary: secondary}
}

func (f *FallbackAdapter) Generate(ctx context.Context, model string, prompt Prompt) (Completion, error) {
	out, err := f.primary.Generate(ctx, model, prompt)
	if err == nil || !shouldFallback(ctx, err) {
		return out, err
	}
	log.Printf("gateway: primary generate failed, using fallback: %v", err)
	return f.secondary.Generate(ctx, model, prompt)
}

func (f *FallbackAdapter) StreamGenerate(ctx context.Context, model string, prompt Prompt, onDelta DeltaHandler) (Completion, error) {
	delivered := false
	wrapped := func(delta string) error {
		delivered = true
		if onDelta == nil {
			return nil
		}
		return onDelta(delta)
	}
	out, err := f.primary.StreamGenerate(ctx, model, prompt, wrapped)
	if err == nil || !shouldFallback(ctx, err) {
		return out, err
	}
	// Once deltas reached the client the stream cannot be restarted without
	// duplicating text, so a mid-stream failure stays a failure.
	if delivered {
		return Completion{}, err
	}
	log.Printf("gateway: primary stream failed before first delta, using fallback: %v", err)
	return f.secondary.StreamGenerate(ctx, model, prompt, onDelta)
}

func (f *FallbackAdapter) CountTokens(model, text string) (int, error) {
	n, err := f.primary.CountTokens(model, text)
	if err != nil {
		return f.secondary.CountTokens(model, text)
	}
	return n, nil
}

func shouldFallback(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}
