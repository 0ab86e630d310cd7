package gateway

import (
	"context"
	"log"
	"strings"
)

const plannerInstruction = "Before answering, outline the key steps needed to address the user's message. Reply with a short numbered plan only, no prose."

// PlannerAdapter runs a cheap planning pass before the real generation and
// folds the resulting plan into the system prompt. A planning failure is
// never fatal; the turn proceeds unplanned.
type PlannerAdapter struct {
	inner Adapter
	// planModel overrides the model used for the planning pass. Empty means
	// the turn's own model.
	planModel string
}

func NewPlannerAdapter(inner Adapter, planModel string) *PlannerAdapter {
	return &PlannerAdapter{inner: inner, planModel: planModel}
}

func (p *PlannerAdapter) Generate(ctx context.Context, model string, prompt Prompt) (Completion, error) {
	return p.inner.Generate(ctx, model, p.withPlan(ctx, model, prompt))
}

func (p *PlannerAdapter) StreamGenerate(ctx context.Context, model string, prompt Prompt, onDelta DeltaHandler) (Completion, error) {
	return p.inner.StreamGenerate(ctx, model, p.withPlan(ctx, model, prompt), onDelta)
}

func (p *PlannerAdapter) CountTokens(model, text string) (int, error) {
	return p.inner.CountTokens(model, text)
}

func (p *PlannerAdapter) withPlan(ctx context.Context, model string, prompt Prompt) Prompt {
	planPrompt := Prompt{
		System:   plannerInstruction,
		Messages: prompt.Messages,
	}
	useModel := p.planModel
	if useModel == "" {
		useModel = model
	}
	plan, err := p.inner.Generate(ctx, useModel, planPrompt)
	if err != nil || strings.TrimSpace(plan.Text) == "" {
		if err != nil {
			log.Printf("gateway: planning pass failed, answering without a plan: %v", err)
		}
		return prompt
	}
	out := prompt
	out.System = prompt.System + "\n\nInternal plan (do not reveal to the user):\n" + strings.TrimSpace(plan.Text)
	return out
}
