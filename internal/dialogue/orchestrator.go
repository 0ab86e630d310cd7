// Package dialogue runs the per-turn pipeline: load short-term context,
// recall long-term memories, frame the persona, generate (with tool rounds),
// then extract and persist new memories. One Orchestrator serves all
// sessions; each turn runs as an independent task with its own payload.
package dialogue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/astridlabs/astrid/internal/extract"
	"github.com/astridlabs/astrid/internal/gateway"
	"github.com/astridlabs/astrid/internal/memory"
	"github.com/astridlabs/astrid/internal/observability"
	"github.com/astridlabs/astrid/internal/persona"
	"github.com/astridlabs/astrid/internal/reliability"
	"github.com/astridlabs/astrid/internal/tools"
)

// State names the turn pipeline stages.
type State string

const (
	StateIdle            State = "idle"
	StateContextLoaded   State = "context_loaded"
	StateRecalled        State = "recalled"
	StatePersonaFramed   State = "persona_framed"
	StateGenerating      State = "generating"
	StateToolCallPending State = "tool_call_pending"
	StateExtracting      State = "extracting"
	StateMemoryWritten   State = "memory_written"
	StateResponded       State = "responded"
	StateFailed          State = "failed"
)

// Config bounds the per-turn pipeline.
type Config struct {
	Model              string
	RecallBudget       int
	RecallTimeout      time.Duration
	GenerateTimeout    time.Duration
	MaxGenerateRetries int
	RetryBackoffBase   time.Duration
	RetryBackoffCap    time.Duration
	MaxToolRounds      int
}

func (c *Config) defaults() {
	if c.Model == "" {
		c.Model = "gpt-4o-mini"
	}
	if c.RecallBudget <= 0 {
		c.RecallBudget = 6
	}
	if c.RecallTimeout <= 0 {
		c.RecallTimeout = 2 * time.Second
	}
	if c.GenerateTimeout <= 0 {
		c.GenerateTimeout = 30 * time.Second
	}
	if c.MaxGenerateRetries <= 0 {
		c.MaxGenerateRetries = 2
	}
	if c.RetryBackoffBase <= 0 {
		c.RetryBackoffBase = 200 * time.Millisecond
	}
	if c.RetryBackoffCap <= 0 {
		c.RetryBackoffCap = 2 * time.Second
	}
	if c.MaxToolRounds <= 0 {
		c.MaxToolRounds = 3
	}
}

// TurnResult is the outcome of one completed turn.
type TurnResult struct {
	TurnID       string        `json:"turn_id"`
	ReplyText    string        `json:"reply_text"`
	State        State         `json:"state"`
	Degraded     bool          `json:"degraded"`
	MemoryWrites int           `json:"memory_writes"`
	RecalledIDs  []string      `json:"recalled_ids,omitempty"`
	ToolRounds   int           `json:"tool_rounds"`
	Usage        gateway.Usage `json:"usage"`
}

const failedReply = "I'm sorry, I couldn't finish that thought. Could you try again?"

// Orchestrator drives the turn state machine. All collaborators are explicit
// construction-time dependencies.
type Orchestrator struct {
	buffer    *memory.ShortTermBuffer
	ranker    *memory.RecallRanker
	policy    *memory.WritePolicy
	adapter   gateway.Adapter
	runner    tools.Runner
	extractor extract.Extractor
	personas  *persona.Registry
	metrics   *observability.Metrics
	cfg       Config
}

func NewOrchestrator(
	buffer *memory.ShortTermBuffer,
	ranker *memory.RecallRanker,
	policy *memory.WritePolicy,
	adapter gateway.Adapter,
	runner tools.Runner,
	extractor extract.Extractor,
	personas *persona.Registry,
	metrics *observability.Metrics,
	cfg Config,
) *Orchestrator {
	cfg.defaults()
	return &Orchestrator{
		buffer:    buffer,
		ranker:    ranker,
		policy:    policy,
		adapter:   adapter,
		runner:    runner,
		extractor: extractor,
		personas:  personas,
		metrics:   metrics,
		cfg:       cfg,
	}
}

// HandleTurn runs one complete turn and returns the reply.
func (o *Orchestrator) HandleTurn(ctx context.Context, sessionID, personaID, userInput string) (TurnResult, error) {
	return o.run(ctx, sessionID, personaID, userInput, nil)
}

// HandleTurnStream runs one turn, emitting reply text deltas as they arrive.
// Only the final answer streams; tool rounds are silent.
func (o *Orchestrator) HandleTurnStream(ctx context.Context, sessionID, personaID, userInput string, onDelta gateway.DeltaHandler) (TurnResult, error) {
	return o.run(ctx, sessionID, personaID, userInput, onDelta)
}

// SearchMemory is the read-only introspection path ("what do you remember").
func (o *Orchestrator) SearchMemory(ctx context.Context, sessionID, query string, k int) ([]memory.RankedRecord, error) {
	records, _, err := o.ranker.Recall(ctx, sessionID, query, memory.DefaultRecallBias, k)
	return records, err
}

func (o *Orchestrator) run(ctx context.Context, sessionID, personaID, userInput string, onDelta gateway.DeltaHandler) (TurnResult, error) {
	turnStart := time.Now()
	result := TurnResult{TurnID: uuid.NewString(), State: StateIdle}
	profile := o.personas.Get(personaID)
	model := o.cfg.Model
	if profile.Model != "" {
		model = profile.Model
	}

	// Idle -> ContextLoaded. Snapshot first so the current input is not part
	// of its own history.
	stageStart := time.Now()
	history := o.buffer.Snapshot(sessionID)
	o.buffer.Append(sessionID, memory.ShortTermEntry{Role: "user", Content: userInput, Timestamp: time.Now().UTC()})
	result.State = StateContextLoaded
	o.observeStage("context_load", stageStart)

	// ContextLoaded -> Recalled. Store trouble degrades, never fails.
	stageStart = time.Now()
	recalled := o.recall(ctx, sessionID, userInput, profile.RecallBias, &result)
	result.State = StateRecalled
	o.observeStage("recall", stageStart)

	// Recalled -> PersonaFramed. Pure merge.
	var toolSpecs []gateway.ToolSpec
	if o.runner != nil {
		toolSpecs = o.runner.Specs()
	}
	prompt := BuildPrompt(profile, history, recalled, userInput, toolSpecs)
	result.State = StatePersonaFramed

	// PersonaFramed -> Generating, with bounded tool rounds.
	reply, err := o.generateLoop(ctx, model, prompt, onDelta, &result)
	if err != nil {
		result.State = StateFailed
		result.ReplyText = failedReply
		o.countTurn(StateFailed)
		return result, err
	}
	result.ReplyText = reply

	// Generating -> Extracting -> MemoryWritten. Failures here are logged,
	// never user-visible.
	result.State = StateExtracting
	o.extractAndWrite(ctx, sessionID, userInput, reply, profile, &result)
	result.State = StateMemoryWritten

	o.buffer.Append(sessionID, memory.ShortTermEntry{Role: "assistant", Content: reply, Timestamp: time.Now().UTC()})
	result.State = StateResponded
	o.countTurn(StateResponded)
	o.observeStage("turn_total", turnStart)
	return result, nil
}

func (o *Orchestrator) recall(ctx context.Context, sessionID, query string, bias memory.RecallBias, result *TurnResult) []memory.RankedRecord {
	rctx, cancel := context.WithTimeout(ctx, o.cfg.RecallTimeout)
	defer cancel()

	start := time.Now()
	recalled, degraded, err := o.ranker.Recall(rctx, sessionID, query, bias, o.cfg.RecallBudget)
	o.observeRecallLatency(start)
	if (degraded || err != nil) && ctx.Err() == nil {
		// A partially-failed store still counts as a degraded turn even when
		// it produced records.
		if err != nil {
			log.Printf("dialogue: recall degraded for session %s: %v", sessionID, err)
		} else {
			log.Printf("dialogue: recall degraded for session %s: partial store failure", sessionID)
		}
		result.Degraded = true
		o.countDegraded()
	}
	if err != nil {
		return nil
	}
	for _, rec := range recalled {
		result.RecalledIDs = append(result.RecalledIDs, rec.ID)
	}
	return recalled
}

// generateLoop drives Generating and ToolCallPending until a final text
// answer, a fatal error, or the tool-round cap. On a streamed turn the text
// that reaches onDelta is always the reply that ends up in the result, even
// when the reply was produced by a later, non-streamed tool round.
func (o *Orchestrator) generateLoop(ctx context.Context, model string, prompt gateway.Prompt, onDelta gateway.DeltaHandler, result *TurnResult) (string, error) {
	genStart := time.Now()
	bestPartial := ""
	bestPartialStreamed := false
	firstRound := true

	for {
		result.State = StateGenerating
		// Deltas stream only on the first round; a tool round would leak
		// call chatter to the client.
		streamedThisRound := false
		var handler gateway.DeltaHandler
		if onDelta != nil && firstRound {
			handler = func(d string) error {
				if !streamedThisRound {
					o.observeStage("generate_first_delta", genStart)
				}
				streamedThisRound = true
				return onDelta(d)
			}
		}
		completion, err := o.generateWithRetry(ctx, model, prompt, handler)
		if err != nil {
			return "", err
		}
		result.Usage.InputTokens += completion.Usage.InputTokens
		result.Usage.OutputTokens += completion.Usage.OutputTokens
		o.addUsage(completion.Usage)

		if len(completion.ToolCalls) == 0 {
			if onDelta != nil && !streamedThisRound && completion.Text != "" {
				if err := onDelta(completion.Text); err != nil {
					return "", err
				}
			}
			o.observeStage("generate_total", genStart)
			return completion.Text, nil
		}
		if completion.Text != "" {
			bestPartial = completion.Text
			bestPartialStreamed = streamedThisRound
		}

		if result.ToolRounds >= o.cfg.MaxToolRounds {
			// Round cap reached: answer with the best partial rather than
			// failing the turn.
			log.Printf("dialogue: tool round cap %d reached, answering with partial", o.cfg.MaxToolRounds)
			o.indicate("tool_round_cap")
			if bestPartial == "" {
				bestPartial = "I started looking into that with my tools but couldn't finish. Here's where I got to so far."
				bestPartialStreamed = false
			}
			if onDelta != nil && !bestPartialStreamed {
				if err := onDelta(bestPartial); err != nil {
					return "", err
				}
			}
			o.observeStage("generate_total", genStart)
			return bestPartial, nil
		}

		result.State = StateToolCallPending
		result.ToolRounds++
		roundStart := time.Now()
		results := o.invokeTools(ctx, completion.ToolCalls)
		if err := ctx.Err(); err != nil {
			return "", err
		}
		prompt = appendToolRound(prompt, completion.ToolCalls, results)
		o.observeStage("tool_round", roundStart)
		firstRound = false
	}
}

func (o *Orchestrator) generateWithRetry(ctx context.Context, model string, prompt gateway.Prompt, onDelta gateway.DeltaHandler) (gateway.Completion, error) {
	var lastErr error
	for attempt := 0; attempt <= o.cfg.MaxGenerateRetries; attempt++ {
		if attempt > 0 {
			backoff := reliability.ExponentialBackoff(attempt-1, o.cfg.RetryBackoffBase, o.cfg.RetryBackoffCap)
			select {
			case <-ctx.Done():
				return gateway.Completion{}, ctx.Err()
			case <-time.After(backoff):
			}
		}

		gctx, cancel := context.WithTimeout(ctx, o.cfg.GenerateTimeout)
		delivered := false
		var completion gateway.Completion
		var err error
		if onDelta != nil {
			completion, err = o.adapter.StreamGenerate(gctx, model, prompt, func(d string) error {
				delivered = true
				return onDelta(d)
			})
		} else {
			completion, err = o.adapter.Generate(gctx, model, prompt)
		}
		cancel()

		if err == nil {
			return completion, nil
		}
		lastErr = err
		o.countProviderError(err)
		if ctx.Err() != nil {
			return gateway.Completion{}, ctx.Err()
		}
		// A stream that already reached the client cannot be retried without
		// duplicating text.
		if delivered {
			break
		}
		if !reliability.IsRetryable(err) {
			break
		}
		log.Printf("dialogue: generate attempt %d failed, retrying: %v", attempt+1, err)
	}
	return gateway.Completion{}, fmt.Errorf("generation failed: %w", lastErr)
}

func (o *Orchestrator) invokeTools(ctx context.Context, calls []gateway.ToolCall) map[string]string {
	results := make(map[string]string, len(calls))
	for _, call := range calls {
		out, err := o.runner.Invoke(ctx, call)
		if err != nil {
			if ctx.Err() != nil {
				return results
			}
			// Tool failures flow back into context as observations.
			var te *tools.ToolError
			if errors.As(err, &te) {
				out = fmt.Sprintf("tool %s failed: %v", call.Name, te.Err)
			} else {
				out = fmt.Sprintf("tool %s failed: %v", call.Name, err)
			}
			log.Printf("dialogue: %s", out)
			o.countTool(call.Name, "error")
		} else {
			o.countTool(call.Name, "ok")
		}
		results[call.ID] = out
	}
	return results
}

func (o *Orchestrator) extractAndWrite(ctx context.Context, sessionID, userInput, reply string, profile persona.Profile, result *TurnResult) {
	if o.extractor == nil || o.policy == nil {
		return
	}
	extractStart := time.Now()
	candidates, err := o.extractor.ExtractCandidates(ctx, userInput, reply)
	o.observeStage("extract", extractStart)
	if err != nil {
		// Extraction trouble skips the write phase; the turn still succeeds.
		log.Printf("dialogue: extraction skipped for session %s: %v", sessionID, err)
		o.indicate("extraction_failed")
		return
	}
	if len(candidates) == 0 {
		return
	}

	bias, err := profile.MemoryWriteBias()
	if err != nil {
		log.Printf("dialogue: persona %s bias invalid, using defaults: %v", profile.ID, err)
		bias = memory.WriteBias{}
	}
	writeStart := time.Now()
	outcome := o.policy.Commit(ctx, sessionID, bias, candidates)
	o.observeStage("memory_write", writeStart)
	result.MemoryWrites = outcome.Written
	if outcome.Failed > 0 {
		result.Degraded = true
		o.countDegraded()
	}
	o.countWrites(outcome)
}

func (o *Orchestrator) observeStage(stage string, start time.Time) {
	if o.metrics != nil {
		o.metrics.ObserveTurnStage(stage, time.Since(start))
	}
}

func (o *Orchestrator) observeRecallLatency(start time.Time) {
	if o.metrics != nil {
		o.metrics.ObserveRecallLatency(time.Since(start))
	}
}

func (o *Orchestrator) countTurn(state State) {
	if o.metrics != nil {
		o.metrics.Turns.WithLabelValues(string(state)).Inc()
	}
}

func (o *Orchestrator) countDegraded() {
	if o.metrics != nil {
		o.metrics.DegradedRecalls.Inc()
	}
}

func (o *Orchestrator) countProviderError(err error) {
	if o.metrics == nil {
		return
	}
	var perr *gateway.ProviderError
	if errors.As(err, &perr) {
		o.metrics.ProviderErrors.WithLabelValues(perr.Provider, perr.Code).Inc()
	}
}

func (o *Orchestrator) countTool(name, outcome string) {
	if o.metrics != nil {
		o.metrics.ToolInvocations.WithLabelValues(name, outcome).Inc()
	}
}

func (o *Orchestrator) countWrites(outcome memory.WriteOutcome) {
	if o.metrics == nil {
		return
	}
	o.metrics.MemoryWrites.WithLabelValues("written").Add(float64(outcome.Written))
	o.metrics.MemoryWrites.WithLabelValues("deduped").Add(float64(outcome.Deduped))
	o.metrics.MemoryWrites.WithLabelValues("rejected").Add(float64(outcome.Rejected))
	o.metrics.MemoryWrites.WithLabelValues("failed").Add(float64(outcome.Failed))
}

func (o *Orchestrator) addUsage(u gateway.Usage) {
	if o.metrics != nil {
		o.metrics.AddUsage(u.InputTokens, u.OutputTokens)
	}
}

func (o *Orchestrator) indicate(name string) {
	if o.metrics != nil {
		o.metrics.ObserveTurnIndicator(name)
	}
}
