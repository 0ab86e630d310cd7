package dialogue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/astridlabs/astrid/internal/extract"
	"github.com/astridlabs/astrid/internal/gateway"
	"github.com/astridlabs/astrid/internal/memory"
	"github.com/astridlabs/astrid/internal/observability"
	"github.com/astridlabs/astrid/internal/persona"
	"github.com/astridlabs/astrid/internal/tools"
)

type scriptedExtractor struct {
	candidates []memory.Candidate
	err        error
}

func (e *scriptedExtractor) ExtractCandidates(context.Context, string, string) ([]memory.Candidate, error) {
	return e.candidates, e.err
}

type failingStore struct{}

func (failingStore) Write(context.Context, memory.MemoryRecord) (string, error) {
	return "", memory.ErrStoreUnavailable
}
func (failingStore) Search(context.Context, string, []float32, int) ([]memory.SearchResult, error) {
	return nil, memory.ErrStoreUnavailable
}
func (failingStore) LookupStructured(context.Context, string, memory.Category, memory.StructuredFilter) ([]memory.MemoryRecord, error) {
	return nil, memory.ErrStoreUnavailable
}
func (failingStore) Touch(context.Context, string) error { return memory.ErrStoreUnavailable }
func (failingStore) Evict(context.Context, memory.EvictPolicy) (int, error) {
	return 0, memory.ErrStoreUnavailable
}
func (failingStore) Close() error { return nil }

type fixture struct {
	orch      *Orchestrator
	adapter   *gateway.MockAdapter
	store     memory.LongTermStore
	buffer    *memory.ShortTermBuffer
	extractor *scriptedExtractor
	registry  *tools.Registry
}

func newFixture(t *testing.T, store memory.LongTermStore) *fixture {
	t.Helper()
	if store == nil {
		store = memory.NewEmbeddedStore()
	}
	embedder := memory.NewLocalEmbedder(64)
	adapter := gateway.NewMockAdapter()
	buffer := memory.NewShortTermBuffer(12)
	registry := tools.NewRegistry()
	extractor := &scriptedExtractor{}

	orch := NewOrchestrator(
		buffer,
		memory.NewRecallRanker(store, embedder, memory.RankerConfig{}),
		memory.NewWritePolicy(store, embedder, memory.PolicyConfig{}),
		adapter,
		registry,
		extractor,
		persona.Defaults(),
		nil,
		Config{
			Model:              "test-model",
			MaxToolRounds:      3,
			MaxGenerateRetries: 2,
			RetryBackoffBase:   time.Millisecond,
			RetryBackoffCap:    2 * time.Millisecond,
		},
	)
	return &fixture{orch: orch, adapter: adapter, store: store, buffer: buffer, extractor: extractor, registry: registry}
}

func TestHandleTurnHappyPath(t *testing.T) {
	f := newFixture(t, nil)
	f.adapter.Script(gateway.Completion{Text: "hello there", Usage: gateway.Usage{InputTokens: 10, OutputTokens: 5}})

	got, err := f.orch.HandleTurn(context.Background(), "s1", "warm", "hi")
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}
	if got.State != StateResponded {
		t.Fatalf("state = %s, want %s", got.State, StateResponded)
	}
	if got.ReplyText != "hello there" {
		t.Fatalf("reply = %q", got.ReplyText)
	}
	if got.Degraded {
		t.Fatal("healthy turn flagged degraded")
	}
	if got.Usage.InputTokens != 10 || got.Usage.OutputTokens != 5 {
		t.Fatalf("usage = %+v", got.Usage)
	}

	entries := f.buffer.Snapshot("s1")
	if len(entries) != 2 || entries[0].Role != "user" || entries[1].Role != "assistant" {
		t.Fatalf("short-term buffer after turn = %+v", entries)
	}
}

func TestTurnPersistsThenRecallsPreference(t *testing.T) {
	f := newFixture(t, nil)

	// Turn 1: the extractor proposes a preference that clears the threshold.
	f.extractor.candidates = []memory.Candidate{
		{Category: memory.CategoryPreference, Content: "loves hiking", Confidence: 0.9},
	}
	f.adapter.Script(gateway.Completion{Text: "Hiking sounds wonderful!"})
	first, err := f.orch.HandleTurn(context.Background(), "s1", "warm", "I love hiking")
	if err != nil {
		t.Fatalf("turn 1 error = %v", err)
	}
	if first.MemoryWrites != 1 {
		t.Fatalf("turn 1 memory writes = %d, want 1", first.MemoryWrites)
	}

	// Turn 2: recall must surface the stored preference in the assembled
	// context payload.
	f.extractor.candidates = nil
	f.adapter.Script(gateway.Completion{Text: "You enjoy hiking."})
	second, err := f.orch.HandleTurn(context.Background(), "s1", "warm", "what do I enjoy?")
	if err != nil {
		t.Fatalf("turn 2 error = %v", err)
	}
	if len(second.RecalledIDs) == 0 {
		t.Fatal("turn 2 recalled nothing")
	}

	calls := f.adapter.Calls()
	if len(calls) != 2 {
		t.Fatalf("adapter saw %d calls, want 2", len(calls))
	}
	if !strings.Contains(calls[1].System, "loves hiking") {
		t.Fatalf("turn 2 context does not carry the memory:\n%s", calls[1].System)
	}
}

func TestToolRoundCapEndsInRespondedWithPartial(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.registry.Register(gateway.ToolSpec{Name: "lookup"}, func(context.Context, map[string]any) (string, error) {
		return "nothing found", nil
	}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	// The model keeps asking for tools past the cap of 3 rounds.
	for i := 0; i < 4; i++ {
		f.adapter.Script(gateway.Completion{
			Text:      "still checking",
			ToolCalls: []gateway.ToolCall{{ID: "c1", Name: "lookup", Args: map[string]any{}}},
		})
	}

	got, err := f.orch.HandleTurn(context.Background(), "s1", "warm", "look everything up")
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}
	if got.State != StateResponded {
		t.Fatalf("state = %s, want %s", got.State, StateResponded)
	}
	if got.ToolRounds != 3 {
		t.Fatalf("tool rounds = %d, want 3", got.ToolRounds)
	}
	if got.ReplyText != "still checking" {
		t.Fatalf("reply = %q, want the best partial answer", got.ReplyText)
	}
}

func TestToolFailureFlowsBackAsObservation(t *testing.T) {
	f := newFixture(t, nil)
	// No tool registered: the invocation fails, the round continues.
	f.adapter.Script(gateway.Completion{
		ToolCalls: []gateway.ToolCall{{ID: "c1", Name: "missing", Args: map[string]any{}}},
	})
	f.adapter.Script(gateway.Completion{Text: "done without the tool"})

	got, err := f.orch.HandleTurn(context.Background(), "s1", "warm", "use the tool")
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}
	if got.ReplyText != "done without the tool" {
		t.Fatalf("reply = %q", got.ReplyText)
	}

	calls := f.adapter.Calls()
	last := calls[len(calls)-1]
	found := false
	for _, msg := range last.Messages {
		if msg.Role == gateway.RoleTool && strings.Contains(msg.Content, "failed") {
			found = true
		}
	}
	if !found {
		t.Fatalf("tool failure not reported into context: %+v", last.Messages)
	}
}

func TestDegradedRecallStillReplies(t *testing.T) {
	f := newFixture(t, failingStore{})
	f.adapter.Script(gateway.Completion{Text: "answering from short-term memory only"})

	got, err := f.orch.HandleTurn(context.Background(), "s1", "warm", "do you remember me?")
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}
	if !got.Degraded {
		t.Fatal("turn with unavailable store not flagged degraded")
	}
	if got.State != StateResponded {
		t.Fatalf("state = %s, want %s", got.State, StateResponded)
	}
}

// searchFailingStore answers structured lookups but has no vector index.
type searchFailingStore struct {
	memory.LongTermStore
}

func (searchFailingStore) Search(context.Context, string, []float32, int) ([]memory.SearchResult, error) {
	return nil, memory.ErrStoreUnavailable
}

func TestPartialRecallFailureFlagsDegraded(t *testing.T) {
	base := memory.NewEmbeddedStore()
	if _, err := base.Write(context.Background(), memory.MemoryRecord{
		SessionID:  "s1",
		Category:   memory.CategoryPreference,
		Content:    "loves hiking",
		Confidence: 0.9,
		CreatedAt:  time.Now().UTC(),
	}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	f := newFixture(t, searchFailingStore{base})
	f.adapter.Script(gateway.Completion{Text: "you enjoy hiking"})

	got, err := f.orch.HandleTurn(context.Background(), "s1", "warm", "what do I enjoy?")
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}
	if got.State != StateResponded {
		t.Fatalf("state = %s, want %s", got.State, StateResponded)
	}
	// The structured path still produced records, but the turn ran without
	// the vector index and must say so.
	if len(got.RecalledIDs) == 0 {
		t.Fatal("structured recall produced no records")
	}
	if !got.Degraded {
		t.Fatal("partial store failure not flagged degraded")
	}
}

func TestFatalProviderErrorFailsTurn(t *testing.T) {
	f := newFixture(t, nil)
	f.adapter.ScriptError(&gateway.ProviderError{Provider: "openai", Code: "auth", Status: 401, Retryable: false})

	got, err := f.orch.HandleTurn(context.Background(), "s1", "warm", "hi")
	if err == nil {
		t.Fatal("HandleTurn() succeeded on a fatal provider error")
	}
	if got.State != StateFailed {
		t.Fatalf("state = %s, want %s", got.State, StateFailed)
	}
	if got.ReplyText == "" {
		t.Fatal("failed turn carries no terminal message")
	}
	if n := len(f.adapter.Calls()); n != 1 {
		t.Fatalf("fatal error was retried: %d calls", n)
	}
}

func TestRetryableProviderErrorIsRetried(t *testing.T) {
	f := newFixture(t, nil)
	f.adapter.ScriptError(&gateway.ProviderError{Provider: "openai", Code: "rate_limited", Status: 429, Retryable: true})
	f.adapter.Script(gateway.Completion{Text: "second attempt worked"})

	got, err := f.orch.HandleTurn(context.Background(), "s1", "warm", "hi")
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}
	if got.ReplyText != "second attempt worked" {
		t.Fatalf("reply = %q", got.ReplyText)
	}
}

func TestExtractionFailureSkipsWritesButSucceeds(t *testing.T) {
	f := newFixture(t, nil)
	f.extractor.err = extract.ErrExtractionFailed
	f.adapter.Script(gateway.Completion{Text: "fine reply"})

	got, err := f.orch.HandleTurn(context.Background(), "s1", "warm", "I love sailing")
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}
	if got.MemoryWrites != 0 {
		t.Fatalf("memory writes = %d, want 0", got.MemoryWrites)
	}
	if got.State != StateResponded {
		t.Fatalf("state = %s, want %s", got.State, StateResponded)
	}
}

func TestHandleTurnStreamDeliversDeltas(t *testing.T) {
	f := newFixture(t, nil)
	f.adapter.Script(gateway.Completion{Text: "streamed reply text"})

	var deltas []string
	got, err := f.orch.HandleTurnStream(context.Background(), "s1", "warm", "hi", func(d string) error {
		deltas = append(deltas, d)
		return nil
	})
	if err != nil {
		t.Fatalf("HandleTurnStream() error = %v", err)
	}
	if joined := strings.Join(deltas, ""); joined != got.ReplyText {
		t.Fatalf("deltas %q != reply %q", joined, got.ReplyText)
	}
}

func TestStreamedToolRoundStillDeliversFinalAnswer(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.registry.Register(gateway.ToolSpec{Name: "lookup"}, func(context.Context, map[string]any) (string, error) {
		return "found it", nil
	}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	// First round streams some text and asks for a tool; the answer arrives
	// in the non-streamed round after the tool resolves.
	f.adapter.Script(gateway.Completion{
		Text:      "let me check that",
		ToolCalls: []gateway.ToolCall{{ID: "c1", Name: "lookup", Args: map[string]any{}}},
	})
	f.adapter.Script(gateway.Completion{Text: "the final answer"})

	var deltas []string
	got, err := f.orch.HandleTurnStream(context.Background(), "s1", "warm", "look it up", func(d string) error {
		deltas = append(deltas, d)
		return nil
	})
	if err != nil {
		t.Fatalf("HandleTurnStream() error = %v", err)
	}
	if got.ReplyText != "the final answer" {
		t.Fatalf("reply = %q", got.ReplyText)
	}
	joined := strings.Join(deltas, "")
	if !strings.HasSuffix(joined, "the final answer") {
		t.Fatalf("final answer never reached the delta handler: %q", joined)
	}
}

func TestCancellationFailsCleanly(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	got, err := f.orch.HandleTurn(ctx, "s1", "warm", "hi")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("HandleTurn() error = %v, want context.Canceled", err)
	}
	if got.State != StateFailed {
		t.Fatalf("state = %s, want %s", got.State, StateFailed)
	}
	if got.MemoryWrites != 0 {
		t.Fatalf("cancelled turn wrote %d memories", got.MemoryWrites)
	}
}

func TestTurnRecordsRecallLatencyAndStageSamples(t *testing.T) {
	// Unique namespace per run; the prometheus default registry is
	// process-global.
	ns := fmt.Sprintf("test_dialogue_%d", time.Now().UnixNano())
	metrics := observability.NewMetrics(ns)

	store := memory.NewEmbeddedStore()
	embedder := memory.NewLocalEmbedder(64)
	adapter := gateway.NewMockAdapter()
	adapter.Script(gateway.Completion{Text: "metered reply"})

	orch := NewOrchestrator(
		memory.NewShortTermBuffer(12),
		memory.NewRecallRanker(store, embedder, memory.RankerConfig{}),
		memory.NewWritePolicy(store, embedder, memory.PolicyConfig{}),
		adapter,
		tools.NewRegistry(),
		&scriptedExtractor{},
		persona.Defaults(),
		metrics,
		Config{Model: "test-model"},
	)

	if _, err := orch.HandleTurnStream(context.Background(), "s1", "warm", "hi", func(string) error { return nil }); err != nil {
		t.Fatalf("HandleTurnStream() error = %v", err)
	}

	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	sampled := false
	for _, mf := range families {
		if mf.GetName() != ns+"_recall_latency_ms" {
			continue
		}
		for _, m := range mf.GetMetric() {
			if m.GetHistogram().GetSampleCount() >= 1 {
				sampled = true
			}
		}
	}
	if !sampled {
		t.Fatal("recall latency histogram saw no samples")
	}

	snap := metrics.SnapshotTurnStages()
	seen := make(map[string]bool, len(snap.Stages))
	for _, st := range snap.Stages {
		seen[st.Stage] = true
	}
	for _, stage := range []string{"context_load", "recall", "generate_first_delta", "generate_total", "extract", "turn_total"} {
		if !seen[stage] {
			t.Fatalf("stage %q missing from snapshot: %+v", stage, snap.Stages)
		}
	}
}

func TestSearchMemory(t *testing.T) {
	f := newFixture(t, nil)
	f.extractor.candidates = []memory.Candidate{
		{Category: memory.CategoryFact, Content: "lives in Oslo", Confidence: 0.9},
	}
	f.adapter.Script(gateway.Completion{Text: "noted"})
	if _, err := f.orch.HandleTurn(context.Background(), "s1", "warm", "I live in Oslo"); err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}

	recs, err := f.orch.SearchMemory(context.Background(), "s1", "lives in Oslo", 5)
	if err != nil {
		t.Fatalf("SearchMemory() error = %v", err)
	}
	if len(recs) == 0 {
		t.Fatal("SearchMemory() returned nothing")
	}
	if recs[0].Content != "lives in Oslo" {
		t.Fatalf("top record = %+v", recs[0])
	}
}
