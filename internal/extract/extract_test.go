package extract

import (
	"context"
	"errors"
	"testing"

	"github.com/astridlabs/astrid/internal/gateway"
	"github.com/astridlabs/astrid/internal/memory"
)

func TestModelExtractorParsesCandidates(t *testing.T) {
	m := gateway.NewMockAdapter()
	m.Script(gateway.Completion{Text: `[
		{"category": "preference", "content": "loves hiking", "confidence": 0.9},
		{"category": "fact", "content": "lives in Oslo", "confidence": 0.8}
	]`})

	e := NewModelExtractor(m, "test-model")
	got, err := e.ExtractCandidates(context.Background(), "I love hiking. I live in Oslo.", "Nice!")
	if err != nil {
		t.Fatalf("ExtractCandidates() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d candidates, want 2", len(got))
	}
	if got[0].Category != memory.CategoryPreference || got[0].Confidence != 0.9 {
		t.Fatalf("first candidate = %+v", got[0])
	}
}

func TestModelExtractorHandlesCodeFences(t *testing.T) {
	m := gateway.NewMockAdapter()
	m.Script(gateway.Completion{Text: "```json\n[{\"category\": \"fact\", \"content\": \"has a cat\", \"confidence\": 0.7}]\n```"})

	e := NewModelExtractor(m, "test-model")
	got, err := e.ExtractCandidates(context.Background(), "my cat knocked over a plant", "oh no")
	if err != nil {
		t.Fatalf("ExtractCandidates() error = %v", err)
	}
	if len(got) != 1 || got[0].Content != "has a cat" {
		t.Fatalf("candidates = %+v", got)
	}
}

func TestModelExtractorDropsInvalidEntries(t *testing.T) {
	m := gateway.NewMockAdapter()
	m.Script(gateway.Completion{Text: `[
		{"category": "mood", "content": "x", "confidence": 0.9},
		{"category": "fact", "content": "", "confidence": 0.9},
		{"category": "fact", "content": "valid", "confidence": 1.5},
		{"category": "fact", "content": "kept", "confidence": 0.6}
	]`})

	e := NewModelExtractor(m, "test-model")
	got, err := e.ExtractCandidates(context.Background(), "x", "y")
	if err != nil {
		t.Fatalf("ExtractCandidates() error = %v", err)
	}
	if len(got) != 1 || got[0].Content != "kept" {
		t.Fatalf("candidates = %+v", got)
	}
}

func TestModelExtractorFailureWrapsSentinel(t *testing.T) {
	m := gateway.NewMockAdapter()
	m.ScriptError(&gateway.ProviderError{Provider: "mock", Code: "boom"})

	e := NewModelExtractor(m, "test-model")
	if _, err := e.ExtractCandidates(context.Background(), "x", "y"); !errors.Is(err, ErrExtractionFailed) {
		t.Fatalf("error = %v, want ErrExtractionFailed", err)
	}

	m.Script(gateway.Completion{Text: "I cannot help with that."})
	if _, err := e.ExtractCandidates(context.Background(), "x", "y"); !errors.Is(err, ErrExtractionFailed) {
		t.Fatalf("non-JSON output error = %v, want ErrExtractionFailed", err)
	}
}

func TestHeuristicExtractor(t *testing.T) {
	e := NewHeuristicExtractor()
	got, err := e.ExtractCandidates(context.Background(), "I love hiking in the alps! The weather was bad. My name is Kim.", "")
	if err != nil {
		t.Fatalf("ExtractCandidates() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d candidates, want 2: %+v", len(got), got)
	}
	if got[0].Category != memory.CategoryPreference {
		t.Fatalf("first candidate category = %s", got[0].Category)
	}
	if got[1].Category != memory.CategoryFact {
		t.Fatalf("second candidate category = %s", got[1].Category)
	}
}
