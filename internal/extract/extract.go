// Package extract turns finished conversation turns into memory write
// candidates. Extraction never fabricates confidence: a failed or
// unparseable extraction yields no candidates and the turn still succeeds.
package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/astridlabs/astrid/internal/gateway"
	"github.com/astridlabs/astrid/internal/memory"
)

// ErrExtractionFailed wraps any failure to obtain candidates. Callers skip
// the memory write phase and log; they never fail the turn on it.
var ErrExtractionFailed = errors.New("candidate extraction failed")

// Extractor proposes memory candidates from the text of one exchange.
type Extractor interface {
	ExtractCandidates(ctx context.Context, userText, assistantText string) ([]memory.Candidate, error)
}

const extractSystem = `You extract durable memories from a conversation exchange.
Return a JSON array, possibly empty. Each element:
{"category": "fact"|"preference"|"emotion", "content": "...", "confidence": 0.0-1.0}
Only include things worth remembering across sessions. Content must be a
short standalone statement about the user. Return the JSON array only.`

// ModelExtractor asks the model gateway to propose candidates as JSON.
type ModelExtractor struct {
	adapter gateway.Adapter
	model   string
}

func NewModelExtractor(adapter gateway.Adapter, model string) *ModelExtractor {
	return &ModelExtractor{adapter: adapter, model: model}
}

func (e *ModelExtractor) ExtractCandidates(ctx context.Context, userText, assistantText string) ([]memory.Candidate, error) {
	exchange := fmt.Sprintf("User: %s\nAssistant: %s", userText, assistantText)
	out, err := e.adapter.Generate(ctx, e.model, gateway.Prompt{
		System:   extractSystem,
		Messages: []gateway.Message{{Role: gateway.RoleUser, Content: exchange}},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExtractionFailed, err)
	}
	cands, err := parseCandidates(out.Text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExtractionFailed, err)
	}
	return cands, nil
}

func parseCandidates(raw string) ([]memory.Candidate, error) {
	raw = stripFences(raw)
	start := strings.Index(raw, "[")
	end := strings.LastIndex(raw, "]")
	if start < 0 || end < start {
		return nil, fmt.Errorf("no JSON array in output")
	}
	var parsed []struct {
		Category   string  `json:"category"`
		Content    string  `json:"content"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(raw[start:end+1]), &parsed); err != nil {
		return nil, fmt.Errorf("decode candidates: %w", err)
	}

	out := make([]memory.Candidate, 0, len(parsed))
	for _, p := range parsed {
		cat := memory.Category(strings.ToLower(strings.TrimSpace(p.Category)))
		content := strings.TrimSpace(p.Content)
		if !cat.Valid() || content == "" {
			continue
		}
		if p.Confidence < 0 || p.Confidence > 1 {
			continue
		}
		out = append(out, memory.Candidate{Category: cat, Content: content, Confidence: p.Confidence})
	}
	return out, nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}
