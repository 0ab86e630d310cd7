package extract

import (
	"context"
	"strings"

	"github.com/astridlabs/astrid/internal/memory"
)

// HeuristicExtractor is a cheap rule-based extractor for development and
// for running without a model key. It scans the user text for first-person
// statements and assigns conservative confidence.
type HeuristicExtractor struct{}

func NewHeuristicExtractor() *HeuristicExtractor { return &HeuristicExtractor{} }

var heuristicRules = []struct {
	prefix     string
	category   memory.Category
	confidence float64
}{
	{"i love ", memory.CategoryPreference, 0.85},
	{"i like ", memory.CategoryPreference, 0.8},
	{"i prefer ", memory.CategoryPreference, 0.85},
	{"i hate ", memory.CategoryPreference, 0.85},
	{"i feel ", memory.CategoryEmotion, 0.7},
	{"i am feeling ", memory.CategoryEmotion, 0.7},
	{"i'm feeling ", memory.CategoryEmotion, 0.7},
	{"my name is ", memory.CategoryFact, 0.9},
	{"i work ", memory.CategoryFact, 0.75},
	{"i live ", memory.CategoryFact, 0.75},
}

func (e *HeuristicExtractor) ExtractCandidates(_ context.Context, userText, _ string) ([]memory.Candidate, error) {
	var out []memory.Candidate
	for _, sentence := range splitSentences(userText) {
		lower := strings.ToLower(strings.TrimSpace(sentence))
		for _, rule := range heuristicRules {
			if strings.HasPrefix(lower, rule.prefix) {
				out = append(out, memory.Candidate{
					Category:   rule.category,
					Content:    strings.TrimSpace(sentence),
					Confidence: rule.confidence,
				})
				break
			}
		}
	}
	return out, nil
}

func splitSentences(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == '.' || r == '!' || r == '?' || r == '\n'
	})
}
