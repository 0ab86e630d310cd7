package memory

import (
	"errors"
	"fmt"
	"time"
)

// Category classifies a memory record. The set is closed: write and recall
// bias lookups are exhaustive over it, and an unrecognized category is a
// validation error rather than a silent default.
type Category string

const (
	CategoryFact       Category = "fact"
	CategoryPreference Category = "preference"
	CategoryEmotion    Category = "emotion"
)

// Categories lists every valid category.
var Categories = []Category{CategoryFact, CategoryPreference, CategoryEmotion}

func (c Category) Valid() bool {
	switch c {
	case CategoryFact, CategoryPreference, CategoryEmotion:
		return true
	default:
		return false
	}
}

// MemoryRecord is the long-term memory entity. The field set is the at-rest
// compatibility contract and must survive store-engine swaps.
//
// Confidence is fixed at creation; re-observation touches the existing record
// instead of mutating it. A record without an embedding is eligible only for
// structured lookup, never for vector search.
type MemoryRecord struct {
	ID             string    `json:"id"`
	SessionID      string    `json:"session_id"`
	Shared         bool      `json:"shared,omitempty"`
	Category       Category  `json:"category"`
	Content        string    `json:"content"`
	Embedding      []float32 `json:"embedding,omitempty"`
	Confidence     float64   `json:"confidence"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	AccessCount    int64     `json:"access_count"`
}

var errEmptyContent = errors.New("memory record content is empty")

func (r *MemoryRecord) Validate() error {
	if !r.Category.Valid() {
		return fmt.Errorf("invalid memory category %q", r.Category)
	}
	if r.Content == "" {
		return errEmptyContent
	}
	if r.SessionID == "" && !r.Shared {
		return errors.New("memory record needs a session_id unless marked shared")
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("confidence %v out of [0,1]", r.Confidence)
	}
	return nil
}

// WriteBias skews the persistence threshold per category. Higher bias lowers
// the effective threshold, making the persona more willing to remember that
// category. Supplied externally per persona; never mutated by the core.
type WriteBias map[Category]float64

// For returns the weight for a category, defaulting to 1.0 when the persona
// did not express a preference.
func (b WriteBias) For(c Category) float64 {
	if b == nil {
		return 1.0
	}
	w, ok := b[c]
	if !ok {
		return 1.0
	}
	return w
}

// RecallBias weighs semantic relevance against recency when ranking recalled
// memories.
type RecallBias struct {
	Recency   float64 `json:"recency" yaml:"recency"`
	Relevance float64 `json:"relevance" yaml:"relevance"`
}

// DefaultRecallBias favors relevance but keeps fresh memories competitive.
var DefaultRecallBias = RecallBias{Recency: 0.3, Relevance: 0.7}
