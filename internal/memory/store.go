package memory

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrStoreUnavailable means the backing medium cannot be reached. Callers
	// degrade instead of failing the turn.
	ErrStoreUnavailable = errors.New("long-term store unavailable")

	// ErrDuplicateKey means a caller-supplied record id collided. Fatal to
	// that single write only; auto-generated ids never collide.
	ErrDuplicateKey = errors.New("duplicate memory record id")
)

// MaxSearchK caps vector search fan-out regardless of the caller's ask.
const MaxSearchK = 64

// SearchResult pairs a record with its similarity to the query embedding.
// Similarity is cosine in [-1,1]; higher means more similar.
type SearchResult struct {
	Record     MemoryRecord
	Similarity float64
}

// StructuredFilter narrows a structured lookup.
type StructuredFilter struct {
	// Contains, when set, requires a case-insensitive substring match.
	Contains string
	// Limit bounds the result count; <=0 means the store default.
	Limit int
}

// EvictPolicy bounds long-term growth. Eviction runs in the background or
// on demand, never inline during a user turn.
type EvictPolicy struct {
	MaxAge        time.Duration
	MaxPerSession int
}

// LongTermStore is the durable two-sided memory tier: structured facts plus a
// vector index over records that carry embeddings.
type LongTermStore interface {
	// Write persists a record and returns its id, generating one when the
	// caller left it empty. Fails with ErrStoreUnavailable or, for
	// caller-supplied colliding ids, ErrDuplicateKey.
	Write(ctx context.Context, record MemoryRecord) (string, error)

	// Search runs nearest-neighbor search over the session's vector index
	// (shared records included), capped at MaxSearchK, ranked by similarity.
	Search(ctx context.Context, sessionID string, queryEmbedding []float32, k int) ([]SearchResult, error)

	// LookupStructured is the exact path for records lacking an embedding;
	// results come back most recently accessed first.
	LookupStructured(ctx context.Context, sessionID string, category Category, filter StructuredFilter) ([]MemoryRecord, error)

	// Touch bumps last_accessed_at and access_count. Best-effort: callers
	// log failures instead of propagating them.
	Touch(ctx context.Context, id string) error

	// Evict removes records per policy and reports how many were dropped.
	Evict(ctx context.Context, policy EvictPolicy) (int, error)

	Close() error
}

// Embedder converts text to a fixed-length vector. Concrete embedding models
// live outside the core; the local implementation exists for the
// no-database mode and for tests.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}
