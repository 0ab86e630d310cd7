package memory

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	chromem "github.com/philippgille/chromem-go"
)

const defaultLookupLimit = 16

// EmbeddedStore is the in-process LongTermStore used when no database is
// configured. Structured records live in a map; records carrying embeddings
// are additionally indexed in chromem, an embedded pure-Go vector database,
// one collection per session plus one for shared records.
type EmbeddedStore struct {
	mu          sync.RWMutex
	records     map[string]*MemoryRecord
	db          *chromem.DB
	collections map[string]*chromem.Collection
	now         func() time.Time
}

func NewEmbeddedStore() *EmbeddedStore {
	return &EmbeddedStore{
		records:     make(map[string]*MemoryRecord),
		db:          chromem.NewDB(),
		collections: make(map[string]*chromem.Collection),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (s *EmbeddedStore) collectionFor(sessionID string, shared bool) (*chromem.Collection, error) {
	name := "session_" + sessionID
	if shared {
		name = "shared"
	}

	s.mu.RLock()
	col, ok := s.collections[name]
	s.mu.RUnlock()
	if ok {
		return col, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if col, ok := s.collections[name]; ok {
		return col, nil
	}
	col, err := s.db.CreateCollection(name, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create collection %q: %w", name, err)
	}
	s.collections[name] = col
	return col, nil
}

func (s *EmbeddedStore) Write(ctx context.Context, record MemoryRecord) (string, error) {
	callerID := record.ID != ""
	if !callerID {
		record.ID = uuid.NewString()
	}
	now := s.now()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	if record.LastAccessedAt.IsZero() {
		record.LastAccessedAt = record.CreatedAt
	}
	if err := record.Validate(); err != nil {
		return "", err
	}

	s.mu.Lock()
	if _, exists := s.records[record.ID]; exists && callerID {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrDuplicateKey, record.ID)
	}
	stored := record
	s.records[record.ID] = &stored
	s.mu.Unlock()

	if len(record.Embedding) == 0 {
		return record.ID, nil
	}

	col, err := s.collectionFor(record.SessionID, record.Shared)
	if err != nil {
		return "", err
	}
	doc := chromem.Document{
		ID:        record.ID,
		Content:   record.Content,
		Embedding: record.Embedding,
		Metadata: map[string]string{
			"session_id": record.SessionID,
			"category":   string(record.Category),
		},
	}
	if err := col.AddDocument(ctx, doc); err != nil {
		return "", fmt.Errorf("index embedding: %w", err)
	}
	return record.ID, nil
}

func (s *EmbeddedStore) Search(ctx context.Context, sessionID string, queryEmbedding []float32, k int) ([]SearchResult, error) {
	if k <= 0 {
		return nil, nil
	}
	if k > MaxSearchK {
		k = MaxSearchK
	}

	var out []SearchResult
	for _, shared := range []bool{false, true} {
		if shared && sessionID == "" {
			break
		}
		col, err := s.collectionFor(sessionID, shared)
		if err != nil {
			return nil, err
		}
		n := col.Count()
		if n == 0 {
			continue
		}
		if n > k {
			n = k
		}
		results, err := col.QueryEmbedding(ctx, queryEmbedding, n, nil, nil)
		if err != nil {
			return nil, fmt.Errorf("vector query: %w", err)
		}
		s.mu.RLock()
		for _, res := range results {
			rec, ok := s.records[res.ID]
			if !ok {
				continue
			}
			out = append(out, SearchResult{Record: *rec, Similarity: float64(res.Similarity)})
		}
		s.mu.RUnlock()
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (s *EmbeddedStore) LookupStructured(_ context.Context, sessionID string, category Category, filter StructuredFilter) ([]MemoryRecord, error) {
	if !category.Valid() {
		return nil, fmt.Errorf("invalid memory category %q", category)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultLookupLimit
	}
	contains := strings.ToLower(filter.Contains)

	s.mu.RLock()
	var out []MemoryRecord
	for _, rec := range s.records {
		if rec.Category != category {
			continue
		}
		if rec.SessionID != sessionID && !rec.Shared {
			continue
		}
		if contains != "" && !strings.Contains(strings.ToLower(rec.Content), contains) {
			continue
		}
		out = append(out, *rec)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastAccessedAt.Equal(out[j].LastAccessedAt) {
			return out[i].LastAccessedAt.After(out[j].LastAccessedAt)
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *EmbeddedStore) Touch(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return fmt.Errorf("touch: record %s not found", id)
	}
	rec.LastAccessedAt = s.now()
	rec.AccessCount++
	return nil
}

func (s *EmbeddedStore) Evict(ctx context.Context, policy EvictPolicy) (int, error) {
	now := s.now()

	s.mu.Lock()
	var victims []*MemoryRecord
	perSession := make(map[string][]*MemoryRecord)
	for _, rec := range s.records {
		if policy.MaxAge > 0 && now.Sub(rec.CreatedAt) > policy.MaxAge {
			victims = append(victims, rec)
			continue
		}
		key := rec.SessionID
		if rec.Shared {
			key = ""
		}
		perSession[key] = append(perSession[key], rec)
	}
	if policy.MaxPerSession > 0 {
		for _, recs := range perSession {
			if len(recs) <= policy.MaxPerSession {
				continue
			}
			// Keep the most recently accessed records.
			sort.Slice(recs, func(i, j int) bool {
				return recs[i].LastAccessedAt.After(recs[j].LastAccessedAt)
			})
			victims = append(victims, recs[policy.MaxPerSession:]...)
		}
	}
	for _, rec := range victims {
		delete(s.records, rec.ID)
	}
	s.mu.Unlock()

	for _, rec := range victims {
		if len(rec.Embedding) == 0 {
			continue
		}
		col, err := s.collectionFor(rec.SessionID, rec.Shared)
		if err != nil {
			continue
		}
		if err := col.Delete(ctx, nil, nil, rec.ID); err != nil {
			log.Printf("memory: drop vector for %s: %v", rec.ID, err)
		}
	}
	return len(victims), nil
}

func (s *EmbeddedStore) Close() error { return nil }
