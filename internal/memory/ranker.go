package memory

import (
	"context"
	"log"
	"math"
	"sort"
	"time"
)

// RankedRecord annotates a recalled record with its blended score. The score
// is for observability only; nothing downstream consumes it.
type RankedRecord struct {
	MemoryRecord
	Score      float64 `json:"score"`
	Similarity float64 `json:"similarity"`
}

// RankerConfig tunes recall behavior.
type RankerConfig struct {
	// HalfLife drives the exponential recency decay.
	HalfLife time.Duration
	// Headroom multiplies the requested budget for the vector search so
	// re-ranking has candidates to work with.
	Headroom int
	// AlwaysInclude lists categories pulled via structured lookup regardless
	// of similarity.
	AlwaysInclude []Category
}

func (c *RankerConfig) defaults() {
	if c.HalfLife <= 0 {
		c.HalfLife = 6 * time.Hour
	}
	if c.Headroom < 2 {
		c.Headroom = 2
	}
	if c.AlwaysInclude == nil {
		c.AlwaysInclude = []Category{CategoryPreference}
	}
}

// RecallRanker produces the ordered list of memories to inject into a turn's
// context. It is, together with WritePolicy, the only caller of
// LongTermStore.
type RecallRanker struct {
	store    LongTermStore
	embedder Embedder
	cfg      RankerConfig
	now      func() time.Time
}

func NewRecallRanker(store LongTermStore, embedder Embedder, cfg RankerConfig) *RecallRanker {
	cfg.defaults()
	return &RecallRanker{
		store:    store,
		embedder: embedder,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Recall ranks long-term candidates for the query and returns at most budget
// records, touching each returned record's access bookkeeping best-effort.
// An empty result is valid. The degraded flag is set whenever the store
// failed on any path, even when the other path still produced records;
// ErrStoreUnavailable surfaces only when the store yielded nothing at all.
func (r *RecallRanker) Recall(ctx context.Context, sessionID, query string, bias RecallBias, budget int) (records []RankedRecord, degraded bool, err error) {
	if budget <= 0 {
		return nil, false, nil
	}

	candidates := make(map[string]RankedRecord)
	var storeErr error

	queryEmbedding, err := r.embedder.Embed(ctx, query)
	if err != nil {
		// Vector recall is unavailable; structured lookup below may still
		// contribute candidates.
		log.Printf("recall: embed query: %v", err)
	} else {
		m := budget * r.cfg.Headroom
		results, err := r.store.Search(ctx, sessionID, queryEmbedding, m)
		if err != nil {
			storeErr = err
		} else {
			for _, res := range results {
				candidates[res.Record.ID] = RankedRecord{MemoryRecord: res.Record, Similarity: res.Similarity}
			}
		}
	}

	for _, cat := range r.cfg.AlwaysInclude {
		recs, err := r.store.LookupStructured(ctx, sessionID, cat, StructuredFilter{Limit: budget})
		if err != nil {
			storeErr = err
			continue
		}
		for _, rec := range recs {
			if _, seen := candidates[rec.ID]; seen {
				continue
			}
			candidates[rec.ID] = RankedRecord{MemoryRecord: rec}
		}
	}

	if len(candidates) == 0 {
		if storeErr != nil {
			return nil, true, storeErr
		}
		return nil, false, nil
	}
	if storeErr != nil {
		// Partial recall beats none, but the caller must still see the turn
		// as memory-degraded.
		log.Printf("recall: partial results for session %s: %v", sessionID, storeErr)
	}

	now := r.now()
	ranked := make([]RankedRecord, 0, len(candidates))
	for _, cand := range candidates {
		cand.Score = bias.Relevance*cand.Similarity +
			bias.Recency*recencyDecay(now.Sub(cand.LastAccessedAt), r.cfg.HalfLife)
		ranked = append(ranked, cand)
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		if !ranked[i].LastAccessedAt.Equal(ranked[j].LastAccessedAt) {
			return ranked[i].LastAccessedAt.After(ranked[j].LastAccessedAt)
		}
		return ranked[i].ID < ranked[j].ID
	})
	if len(ranked) > budget {
		ranked = ranked[:budget]
	}

	for _, rec := range ranked {
		if err := r.store.Touch(ctx, rec.ID); err != nil {
			log.Printf("recall: touch %s: %v", rec.ID, err)
		}
	}
	return ranked, storeErr != nil, nil
}

// recencyDecay maps elapsed time since last access to [0,1] with an
// exponential half-life curve. Monotonically decreasing, so it never inverts
// ordering between records of equal similarity.
func recencyDecay(elapsed, halfLife time.Duration) float64 {
	if elapsed <= 0 {
		return 1
	}
	return math.Exp2(-elapsed.Hours() / halfLife.Hours())
}
