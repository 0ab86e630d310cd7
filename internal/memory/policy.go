package memory

import (
	"context"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/astridlabs/astrid/internal/policy"
)

// Candidate is a fact extracted from a completed turn, not yet persisted.
type Candidate struct {
	Category   Category `json:"category"`
	Content    string   `json:"content"`
	Confidence float64  `json:"confidence"`
}

// PolicyConfig tunes write gating.
type PolicyConfig struct {
	// BaseThreshold is the confidence floor before persona bias is applied.
	BaseThreshold float64
	// DedupSimilarity is the normalized text similarity above which a short
	// preference/emotion candidate refreshes the existing record instead of
	// creating a duplicate.
	DedupSimilarity float64
	// DedupMaxRunes caps the candidate length eligible for dedup.
	DedupMaxRunes int
}

func (c *PolicyConfig) defaults() {
	if c.BaseThreshold <= 0 {
		c.BaseThreshold = 0.5
	}
	if c.DedupSimilarity <= 0 {
		c.DedupSimilarity = 0.8
	}
	if c.DedupMaxRunes <= 0 {
		c.DedupMaxRunes = 120
	}
}

// WriteOutcome summarizes one policy run over a turn's candidates.
type WriteOutcome struct {
	Written  int
	Deduped  int
	Rejected int
	Failed   int
}

// WritePolicy decides, per candidate, whether and where to persist. Exactly
// one Write or one Touch reaches the store per retained candidate; rejected
// candidates cause no store interaction, and one failed write never aborts
// the batch.
type WritePolicy struct {
	store    LongTermStore
	embedder Embedder
	cfg      PolicyConfig
	now      func() time.Time
}

func NewWritePolicy(store LongTermStore, embedder Embedder, cfg PolicyConfig) *WritePolicy {
	cfg.defaults()
	return &WritePolicy{
		store:    store,
		embedder: embedder,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Retains reports whether a candidate clears the persona-adjusted threshold.
// Bias scales the threshold inversely: a persona keen on a category needs
// less confidence to remember it.
func (p *WritePolicy) Retains(cand Candidate, bias WriteBias) bool {
	if !cand.Category.Valid() || strings.TrimSpace(cand.Content) == "" {
		return false
	}
	weight := bias.For(cand.Category)
	if weight <= 0 {
		return false
	}
	return cand.Confidence >= p.cfg.BaseThreshold/weight
}

// Commit runs the policy over all candidates from a completed turn. A
// cancelled context stops before the next write; it never leaves a torn
// record since each record is fully built before the single Write call.
func (p *WritePolicy) Commit(ctx context.Context, sessionID string, bias WriteBias, candidates []Candidate) WriteOutcome {
	var out WriteOutcome
	for _, cand := range candidates {
		if ctx.Err() != nil {
			log.Printf("memory: write phase cancelled for session %s, %d candidates left", sessionID, len(candidates)-out.Written-out.Deduped-out.Rejected-out.Failed)
			return out
		}
		if !p.Retains(cand, bias) {
			out.Rejected++
			continue
		}

		content, redacted := policy.RedactPII(strings.TrimSpace(cand.Content))
		if redacted {
			log.Printf("memory: redacted PII in candidate for session %s", sessionID)
		}

		if p.dedup(ctx, sessionID, cand.Category, content) {
			out.Deduped++
			continue
		}

		record := MemoryRecord{
			SessionID:  sessionID,
			Category:   cand.Category,
			Content:    content,
			Confidence: cand.Confidence,
			CreatedAt:  p.now(),
		}
		if embedding, err := p.embedder.Embed(ctx, record.Content); err != nil {
			// Still worth keeping: the record stays reachable through the
			// structured path.
			log.Printf("memory: embed candidate for session %s: %v", sessionID, err)
		} else {
			record.Embedding = embedding
		}

		if _, err := p.store.Write(ctx, record); err != nil {
			log.Printf("memory: write candidate for session %s: %v", sessionID, err)
			out.Failed++
			continue
		}
		out.Written++
	}
	return out
}

// dedup refreshes the most recent same-category record when a short
// preference/emotion candidate restates it. Returns true when the candidate
// was absorbed by a Touch.
func (p *WritePolicy) dedup(ctx context.Context, sessionID string, category Category, content string) bool {
	if category != CategoryPreference && category != CategoryEmotion {
		return false
	}
	if utf8.RuneCountInString(content) >= p.cfg.DedupMaxRunes {
		return false
	}

	existing, err := p.store.LookupStructured(ctx, sessionID, category, StructuredFilter{Limit: 1})
	if err != nil || len(existing) == 0 {
		return false
	}
	if textSimilarity(content, existing[0].Content) < p.cfg.DedupSimilarity {
		return false
	}
	if err := p.store.Touch(ctx, existing[0].ID); err != nil {
		log.Printf("memory: dedup touch %s: %v", existing[0].ID, err)
	}
	return true
}

// textSimilarity is the token Jaccard index over lowercased fields, in [0,1].
func textSimilarity(a, b string) float64 {
	ta := tokenSet(a)
	tb := tokenSet(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	inter := 0
	for tok := range ta {
		if tb[tok] {
			inter++
		}
	}
	union := len(ta) + len(tb) - inter
	return float64(inter) / float64(union)
}

func tokenSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range strings.Fields(strings.ToLower(s)) {
		set[strings.Trim(tok, ".,!?;:'\"")] = true
	}
	delete(set, "")
	return set
}
