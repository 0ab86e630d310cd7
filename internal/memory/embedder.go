package memory

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// LocalEmbedder produces deterministic unit vectors from token hashes. It is
// not a semantic model: identical texts embed identically and texts sharing
// tokens land near each other, which is enough for the embedded store, local
// development, and tests. Production deployments plug in a real Embedder.
type LocalEmbedder struct {
	dim int
}

func NewLocalEmbedder(dim int) *LocalEmbedder {
	if dim <= 0 {
		dim = 384
	}
	return &LocalEmbedder{dim: dim}
}

func (e *LocalEmbedder) Dimensions() int { return e.dim }

func (e *LocalEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dim)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New64a()
		h.Write([]byte(tok))
		seed := h.Sum64()
		// Spread each token over the vector with an LCG walk so overlapping
		// token sets yield overlapping components.
		for i := 0; i < 8; i++ {
			seed = seed*6364136223846793005 + 1442695040888963407
			idx := int(seed % uint64(e.dim))
			vec[idx] += float32(int64(seed>>1)) / float32(math.MaxInt64)
		}
	}
	return normalize(vec), nil
}

func normalize(vec []float32) []float32 {
	var norm float32
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		return vec
	}
	inv := 1 / float32(math.Sqrt(float64(norm)))
	for i := range vec {
		vec[i] *= inv
	}
	return vec
}

// CosineSimilarity computes the cosine of two vectors, 0 when either is zero
// or the lengths differ.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
