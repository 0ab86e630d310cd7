package memory

import (
	"context"
	"strings"
)

// NewLongTermStore creates a postgres-backed store when configured, otherwise
// the embedded in-process store.
func NewLongTermStore(ctx context.Context, databaseURL string, embeddingDim int) (LongTermStore, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewEmbeddedStore(), nil
	}
	return NewPostgresStore(ctx, databaseURL, embeddingDim)
}
