package memory

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists long-term memory in PostgreSQL with pgvector for
// the embedding index.
type PostgresStore struct {
	pool *pgxpool.Pool
	dim  int
}

func NewPostgresStore(ctx context.Context, databaseURL string, embeddingDim int) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool, embeddingDim); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool, dim: embeddingDim}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool, dim int) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector;`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS memory_records (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			shared BOOLEAN NOT NULL DEFAULT FALSE,
			category TEXT NOT NULL,
			content TEXT NOT NULL,
			embedding vector(%d),
			confidence DOUBLE PRECISION NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			last_accessed_at TIMESTAMPTZ NOT NULL,
			access_count BIGINT NOT NULL DEFAULT 0
		);`, dim),
		`CREATE INDEX IF NOT EXISTS idx_memory_records_session_category
			ON memory_records (session_id, category, last_accessed_at DESC);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Write(ctx context.Context, record MemoryRecord) (string, error) {
	callerID := record.ID != ""
	if !callerID {
		record.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	if record.LastAccessedAt.IsZero() {
		record.LastAccessedAt = record.CreatedAt
	}
	if err := record.Validate(); err != nil {
		return "", err
	}
	if len(record.Embedding) > 0 && len(record.Embedding) != s.dim {
		return "", fmt.Errorf("embedding has %d dimensions, store expects %d", len(record.Embedding), s.dim)
	}

	var embedding any
	if len(record.Embedding) > 0 {
		embedding = vectorLiteral(record.Embedding)
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO memory_records
			(id, session_id, shared, category, content, embedding, confidence, created_at, last_accessed_at, access_count)
		 VALUES ($1, $2, $3, $4, $5, $6::vector, $7, $8, $9, $10)`,
		record.ID,
		record.SessionID,
		record.Shared,
		string(record.Category),
		record.Content,
		embedding,
		record.Confidence,
		record.CreatedAt,
		record.LastAccessedAt,
		record.AccessCount,
	)
	if err != nil {
		if isUniqueViolation(err) && callerID {
			return "", fmt.Errorf("%w: %s", ErrDuplicateKey, record.ID)
		}
		return "", storeErr("write record", err)
	}
	return record.ID, nil
}

func (s *PostgresStore) Search(ctx context.Context, sessionID string, queryEmbedding []float32, k int) ([]SearchResult, error) {
	if k <= 0 {
		return nil, nil
	}
	if k > MaxSearchK {
		k = MaxSearchK
	}
	if len(queryEmbedding) != s.dim {
		return nil, fmt.Errorf("query embedding has %d dimensions, store expects %d", len(queryEmbedding), s.dim)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, shared, category, content, confidence, created_at, last_accessed_at, access_count,
			1 - (embedding <=> $2::vector) AS similarity
		 FROM memory_records
		 WHERE (session_id = $1 OR shared) AND embedding IS NOT NULL
		 ORDER BY embedding <=> $2::vector
		 LIMIT $3`,
		sessionID,
		vectorLiteral(queryEmbedding),
		k,
	)
	if err != nil {
		return nil, storeErr("vector search", err)
	}
	defer rows.Close()

	out := make([]SearchResult, 0, k)
	for rows.Next() {
		var (
			res SearchResult
			cat string
		)
		if err := rows.Scan(
			&res.Record.ID, &res.Record.SessionID, &res.Record.Shared, &cat,
			&res.Record.Content, &res.Record.Confidence, &res.Record.CreatedAt,
			&res.Record.LastAccessedAt, &res.Record.AccessCount, &res.Similarity,
		); err != nil {
			return nil, fmt.Errorf("scan search row: %w", err)
		}
		res.Record.Category = Category(cat)
		out = append(out, res)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate search rows", err)
	}
	return out, nil
}

func (s *PostgresStore) LookupStructured(ctx context.Context, sessionID string, category Category, filter StructuredFilter) ([]MemoryRecord, error) {
	if !category.Valid() {
		return nil, fmt.Errorf("invalid memory category %q", category)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultLookupLimit
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, shared, category, content, confidence, created_at, last_accessed_at, access_count
		 FROM memory_records
		 WHERE (session_id = $1 OR shared) AND category = $2
			AND ($3 = '' OR content ILIKE '%' || $3 || '%')
		 ORDER BY last_accessed_at DESC, id ASC
		 LIMIT $4`,
		sessionID,
		string(category),
		filter.Contains,
		limit,
	)
	if err != nil {
		return nil, storeErr("structured lookup", err)
	}
	defer rows.Close()

	out := make([]MemoryRecord, 0, limit)
	for rows.Next() {
		var (
			rec MemoryRecord
			cat string
		)
		if err := rows.Scan(
			&rec.ID, &rec.SessionID, &rec.Shared, &cat, &rec.Content,
			&rec.Confidence, &rec.CreatedAt, &rec.LastAccessedAt, &rec.AccessCount,
		); err != nil {
			return nil, fmt.Errorf("scan lookup row: %w", err)
		}
		rec.Category = Category(cat)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate lookup rows", err)
	}
	return out, nil
}

func (s *PostgresStore) Touch(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE memory_records
		 SET last_accessed_at = now(), access_count = access_count + 1
		 WHERE id = $1`,
		id,
	)
	if err != nil {
		return storeErr("touch record", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("touch: record %s not found", id)
	}
	return nil
}

func (s *PostgresStore) Evict(ctx context.Context, policy EvictPolicy) (int, error) {
	evicted := 0

	if policy.MaxAge > 0 {
		tag, err := s.pool.Exec(ctx,
			`DELETE FROM memory_records WHERE created_at < now() - $1::interval`,
			fmt.Sprintf("%d seconds", int(policy.MaxAge.Seconds())),
		)
		if err != nil {
			return evicted, storeErr("evict by age", err)
		}
		evicted += int(tag.RowsAffected())
	}

	if policy.MaxPerSession > 0 {
		// Keep the most recently accessed records per session.
		tag, err := s.pool.Exec(ctx,
			`DELETE FROM memory_records WHERE id IN (
				SELECT id FROM (
					SELECT id, ROW_NUMBER() OVER (
						PARTITION BY session_id, shared
						ORDER BY last_accessed_at DESC, id ASC
					) AS rank
					FROM memory_records
				) ranked WHERE rank > $1
			)`,
			policy.MaxPerSession,
		)
		if err != nil {
			return evicted, storeErr("evict by capacity", err)
		}
		evicted += int(tag.RowsAffected())
	}

	return evicted, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// vectorLiteral renders a pgvector input literal, e.g. "[0.1,0.2]".
func vectorLiteral(vec []float32) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatFloat(float64(v), 'f', -1, 32))
	}
	sb.WriteByte(']')
	return sb.String()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// storeErr maps transport-level failures onto ErrStoreUnavailable so callers
// can degrade; server-reported SQL errors pass through wrapped.
func storeErr(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %v", op, ErrStoreUnavailable, err)
}
