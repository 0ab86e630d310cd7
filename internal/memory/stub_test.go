package memory

import (
	"context"
	"time"
)

// fakeStore records interactions and serves canned results.
type fakeStore struct {
	searchResults []SearchResult
	searchErr     error
	structured    map[Category][]MemoryRecord
	structuredErr error
	writes        []MemoryRecord
	writeErr      func(MemoryRecord) error
	touched       []string
	touchErr      error
	lookups       int
	searches      int
}

func (f *fakeStore) Write(_ context.Context, record MemoryRecord) (string, error) {
	if f.writeErr != nil {
		if err := f.writeErr(record); err != nil {
			return "", err
		}
	}
	if record.ID == "" {
		record.ID = "generated"
	}
	f.writes = append(f.writes, record)
	return record.ID, nil
}

func (f *fakeStore) Search(_ context.Context, _ string, _ []float32, _ int) ([]SearchResult, error) {
	f.searches++
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return f.searchResults, nil
}

func (f *fakeStore) LookupStructured(_ context.Context, _ string, category Category, _ StructuredFilter) ([]MemoryRecord, error) {
	f.lookups++
	if f.structuredErr != nil {
		return nil, f.structuredErr
	}
	return f.structured[category], nil
}

func (f *fakeStore) Touch(_ context.Context, id string) error {
	if f.touchErr != nil {
		return f.touchErr
	}
	f.touched = append(f.touched, id)
	return nil
}

func (f *fakeStore) Evict(_ context.Context, _ EvictPolicy) (int, error) { return 0, nil }

func (f *fakeStore) Close() error { return nil }

func at(secondsAgo int) time.Time {
	return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC).Add(-time.Duration(secondsAgo) * time.Second)
}
