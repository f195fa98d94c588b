package feed

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"regionsync/internal/changelog"
)

// InMemoryOffsets keeps feed positions in process memory.
type InMemoryOffsets struct {
	mu      sync.RWMutex
	offsets map[string]changelog.Cursor
}

func NewInMemoryOffsets() *InMemoryOffsets {
	return &InMemoryOffsets{offsets: make(map[string]changelog.Cursor)}
}

func (s *InMemoryOffsets) Load(_ context.Context, sourceRegion string) (changelog.Cursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.offsets[sourceRegion], nil
}

func (s *InMemoryOffsets) Save(_ context.Context, sourceRegion string, cursor changelog.Cursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offsets[sourceRegion] = cursor
	return nil
}

// PostgresOffsets persists feed positions beside the change log.
type PostgresOffsets struct {
	db *sql.DB
}

func NewPostgresOffsets(db *sql.DB) *PostgresOffsets {
	return &PostgresOffsets{db: db}
}

func (s *PostgresOffsets) Load(ctx context.Context, sourceRegion string) (changelog.Cursor, error) {
	var cursor changelog.Cursor
	err := s.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM change_feed_offsets WHERE source_region = $1
	`, sourceRegion).Scan(&cursor.LastSequence)
	if err == sql.ErrNoRows {
		return changelog.Cursor{}, nil
	}
	if err != nil {
		return changelog.Cursor{}, fmt.Errorf("load feed offset: %w", err)
	}
	return cursor, nil
}

func (s *PostgresOffsets) Save(ctx context.Context, sourceRegion string, cursor changelog.Cursor) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO change_feed_offsets (source_region, last_sequence)
		VALUES ($1, $2)
		ON CONFLICT (source_region)
		DO UPDATE SET last_sequence = EXCLUDED.last_sequence
	`, sourceRegion, cursor.LastSequence)
	if err != nil {
		return fmt.Errorf("save feed offset: %w", err)
	}
	return nil
}
