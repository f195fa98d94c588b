package replication

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"regionsync/internal/changelog"
	txcontext "regionsync/internal/platform/tx"
)

// CursorStore persists per (config, table) read positions into the change
// log. A cursor advances only after its whole batch is applied, so a crash
// replays the batch rather than skipping records.
type CursorStore interface {
	Load(ctx context.Context, configID, entityTable string) (changelog.Cursor, error)
	Save(ctx context.Context, configID, entityTable string, cursor changelog.Cursor) error
}

// InMemoryCursorStore keeps cursors in process memory.
type InMemoryCursorStore struct {
	mu      sync.RWMutex
	cursors map[string]changelog.Cursor
}

func NewInMemoryCursorStore() *InMemoryCursorStore {
	return &InMemoryCursorStore{cursors: make(map[string]changelog.Cursor)}
}

func cursorKey(configID, entityTable string) string {
	return configID + "\x00" + entityTable
}

func (s *InMemoryCursorStore) Load(_ context.Context, configID, entityTable string) (changelog.Cursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cursors[cursorKey(configID, entityTable)], nil
}

func (s *InMemoryCursorStore) Save(_ context.Context, configID, entityTable string, cursor changelog.Cursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[cursorKey(configID, entityTable)] = cursor
	return nil
}

// PostgresCursorStore persists cursors beside the change log so batch
// application and cursor advancement can share one transaction.
type PostgresCursorStore struct {
	db *sql.DB
}

func NewPostgresCursorStore(db *sql.DB) *PostgresCursorStore {
	return &PostgresCursorStore{db: db}
}

type dbRunner interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresCursorStore) runner(ctx context.Context) dbRunner {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

func (s *PostgresCursorStore) Load(ctx context.Context, configID, entityTable string) (changelog.Cursor, error) {
	var cursor changelog.Cursor
	err := s.runner(ctx).QueryRowContext(ctx, `
		SELECT last_sequence FROM replication_cursors
		WHERE config_id = $1 AND entity_table = $2
	`, configID, entityTable).Scan(&cursor.LastSequence)
	if err == sql.ErrNoRows {
		return changelog.Cursor{}, nil
	}
	if err != nil {
		return changelog.Cursor{}, fmt.Errorf("load replication cursor: %w", err)
	}
	return cursor, nil
}

func (s *PostgresCursorStore) Save(ctx context.Context, configID, entityTable string, cursor changelog.Cursor) error {
	_, err := s.runner(ctx).ExecContext(ctx, `
		INSERT INTO replication_cursors (config_id, entity_table, last_sequence)
		VALUES ($1, $2, $3)
		ON CONFLICT (config_id, entity_table)
		DO UPDATE SET last_sequence = EXCLUDED.last_sequence
	`, configID, entityTable, cursor.LastSequence)
	if err != nil {
		return fmt.Errorf("save replication cursor: %w", err)
	}
	return nil
}
