package replication

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

func timeDurationMS(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// StatusStore persists one Status row per (config, cycle).
type StatusStore interface {
	Record(ctx context.Context, status Status) error
	Latest(ctx context.Context, configID string) (*Status, error)
	List(ctx context.Context, configID string, limit int) ([]Status, error)
}

// InMemoryStatusStore keeps status rows in process memory.
type InMemoryStatusStore struct {
	mu       sync.RWMutex
	byConfig map[string][]Status
}

func NewInMemoryStatusStore() *InMemoryStatusStore {
	return &InMemoryStatusStore{byConfig: make(map[string][]Status)}
}

func (s *InMemoryStatusStore) Record(_ context.Context, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byConfig[status.ConfigID] = append(s.byConfig[status.ConfigID], status)
	return nil
}

func (s *InMemoryStatusStore) Latest(_ context.Context, configID string) (*Status, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.byConfig[configID]
	if len(rows) == 0 {
		return nil, nil
	}
	latest := rows[len(rows)-1]
	return &latest, nil
}

func (s *InMemoryStatusStore) List(_ context.Context, configID string, limit int) ([]Status, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.byConfig[configID]
	var out []Status
	for i := len(rows) - 1; i >= 0; i-- {
		out = append(out, rows[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// PostgresStatusStore persists status rows in PostgreSQL.
type PostgresStatusStore struct {
	db *sql.DB
}

func NewPostgresStatusStore(db *sql.DB) *PostgresStatusStore {
	return &PostgresStatusStore{db: db}
}

func (s *PostgresStatusStore) Record(ctx context.Context, status Status) error {
	if status.ID == uuid.Nil {
		status.ID = uuid.New()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO replication_status (
			id, config_id, last_sync_time, lag_ms, records_synced,
			sync_state, error_message
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`,
		status.ID, status.ConfigID, status.LastSyncTime,
		status.Lag.Milliseconds(), status.RecordsSynced,
		string(status.SyncState), status.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("insert replication status: %w", err)
	}
	return nil
}

func (s *PostgresStatusStore) Latest(ctx context.Context, configID string) (*Status, error) {
	rows, err := s.List(ctx, configID, 1)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (s *PostgresStatusStore) List(ctx context.Context, configID string, limit int) ([]Status, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, config_id, last_sync_time, lag_ms, records_synced,
		       sync_state, error_message
		FROM replication_status
		WHERE config_id = $1
		ORDER BY last_sync_time DESC
		LIMIT $2
	`, configID, limit)
	if err != nil {
		return nil, fmt.Errorf("list replication status: %w", err)
	}
	defer rows.Close()

	var out []Status
	for rows.Next() {
		var (
			status Status
			state  string
			lagMS  int64
		)
		err := rows.Scan(
			&status.ID, &status.ConfigID, &status.LastSyncTime, &lagMS,
			&status.RecordsSynced, &state, &status.ErrorMessage,
		)
		if err != nil {
			return nil, fmt.Errorf("scan replication status: %w", err)
		}
		status.SyncState = SyncState(state)
		status.Lag = timeDurationMS(lagMS)
		out = append(out, status)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate replication status: %w", err)
	}
	return out, nil
}
