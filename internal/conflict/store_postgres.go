package conflict

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	txcontext "regionsync/internal/platform/tx"
)

// PostgresStore persists conflict records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type dbRunner interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *PostgresStore) runner(ctx context.Context) dbRunner {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

func (s *PostgresStore) Record(ctx context.Context, record Record) error {
	sourceValue, err := marshal(record.SourceValue)
	if err != nil {
		return fmt.Errorf("marshal source value: %w", err)
	}
	targetValue, err := marshal(record.TargetValue)
	if err != nil {
		return fmt.Errorf("marshal target value: %w", err)
	}
	resolvedValue, err := marshal(record.ResolvedValue)
	if err != nil {
		return fmt.Errorf("marshal resolved value: %w", err)
	}

	_, err = s.runner(ctx).ExecContext(ctx, `
		INSERT INTO conflict_records (
			id, entity_table, entity_id, conflict_type, source_value,
			target_value, resolved_value, strategy, resolved_at, resolved_by
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		record.ID, record.EntityTable, record.EntityID,
		string(record.ConflictType), sourceValue, targetValue, resolvedValue,
		string(record.Strategy), record.ResolvedAt, record.ResolvedBy,
	)
	if err != nil {
		return fmt.Errorf("insert conflict record: %w", err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, entityTable string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.runner(ctx).QueryContext(ctx, `
		SELECT id, entity_table, entity_id, conflict_type, source_value,
		       target_value, resolved_value, strategy, resolved_at, resolved_by
		FROM conflict_records
		WHERE ($1 = '' OR entity_table = $1)
		ORDER BY resolved_at DESC
		LIMIT $2
	`, entityTable, limit)
	if err != nil {
		return nil, fmt.Errorf("list conflict records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			record        Record
			conflictType  string
			strategy      string
			sourceValue   []byte
			targetValue   []byte
			resolvedValue []byte
		)
		err := rows.Scan(
			&record.ID, &record.EntityTable, &record.EntityID, &conflictType,
			&sourceValue, &targetValue, &resolvedValue, &strategy,
			&record.ResolvedAt, &record.ResolvedBy,
		)
		if err != nil {
			return nil, fmt.Errorf("scan conflict record: %w", err)
		}
		record.ConflictType = Type(conflictType)
		record.Strategy = Strategy(strategy)
		if record.SourceValue, err = unmarshal(sourceValue); err != nil {
			return nil, fmt.Errorf("unmarshal source value: %w", err)
		}
		if record.TargetValue, err = unmarshal(targetValue); err != nil {
			return nil, fmt.Errorf("unmarshal target value: %w", err)
		}
		if record.ResolvedValue, err = unmarshal(resolvedValue); err != nil {
			return nil, fmt.Errorf("unmarshal resolved value: %w", err)
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conflict records: %w", err)
	}
	return out, nil
}

func marshal(value map[string]any) ([]byte, error) {
	if value == nil {
		return nil, nil
	}
	return json.Marshal(value)
}

func unmarshal(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var value map[string]any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, err
	}
	return value, nil
}
