package changelog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	txcontext "regionsync/internal/platform/tx"
)

// PostgresStore persists the change log in PostgreSQL. Appends join the
// caller's transaction when one is present in the context, so a business
// write and its change record commit or roll back together.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type dbRunner interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresStore) runner(ctx context.Context) dbRunner {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

func (s *PostgresStore) Append(ctx context.Context, entry Entry) (*ChangeRecord, error) {
	if err := entry.validate(); err != nil {
		return nil, err
	}

	// Sequence allocation and record insert must commit together: the upsert's
	// row lock is held until commit, so no later sequence can become visible
	// while an earlier one is still in flight. Join the caller's transaction
	// when present, otherwise open one here.
	if _, ok := txcontext.From(ctx); ok {
		return s.append(ctx, entry)
	}

	var record *ChangeRecord
	err := txcontext.Run(ctx, s.db, func(ctx context.Context) error {
		var err error
		record, err = s.append(ctx, entry)
		return err
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

func (s *PostgresStore) append(ctx context.Context, entry Entry) (*ChangeRecord, error) {
	run := s.runner(ctx)

	// Atomic increment-and-fetch of the per-region counter. The upsert takes
	// a row lock, which is the single serialization point for this region.
	var seq int64
	err := run.QueryRowContext(ctx, `
		INSERT INTO change_log_sequences (source_region, next_sequence)
		VALUES ($1, 1)
		ON CONFLICT (source_region)
		DO UPDATE SET next_sequence = change_log_sequences.next_sequence + 1
		RETURNING next_sequence
	`, entry.SourceRegion).Scan(&seq)
	if err != nil {
		return nil, fmt.Errorf("allocate sequence: %w", err)
	}
	if seq >= math.MaxInt64 {
		return nil, ErrSequenceExhausted
	}

	record := ChangeRecord{
		Sequence:      seq,
		EntityTable:   entry.EntityTable,
		EntityID:      entry.EntityID,
		Operation:     entry.Operation,
		OldValue:      entry.OldValue,
		NewValue:      entry.NewValue,
		ChangedAt:     time.Now().UTC(),
		ChangedBy:     entry.ChangedBy,
		SourceRegion:  entry.SourceRegion,
		TransactionID: uuid.NewString(),
	}

	oldValue, err := marshalValue(record.OldValue)
	if err != nil {
		return nil, fmt.Errorf("marshal old value: %w", err)
	}
	newValue, err := marshalValue(record.NewValue)
	if err != nil {
		return nil, fmt.Errorf("marshal new value: %w", err)
	}

	_, err = run.ExecContext(ctx, `
		INSERT INTO change_log (
			source_region, sequence, entity_table, entity_id, operation,
			old_value, new_value, changed_at, changed_by, transaction_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		record.SourceRegion, record.Sequence, record.EntityTable,
		record.EntityID, string(record.Operation), oldValue, newValue,
		record.ChangedAt, record.ChangedBy, record.TransactionID,
	)
	if err != nil {
		return nil, fmt.Errorf("insert change record: %w", err)
	}
	return &record, nil
}

func (s *PostgresStore) ReadSince(ctx context.Context, entityTable string, cursor Cursor, sourceRegion string, limit int) ([]ChangeRecord, Cursor, error) {
	if limit <= 0 {
		limit = 500
	}

	rows, err := s.runner(ctx).QueryContext(ctx, `
		SELECT sequence, entity_table, entity_id, operation, old_value,
		       new_value, changed_at, changed_by, source_region, transaction_id
		FROM change_log
		WHERE source_region = $1
		  AND sequence > $2
		  AND ($3 = '' OR entity_table = $3)
		ORDER BY sequence
		LIMIT $4
	`, sourceRegion, cursor.LastSequence, entityTable, limit)
	if err != nil {
		return nil, cursor, fmt.Errorf("read change log: %w", err)
	}
	defer rows.Close()

	next := cursor
	var out []ChangeRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, cursor, err
		}
		out = append(out, record)
		next.LastSequence = record.Sequence
	}
	if err := rows.Err(); err != nil {
		return nil, cursor, fmt.Errorf("iterate change log: %w", err)
	}
	return out, next, nil
}

func scanRecord(rows *sql.Rows) (ChangeRecord, error) {
	var (
		record   ChangeRecord
		op       string
		oldValue []byte
		newValue []byte
	)
	err := rows.Scan(
		&record.Sequence, &record.EntityTable, &record.EntityID, &op,
		&oldValue, &newValue, &record.ChangedAt, &record.ChangedBy,
		&record.SourceRegion, &record.TransactionID,
	)
	if err != nil {
		return ChangeRecord{}, fmt.Errorf("scan change record: %w", err)
	}
	record.Operation = Operation(op)
	if record.OldValue, err = unmarshalValue(oldValue); err != nil {
		return ChangeRecord{}, fmt.Errorf("unmarshal old value: %w", err)
	}
	if record.NewValue, err = unmarshalValue(newValue); err != nil {
		return ChangeRecord{}, fmt.Errorf("unmarshal new value: %w", err)
	}
	return record, nil
}

func marshalValue(value map[string]any) ([]byte, error) {
	if value == nil {
		return nil, nil
	}
	return json.Marshal(value)
}

func unmarshalValue(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var value map[string]any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, err
	}
	return value, nil
}
