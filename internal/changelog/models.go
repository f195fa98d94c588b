package changelog

import (
	"errors"
	"fmt"
	"time"
)

// Operation is the mutation kind captured by a change record.
type Operation string

const (
	OpInsert Operation = "INSERT"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// Valid reports whether the operation is one of the three capture kinds.
func (o Operation) Valid() bool {
	switch o {
	case OpInsert, OpUpdate, OpDelete:
		return true
	}
	return false
}

var (
	// ErrSequenceExhausted is returned when a region's sequence counter can
	// no longer be advanced. The caller's write must fail with it.
	ErrSequenceExhausted = errors.New("changelog: sequence counter exhausted")

	// ErrDuplicateSequence indicates a broken precondition elsewhere; it is
	// never retried.
	ErrDuplicateSequence = errors.New("changelog: duplicate sequence for source region")
)

// ChangeRecord is one captured mutation. Immutable once written; sequence
// numbers are assigned under a single counter per source region and never
// reused.
type ChangeRecord struct {
	Sequence      int64
	EntityTable   string
	EntityID      string
	Operation     Operation
	OldValue      map[string]any
	NewValue      map[string]any
	ChangedAt     time.Time
	ChangedBy     string
	SourceRegion  string
	TransactionID string
}

// Entry is the caller-supplied portion of a change record. Sequence,
// timestamp and transaction id are assigned by the store on append.
type Entry struct {
	EntityTable  string
	EntityID     string
	Operation    Operation
	OldValue     map[string]any
	NewValue     map[string]any
	ChangedBy    string
	SourceRegion string
}

func (e Entry) validate() error {
	if e.EntityTable == "" {
		return errors.New("changelog: entity table is required")
	}
	if e.EntityID == "" {
		return errors.New("changelog: entity id is required")
	}
	if e.SourceRegion == "" {
		return errors.New("changelog: source region is required")
	}
	if !e.Operation.Valid() {
		return fmt.Errorf("changelog: unknown operation %q", e.Operation)
	}
	return nil
}

// Cursor marks a position in a region's change stream. Restart is by cursor,
// never by record content, so records are never skipped or reordered across
// restarts. The zero cursor reads from the beginning.
type Cursor struct {
	LastSequence int64
}
