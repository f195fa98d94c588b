package conflict

import (
	"time"

	"github.com/google/uuid"
)

// Type classifies the divergence that produced a conflict.
type Type string

const (
	InsertConflict Type = "INSERT_CONFLICT"
	UpdateConflict Type = "UPDATE_CONFLICT"
	DeleteConflict Type = "DELETE_CONFLICT"
)

// Strategy selects how divergent versions are reconciled.
type Strategy string

const (
	LastWriteWins  Strategy = "LAST_WRITE_WINS"
	FirstWriteWins Strategy = "FIRST_WRITE_WINS"
	BusinessRule   Strategy = "BUSINESS_RULE"
)

// Record is the audit trail of one resolution. Terminal once ResolvedValue
// is set: a later divergence on the same entity produces a new Record, never
// an overwrite.
type Record struct {
	ID            uuid.UUID
	EntityTable   string
	EntityID      string
	ConflictType  Type
	SourceValue   map[string]any
	TargetValue   map[string]any
	ResolvedValue map[string]any
	Strategy      Strategy
	ResolvedAt    time.Time
	ResolvedBy    string
}
