package crypto

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// KeyStatus is the lifecycle state of one key version.
type KeyStatus string

const (
	KeyActive      KeyStatus = "ACTIVE"
	KeyRetired     KeyStatus = "RETIRED"
	KeyCompromised KeyStatus = "COMPROMISED"
	KeyPurged      KeyStatus = "PURGED"
)

// KeyVersion is one versioned symmetric key for a purpose. At most one
// version per purpose is ACTIVE for writes; retired versions stay readable
// until purged.
type KeyVersion struct {
	Purpose     string
	Version     int
	Algorithm   string
	Status      KeyStatus
	CreatedAt   time.Time
	ActivatedAt time.Time
	RetiredAt   time.Time
	LastReadAt  time.Time
	KeyChecksum string
}

// JobStatus is the state of a rotation job. Transitions are append-only:
// history is preserved in audit entries, never overwritten.
type JobStatus string

const (
	JobPending    JobStatus = "PENDING"
	JobInProgress JobStatus = "IN_PROGRESS"
	JobCompleted  JobStatus = "COMPLETED"
	JobFailed     JobStatus = "FAILED"
	JobRolledBack JobStatus = "ROLLED_BACK"
)

// RotationJob tracks one key rotation from creation to completion.
type RotationJob struct {
	ID              uuid.UUID
	KeyPurpose      string
	Reason          string
	FromVersion     int
	ToVersion       int
	Status          JobStatus
	AffectedRecords int64
	Checkpoint      string
	StartedAt       time.Time
	CompletedAt     time.Time
}

// JobAudit is one append-only status transition entry for a rotation job.
type JobAudit struct {
	JobID    uuid.UUID
	Status   JobStatus
	Detail   string
	Recorded time.Time
}

// CipherRow is one encrypted field value at rest, tagged with the key
// version that produced its ciphertext.
type CipherRow struct {
	ID          string
	EntityTable string
	EntityID    string
	Purpose     string
	KeyVersion  int
	Ciphertext  []byte
}

var (
	// ErrNoActiveKey means the purpose has no ACTIVE version to encrypt with.
	ErrNoActiveKey = errors.New("crypto: no active key version for purpose")

	// ErrKeyPurged means ciphertext references a destroyed key version.
	ErrKeyPurged = errors.New("crypto: key version has been purged")

	// ErrCiphertext covers malformed or unauthenticated ciphertext.
	ErrCiphertext = errors.New("crypto: ciphertext invalid")
)
