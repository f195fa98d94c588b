package crypto

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryKeyStore keeps key version metadata in process memory.
type InMemoryKeyStore struct {
	mu       sync.RWMutex
	versions map[string][]KeyVersion
}

func NewInMemoryKeyStore() *InMemoryKeyStore {
	return &InMemoryKeyStore{versions: make(map[string][]KeyVersion)}
}

func (s *InMemoryKeyStore) Versions(_ context.Context, purpose string) ([]KeyVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]KeyVersion(nil), s.versions[purpose]...), nil
}

func (s *InMemoryKeyStore) ActiveVersion(_ context.Context, purpose string) (*KeyVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := range s.versions[purpose] {
		if s.versions[purpose][i].Status == KeyActive {
			v := s.versions[purpose][i]
			return &v, nil
		}
	}
	return nil, nil
}

func (s *InMemoryKeyStore) Put(_ context.Context, version KeyVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.versions[version.Purpose]
	for i := range list {
		if list[i].Version == version.Version {
			list[i] = version
			return nil
		}
	}
	list = append(list, version)
	sort.Slice(list, func(i, j int) bool { return list[i].Version < list[j].Version })
	s.versions[version.Purpose] = list
	return nil
}

func (s *InMemoryKeyStore) TouchRead(_ context.Context, purpose string, version int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.versions[purpose]
	for i := range list {
		if list[i].Version == version {
			list[i].LastReadAt = time.Now().UTC()
			return nil
		}
	}
	return nil
}

// RowStore is the engine's access to ciphertext rows tagged with key
// versions. Listing is ordered by row id so rotation batches can checkpoint
// on the last migrated id.
type RowStore interface {
	ListByVersion(ctx context.Context, purpose string, version int, afterID string, limit int) ([]CipherRow, error)
	Update(ctx context.Context, id string, ciphertext []byte, version int) error
	CountByVersion(ctx context.Context, purpose string, version int) (int64, error)
}

// InMemoryRowStore keeps ciphertext rows in process memory.
type InMemoryRowStore struct {
	mu   sync.RWMutex
	rows map[string]CipherRow
}

func NewInMemoryRowStore() *InMemoryRowStore {
	return &InMemoryRowStore{rows: make(map[string]CipherRow)}
}

func (s *InMemoryRowStore) Insert(_ context.Context, row CipherRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[row.ID] = row
	return nil
}

func (s *InMemoryRowStore) Get(_ context.Context, id string) (*CipherRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rows[id]
	if !ok {
		return nil, nil
	}
	return &row, nil
}

func (s *InMemoryRowStore) ListByVersion(_ context.Context, purpose string, version int, afterID string, limit int) ([]CipherRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.rows))
	for id, row := range s.rows {
		if row.Purpose == purpose && row.KeyVersion == version && id > afterID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}

	out := make([]CipherRow, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.rows[id])
	}
	return out, nil
}

func (s *InMemoryRowStore) Update(_ context.Context, id string, ciphertext []byte, version int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.rows[id]
	row.Ciphertext = ciphertext
	row.KeyVersion = version
	s.rows[id] = row
	return nil
}

func (s *InMemoryRowStore) CountByVersion(_ context.Context, purpose string, version int) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, row := range s.rows {
		if row.Purpose == purpose && row.KeyVersion == version {
			n++
		}
	}
	return n, nil
}

// JobStore persists rotation jobs and their append-only audit trail.
type JobStore interface {
	Create(ctx context.Context, job RotationJob) error
	Update(ctx context.Context, job RotationJob) error
	Get(ctx context.Context, id uuid.UUID) (*RotationJob, error)
	List(ctx context.Context, limit int) ([]RotationJob, error)
	ActiveFor(ctx context.Context, purpose string) (*RotationJob, error)
	Audit(ctx context.Context, entry JobAudit) error
	AuditTrail(ctx context.Context, jobID uuid.UUID) ([]JobAudit, error)
}

// InMemoryJobStore keeps rotation jobs in process memory.
type InMemoryJobStore struct {
	mu    sync.RWMutex
	jobs  map[uuid.UUID]RotationJob
	order []uuid.UUID
	audit map[uuid.UUID][]JobAudit
}

func NewInMemoryJobStore() *InMemoryJobStore {
	return &InMemoryJobStore{
		jobs:  make(map[uuid.UUID]RotationJob),
		audit: make(map[uuid.UUID][]JobAudit),
	}
}

func (s *InMemoryJobStore) Create(_ context.Context, job RotationJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	s.order = append(s.order, job.ID)
	return nil
}

func (s *InMemoryJobStore) Update(_ context.Context, job RotationJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	return nil
}

func (s *InMemoryJobStore) Get(_ context.Context, id uuid.UUID) (*RotationJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, nil
	}
	return &job, nil
}

func (s *InMemoryJobStore) List(_ context.Context, limit int) ([]RotationJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []RotationJob
	for i := len(s.order) - 1; i >= 0; i-- {
		out = append(out, s.jobs[s.order[i]])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *InMemoryJobStore) ActiveFor(_ context.Context, purpose string) (*RotationJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.order {
		job := s.jobs[id]
		if job.KeyPurpose == purpose && (job.Status == JobPending || job.Status == JobInProgress) {
			return &job, nil
		}
	}
	return nil, nil
}

func (s *InMemoryJobStore) Audit(_ context.Context, entry JobAudit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit[entry.JobID] = append(s.audit[entry.JobID], entry)
	return nil
}

func (s *InMemoryJobStore) AuditTrail(_ context.Context, jobID uuid.UUID) ([]JobAudit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]JobAudit(nil), s.audit[jobID]...), nil
}
