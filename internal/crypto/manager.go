package crypto

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"regionsync/internal/changelog"
)

// Manager owns the encryption key lifecycle: versioned keys, zero-downtime
// rotation with batch checkpoints, rollback, and purge eligibility. Every
// successful re-encryption is appended to the change log as an UPDATE so
// rotations replicate like any other mutation.
type Manager struct {
	keyring      *Keyring
	keys         KeyStore
	rows         RowStore
	jobs         JobStore
	log          changelog.Store
	region       string
	batchSize    int
	batchTimeout time.Duration
	gracePeriod  time.Duration
	logger       *zap.Logger
}

func NewManager(
	keyring *Keyring,
	keys KeyStore,
	rows RowStore,
	jobs JobStore,
	log changelog.Store,
	region string,
	batchSize int,
	batchTimeout time.Duration,
	gracePeriod time.Duration,
	logger *zap.Logger,
) *Manager {
	if batchSize <= 0 {
		batchSize = 500
	}
	return &Manager{
		keyring:      keyring,
		keys:         keys,
		rows:         rows,
		jobs:         jobs,
		log:          log,
		region:       region,
		batchSize:    batchSize,
		batchTimeout: batchTimeout,
		gracePeriod:  gracePeriod,
		logger:       logger,
	}
}

// Bootstrap ensures version 1 exists and is active for each purpose.
func (m *Manager) Bootstrap(ctx context.Context, purposes []string) error {
	for _, purpose := range purposes {
		active, err := m.keys.ActiveVersion(ctx, purpose)
		if err != nil {
			return fmt.Errorf("load active version for %s: %w", purpose, err)
		}
		if active != nil {
			continue
		}
		checksum, err := m.keyring.Checksum(purpose, 1)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		err = m.keys.Put(ctx, KeyVersion{
			Purpose:     purpose,
			Version:     1,
			Algorithm:   algorithmName,
			Status:      KeyActive,
			CreatedAt:   now,
			ActivatedAt: now,
			KeyChecksum: checksum,
		})
		if err != nil {
			return fmt.Errorf("bootstrap key for %s: %w", purpose, err)
		}
	}
	return nil
}

// EncryptActive seals plaintext under the purpose's currently active
// version. The version is looked up per call and passed into the envelope
// explicitly; there is no process-wide current key.
func (m *Manager) EncryptActive(ctx context.Context, purpose string, plaintext []byte) ([]byte, int, error) {
	active, err := m.keys.ActiveVersion(ctx, purpose)
	if err != nil {
		return nil, 0, fmt.Errorf("load active version: %w", err)
	}
	if active == nil {
		return nil, 0, fmt.Errorf("%w: %s", ErrNoActiveKey, purpose)
	}
	ciphertext, err := m.keyring.Encrypt(purpose, active.Version, plaintext)
	if err != nil {
		return nil, 0, err
	}
	return ciphertext, active.Version, nil
}

// Decrypt opens ciphertext under whichever unpurged version produced it.
func (m *Manager) Decrypt(ctx context.Context, purpose string, ciphertext []byte) ([]byte, error) {
	plaintext, _, err := m.keyring.Decrypt(ctx, purpose, ciphertext)
	return plaintext, err
}

// Rotate creates the next key version for the purpose and a PENDING rotation
// job. The outgoing version is retired for writes but stays readable.
// Process executes the migration; callers that want the full rotation run
// both.
func (m *Manager) Rotate(ctx context.Context, purpose, reason string) (*RotationJob, error) {
	if existing, err := m.jobs.ActiveFor(ctx, purpose); err != nil {
		return nil, fmt.Errorf("check active jobs: %w", err)
	} else if existing != nil {
		return nil, fmt.Errorf("crypto: rotation %s already %s for purpose %s",
			existing.ID, existing.Status, purpose)
	}

	active, err := m.keys.ActiveVersion(ctx, purpose)
	if err != nil {
		return nil, fmt.Errorf("load active version: %w", err)
	}
	if active == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoActiveKey, purpose)
	}

	toVersion := active.Version + 1
	checksum, err := m.keyring.Checksum(purpose, toVersion)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if err := m.keys.Put(ctx, KeyVersion{
		Purpose:     purpose,
		Version:     toVersion,
		Algorithm:   algorithmName,
		Status:      KeyActive,
		CreatedAt:   now,
		ActivatedAt: now,
		KeyChecksum: checksum,
	}); err != nil {
		return nil, fmt.Errorf("create key version: %w", err)
	}
	active.Status = KeyRetired
	active.RetiredAt = now
	if err := m.keys.Put(ctx, *active); err != nil {
		return nil, fmt.Errorf("retire key version: %w", err)
	}

	job := RotationJob{
		ID:          uuid.New(),
		KeyPurpose:  purpose,
		Reason:      reason,
		FromVersion: active.Version,
		ToVersion:   toVersion,
		Status:      JobPending,
		StartedAt:   now,
	}
	if err := m.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create rotation job: %w", err)
	}
	if err := m.audit(ctx, job.ID, JobPending, reason); err != nil {
		return nil, err
	}

	m.logger.Info("rotation created",
		zap.String("purpose", purpose),
		zap.Int("from_version", job.FromVersion),
		zap.Int("to_version", job.ToVersion),
	)
	return &job, nil
}

// Process runs (or resumes) a rotation job's migration. Each batch commits
// and checkpoints before the next starts, so a crash resumes from the last
// committed batch. A row that fails to decrypt or re-encrypt fails the job;
// already migrated rows stay on the new version.
func (m *Manager) Process(ctx context.Context, jobID uuid.UUID) error {
	job, err := m.jobs.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load rotation job: %w", err)
	}
	if job == nil {
		return fmt.Errorf("crypto: unknown rotation job %s", jobID)
	}
	if job.Status != JobPending && job.Status != JobInProgress {
		return fmt.Errorf("crypto: job %s is %s, not runnable", jobID, job.Status)
	}

	if job.Status == JobPending {
		job.Status = JobInProgress
		if err := m.jobs.Update(ctx, *job); err != nil {
			return fmt.Errorf("mark job in progress: %w", err)
		}
		if err := m.audit(ctx, job.ID, JobInProgress, "migration started"); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			// Abandon without force-killing mid-write; the job stays
			// IN_PROGRESS and resumes from its checkpoint.
			return ctx.Err()
		default:
		}

		migrated, lastID, err := m.migrateBatch(ctx, job, job.FromVersion, job.ToVersion, job.Checkpoint)
		if err != nil {
			job.Status = JobFailed
			if updateErr := m.jobs.Update(ctx, *job); updateErr != nil {
				m.logger.Error("mark job failed", zap.Error(updateErr))
			}
			if auditErr := m.audit(ctx, job.ID, JobFailed, err.Error()); auditErr != nil {
				m.logger.Error("audit job failure", zap.Error(auditErr))
			}
			return fmt.Errorf("rotation %s failed: %w", job.ID, err)
		}
		if migrated == 0 {
			break
		}

		job.Checkpoint = lastID
		job.AffectedRecords += int64(migrated)
		if err := m.jobs.Update(ctx, *job); err != nil {
			return fmt.Errorf("checkpoint job: %w", err)
		}
	}

	job.Status = JobCompleted
	job.CompletedAt = time.Now().UTC()
	if err := m.jobs.Update(ctx, *job); err != nil {
		return fmt.Errorf("mark job completed: %w", err)
	}
	if err := m.audit(ctx, job.ID, JobCompleted,
		fmt.Sprintf("%d records migrated", job.AffectedRecords)); err != nil {
		return err
	}

	m.logger.Info("rotation completed",
		zap.String("purpose", job.KeyPurpose),
		zap.Int64("affected_records", job.AffectedRecords),
	)
	return nil
}

// migrateBatch re-encrypts one batch from fromVersion to toVersion and
// returns how many rows moved and the last migrated row id.
func (m *Manager) migrateBatch(ctx context.Context, job *RotationJob, fromVersion, toVersion int, afterID string) (int, string, error) {
	if m.batchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.batchTimeout)
		defer cancel()
	}

	batch, err := m.rows.ListByVersion(ctx, job.KeyPurpose, fromVersion, afterID, m.batchSize)
	if err != nil {
		return 0, afterID, fmt.Errorf("list rows on v%d: %w", fromVersion, err)
	}

	lastID := afterID
	for _, row := range batch {
		plaintext, _, err := m.keyring.Decrypt(ctx, row.Purpose, row.Ciphertext)
		if err != nil {
			return 0, lastID, fmt.Errorf("decrypt row %s: %w", row.ID, err)
		}
		ciphertext, err := m.keyring.Encrypt(row.Purpose, toVersion, plaintext)
		if err != nil {
			return 0, lastID, fmt.Errorf("re-encrypt row %s: %w", row.ID, err)
		}
		if err := m.rows.Update(ctx, row.ID, ciphertext, toVersion); err != nil {
			return 0, lastID, fmt.Errorf("store row %s: %w", row.ID, err)
		}

		_, err = m.log.Append(ctx, changelog.Entry{
			EntityTable:  row.EntityTable,
			EntityID:     row.EntityID,
			Operation:    changelog.OpUpdate,
			OldValue:     map[string]any{"key_purpose": row.Purpose, "key_version": fromVersion},
			NewValue:     map[string]any{"key_purpose": row.Purpose, "key_version": toVersion},
			ChangedBy:    "key-rotation",
			SourceRegion: m.region,
		})
		if err != nil {
			return 0, lastID, fmt.Errorf("append rotation change: %w", err)
		}
		lastID = row.ID
	}
	return len(batch), lastID, nil
}

// Rollback re-encrypts every row the job migrated back to the outgoing
// version and reactivates it. Operator-triggered; valid from FAILED or an
// abandoned IN_PROGRESS.
func (m *Manager) Rollback(ctx context.Context, jobID uuid.UUID) error {
	job, err := m.jobs.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load rotation job: %w", err)
	}
	if job == nil {
		return fmt.Errorf("crypto: unknown rotation job %s", jobID)
	}
	if job.Status != JobFailed && job.Status != JobInProgress {
		return fmt.Errorf("crypto: job %s is %s, not rollbackable", jobID, job.Status)
	}

	reverse := *job
	reverse.Checkpoint = ""
	for {
		migrated, lastID, err := m.migrateBatch(ctx, &reverse, job.ToVersion, job.FromVersion, reverse.Checkpoint)
		if err != nil {
			return fmt.Errorf("rollback %s: %w", job.ID, err)
		}
		if migrated == 0 {
			break
		}
		reverse.Checkpoint = lastID
	}

	versions, err := m.keys.Versions(ctx, job.KeyPurpose)
	if err != nil {
		return fmt.Errorf("load key versions: %w", err)
	}
	now := time.Now().UTC()
	for _, v := range versions {
		switch v.Version {
		case job.FromVersion:
			v.Status = KeyActive
			v.RetiredAt = time.Time{}
			v.ActivatedAt = now
		case job.ToVersion:
			v.Status = KeyRetired
			v.RetiredAt = now
		default:
			continue
		}
		if err := m.keys.Put(ctx, v); err != nil {
			return fmt.Errorf("restore key version %d: %w", v.Version, err)
		}
	}

	job.Status = JobRolledBack
	job.CompletedAt = now
	if err := m.jobs.Update(ctx, *job); err != nil {
		return fmt.Errorf("mark job rolled back: %w", err)
	}
	return m.audit(ctx, job.ID, JobRolledBack, "operator rollback")
}

// PurgeEligible reports whether a retired version may be physically
// destroyed: its rotation completed, no ciphertext references it, and the
// grace period has elapsed without a read against it.
func (m *Manager) PurgeEligible(ctx context.Context, purpose string, version int) (bool, error) {
	versions, err := m.keys.Versions(ctx, purpose)
	if err != nil {
		return false, fmt.Errorf("load key versions: %w", err)
	}
	var target *KeyVersion
	for i := range versions {
		if versions[i].Version == version {
			target = &versions[i]
			break
		}
	}
	if target == nil || target.Status != KeyRetired {
		return false, nil
	}

	remaining, err := m.rows.CountByVersion(ctx, purpose, version)
	if err != nil {
		return false, fmt.Errorf("count rows on v%d: %w", version, err)
	}
	if remaining > 0 {
		return false, nil
	}

	lastActivity := target.RetiredAt
	if target.LastReadAt.After(lastActivity) {
		lastActivity = target.LastReadAt
	}
	return time.Since(lastActivity) >= m.gracePeriod, nil
}

// Purge destroys a key version. After this, ciphertext tagged with it is
// permanently unreadable.
func (m *Manager) Purge(ctx context.Context, purpose string, version int) error {
	eligible, err := m.PurgeEligible(ctx, purpose, version)
	if err != nil {
		return err
	}
	if !eligible {
		return errors.New("crypto: key version not eligible for purge")
	}

	versions, err := m.keys.Versions(ctx, purpose)
	if err != nil {
		return fmt.Errorf("load key versions: %w", err)
	}
	for _, v := range versions {
		if v.Version == version {
			v.Status = KeyPurged
			if err := m.keys.Put(ctx, v); err != nil {
				return fmt.Errorf("purge key version: %w", err)
			}
			m.logger.Info("key version purged",
				zap.String("purpose", purpose),
				zap.Int("version", version),
			)
			return nil
		}
	}
	return fmt.Errorf("crypto: unknown key version %s v%d", purpose, version)
}

// Jobs exposes rotation jobs for the ops surface.
func (m *Manager) Jobs(ctx context.Context, limit int) ([]RotationJob, error) {
	return m.jobs.List(ctx, limit)
}

func (m *Manager) audit(ctx context.Context, jobID uuid.UUID, status JobStatus, detail string) error {
	err := m.jobs.Audit(ctx, JobAudit{
		JobID:    jobID,
		Status:   status,
		Detail:   detail,
		Recorded: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("append job audit: %w", err)
	}
	return nil
}
