package crypto

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"

	"regionsync/internal/changelog"
)

type ManagerSuite struct {
	suite.Suite
	keys    *InMemoryKeyStore
	rows    *InMemoryRowStore
	jobs    *InMemoryJobStore
	log     *changelog.InMemoryStore
	manager *Manager
	ctx     context.Context
}

func TestManagerSuite(t *testing.T) {
	suite.Run(t, new(ManagerSuite))
}

func (s *ManagerSuite) SetupTest() {
	s.keys = NewInMemoryKeyStore()
	s.rows = NewInMemoryRowStore()
	s.jobs = NewInMemoryJobStore()
	s.log = changelog.NewInMemoryStore()
	s.ctx = context.Background()

	keyring, err := NewKeyring("test-master-secret", s.keys)
	s.Require().NoError(err)
	s.manager = NewManager(keyring, s.keys, s.rows, s.jobs, s.log,
		"eu-west", 2, time.Minute, time.Hour, zap.NewNop())
	s.Require().NoError(s.manager.Bootstrap(s.ctx, []string{"pii"}))
}

func (s *ManagerSuite) seedRows(n int) {
	for i := 0; i < n; i++ {
		ciphertext, version, err := s.manager.EncryptActive(s.ctx, "pii", fmt.Appendf(nil, "secret-%d", i))
		s.Require().NoError(err)
		s.Require().NoError(s.rows.Insert(s.ctx, CipherRow{
			ID:          fmt.Sprintf("row-%03d", i),
			EntityTable: "customers",
			EntityID:    fmt.Sprintf("c-%d", i),
			Purpose:     "pii",
			KeyVersion:  version,
			Ciphertext:  ciphertext,
		}))
	}
}

func (s *ManagerSuite) TestBootstrap() {
	s.Run("creates version 1 active", func() {
		active, err := s.keys.ActiveVersion(s.ctx, "pii")
		s.Require().NoError(err)
		s.Require().NotNil(active)
		s.Equal(1, active.Version)
		s.Equal(algorithmName, active.Algorithm)
		s.NotEmpty(active.KeyChecksum)
	})

	s.Run("is idempotent", func() {
		s.Require().NoError(s.manager.Bootstrap(s.ctx, []string{"pii"}))
		versions, err := s.keys.Versions(s.ctx, "pii")
		s.Require().NoError(err)
		s.Len(versions, 1)
	})
}

func (s *ManagerSuite) TestRotate() {
	s.seedRows(1)

	job, err := s.manager.Rotate(s.ctx, "pii", "scheduled")
	s.Require().NoError(err)
	s.Equal(1, job.FromVersion)
	s.Equal(2, job.ToVersion)
	s.Equal(JobPending, job.Status)

	s.Run("new version is active, old retired but readable", func() {
		active, err := s.keys.ActiveVersion(s.ctx, "pii")
		s.Require().NoError(err)
		s.Equal(2, active.Version)

		versions, err := s.keys.Versions(s.ctx, "pii")
		s.Require().NoError(err)
		s.Equal(KeyRetired, versions[0].Status)

		row, err := s.rows.Get(s.ctx, "row-000")
		s.Require().NoError(err)
		plaintext, err := s.manager.Decrypt(s.ctx, "pii", row.Ciphertext)
		s.Require().NoError(err)
		s.Equal([]byte("secret-0"), plaintext)
	})

	s.Run("second rotation is refused while one is open", func() {
		_, err := s.manager.Rotate(s.ctx, "pii", "again")
		s.Error(err)
	})

	s.Run("rotation for unknown purpose is refused", func() {
		_, err := s.manager.Rotate(s.ctx, "card", "no key")
		s.ErrorIs(err, ErrNoActiveKey)
	})
}

func (s *ManagerSuite) TestProcess() {
	s.seedRows(5)

	job, err := s.manager.Rotate(s.ctx, "pii", "scheduled")
	s.Require().NoError(err)
	s.Require().NoError(s.manager.Process(s.ctx, job.ID))

	s.Run("all rows land on the new version", func() {
		remaining, err := s.rows.CountByVersion(s.ctx, "pii", 1)
		s.Require().NoError(err)
		s.Zero(remaining)

		migrated, err := s.rows.CountByVersion(s.ctx, "pii", 2)
		s.Require().NoError(err)
		s.Equal(int64(5), migrated)
	})

	s.Run("migrated rows still decrypt", func() {
		for i := 0; i < 5; i++ {
			row, err := s.rows.Get(s.ctx, fmt.Sprintf("row-%03d", i))
			s.Require().NoError(err)
			s.Equal(2, row.KeyVersion)
			plaintext, err := s.manager.Decrypt(s.ctx, "pii", row.Ciphertext)
			s.Require().NoError(err)
			s.Equal(fmt.Sprintf("secret-%d", i), string(plaintext))
		}
	})

	s.Run("job completes with counts and audit trail", func() {
		done, err := s.jobs.Get(s.ctx, job.ID)
		s.Require().NoError(err)
		s.Equal(JobCompleted, done.Status)
		s.Equal(int64(5), done.AffectedRecords)
		s.False(done.CompletedAt.IsZero())

		trail, err := s.jobs.AuditTrail(s.ctx, job.ID)
		s.Require().NoError(err)
		s.Require().Len(trail, 3)
		s.Equal(JobPending, trail[0].Status)
		s.Equal(JobInProgress, trail[1].Status)
		s.Equal(JobCompleted, trail[2].Status)
	})

	s.Run("each migrated row appended a change record", func() {
		records, _, err := s.log.ReadSince(s.ctx, "", changelog.Cursor{}, "eu-west", 0)
		s.Require().NoError(err)
		s.Len(records, 5)
		s.Equal(changelog.OpUpdate, records[0].Operation)
		s.Equal("key-rotation", records[0].ChangedBy)
		s.Equal(1, records[0].OldValue["key_version"])
		s.Equal(2, records[0].NewValue["key_version"])
	})
}

func (s *ManagerSuite) TestProcessFailure() {
	s.seedRows(3)

	job, err := s.manager.Rotate(s.ctx, "pii", "scheduled")
	s.Require().NoError(err)

	// Corrupt the last row so the first two migrate and the third fails.
	row, err := s.rows.Get(s.ctx, "row-002")
	s.Require().NoError(err)
	corrupted := append([]byte(nil), row.Ciphertext...)
	corrupted[len(corrupted)-1] ^= 0xff
	s.Require().NoError(s.rows.Update(s.ctx, "row-002", corrupted, row.KeyVersion))

	err = s.manager.Process(s.ctx, job.ID)
	s.Require().Error(err)

	failed, err := s.jobs.Get(s.ctx, job.ID)
	s.Require().NoError(err)
	s.Equal(JobFailed, failed.Status)

	s.Run("rows migrated before the failure stay on the new version", func() {
		migrated, err := s.rows.CountByVersion(s.ctx, "pii", 2)
		s.Require().NoError(err)
		s.Equal(int64(2), migrated)
	})

	s.Run("failed job can be rolled back", func() {
		s.Require().NoError(s.manager.Rollback(s.ctx, job.ID))

		rolled, err := s.jobs.Get(s.ctx, job.ID)
		s.Require().NoError(err)
		s.Equal(JobRolledBack, rolled.Status)

		onOld, err := s.rows.CountByVersion(s.ctx, "pii", 1)
		s.Require().NoError(err)
		s.Equal(int64(2), onOld, "migrated rows return to the old version")

		active, err := s.keys.ActiveVersion(s.ctx, "pii")
		s.Require().NoError(err)
		s.Equal(1, active.Version)
	})

	s.Run("completed job cannot be rolled back", func() {
		err := s.manager.Rollback(s.ctx, job.ID)
		s.Error(err)
	})
}

func (s *ManagerSuite) TestResumeFromCheckpoint() {
	s.seedRows(5)

	job, err := s.manager.Rotate(s.ctx, "pii", "scheduled")
	s.Require().NoError(err)

	// Cancel after the context's first batch; the job stays IN_PROGRESS.
	cancelled, cancel := context.WithCancel(s.ctx)
	cancel()
	err = s.manager.Process(cancelled, job.ID)
	s.ErrorIs(err, context.Canceled)

	interrupted, err := s.jobs.Get(s.ctx, job.ID)
	s.Require().NoError(err)
	s.Equal(JobInProgress, interrupted.Status)

	s.Require().NoError(s.manager.Process(s.ctx, job.ID))

	done, err := s.jobs.Get(s.ctx, job.ID)
	s.Require().NoError(err)
	s.Equal(JobCompleted, done.Status)
	s.Equal(int64(5), done.AffectedRecords)

	remaining, err := s.rows.CountByVersion(s.ctx, "pii", 1)
	s.Require().NoError(err)
	s.Zero(remaining)
}

func (s *ManagerSuite) TestPurge() {
	s.seedRows(2)

	job, err := s.manager.Rotate(s.ctx, "pii", "scheduled")
	s.Require().NoError(err)

	s.Run("not eligible while rows remain on the old version", func() {
		eligible, err := s.manager.PurgeEligible(s.ctx, "pii", 1)
		s.Require().NoError(err)
		s.False(eligible)
	})

	s.Require().NoError(s.manager.Process(s.ctx, job.ID))

	s.Run("not eligible inside the grace period", func() {
		eligible, err := s.manager.PurgeEligible(s.ctx, "pii", 1)
		s.Require().NoError(err)
		s.False(eligible)

		err = s.manager.Purge(s.ctx, "pii", 1)
		s.Error(err)
	})

	s.Run("eligible once the grace period has elapsed without reads", func() {
		versions, err := s.keys.Versions(s.ctx, "pii")
		s.Require().NoError(err)
		old := versions[0]
		old.RetiredAt = time.Now().UTC().Add(-2 * time.Hour)
		old.LastReadAt = time.Now().UTC().Add(-2 * time.Hour)
		s.Require().NoError(s.keys.Put(s.ctx, old))

		eligible, err := s.manager.PurgeEligible(s.ctx, "pii", 1)
		s.Require().NoError(err)
		s.True(eligible)

		s.Require().NoError(s.manager.Purge(s.ctx, "pii", 1))

		versions, err = s.keys.Versions(s.ctx, "pii")
		s.Require().NoError(err)
		s.Equal(KeyPurged, versions[0].Status)
	})

	s.Run("active version is never eligible", func() {
		eligible, err := s.manager.PurgeEligible(s.ctx, "pii", 2)
		s.Require().NoError(err)
		s.False(eligible)
	})
}
