//go:build integration

package changelog_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/suite"

	"regionsync/internal/changelog"
	txcontext "regionsync/internal/platform/tx"
	"regionsync/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	suite.Suite
	pg    *containers.PostgresContainer
	store *changelog.PostgresStore
	ctx   context.Context
}

func TestPostgresStoreSuite(t *testing.T) {
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	s.pg = containers.NewPostgresContainer(s.T())
	s.store = changelog.NewPostgres(s.pg.DB)
	s.ctx = context.Background()
}

func (s *PostgresStoreSuite) TearDownSuite() {
	_ = s.pg.DB.Close()
	_ = s.pg.Container.Terminate(s.ctx)
}

func (s *PostgresStoreSuite) SetupTest() {
	s.Require().NoError(s.pg.Truncate(s.ctx, "change_log", "change_log_sequences"))
}

func (s *PostgresStoreSuite) append(table, id string, region string) *changelog.ChangeRecord {
	record, err := s.store.Append(s.ctx, changelog.Entry{
		EntityTable:  table,
		EntityID:     id,
		Operation:    changelog.OpInsert,
		NewValue:     map[string]any{"id": id, "amount": 100.5},
		ChangedBy:    "integration",
		SourceRegion: region,
	})
	s.Require().NoError(err)
	return record
}

func (s *PostgresStoreSuite) TestAppendAndRead() {
	first := s.append("payments", "p-1", "eu-west")
	second := s.append("payments", "p-2", "eu-west")
	s.Equal(int64(1), first.Sequence)
	s.Equal(int64(2), second.Sequence)

	records, cursor, err := s.store.ReadSince(s.ctx, "", changelog.Cursor{}, "eu-west", 10)
	s.Require().NoError(err)
	s.Require().Len(records, 2)
	s.Equal(int64(2), cursor.LastSequence)
	s.Equal("p-1", records[0].EntityID)
	s.Equal(map[string]any{"id": "p-1", "amount": 100.5}, records[0].NewValue)
	s.NotEmpty(records[0].TransactionID)
}

func (s *PostgresStoreSuite) TestConcurrentAppendSequences() {
	const (
		goroutines = 8
		perWorker  = 10
	)

	var wg sync.WaitGroup
	errs := make(chan error, goroutines*perWorker)
	for iter := 0; iter < goroutines; iter++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for iter := 0; iter < perWorker; iter++ {
				_, err := s.store.Append(s.ctx, changelog.Entry{
					EntityTable:  "payments",
					EntityID:     "p-x",
					Operation:    changelog.OpUpdate,
					OldValue:     map[string]any{"v": float64(1)},
					NewValue:     map[string]any{"v": float64(2)},
					SourceRegion: "eu-west",
				})
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		s.Require().NoError(err)
	}

	records, _, err := s.store.ReadSince(s.ctx, "", changelog.Cursor{}, "eu-west", 0)
	s.Require().NoError(err)
	s.Require().Len(records, goroutines*perWorker)

	seen := make(map[int64]bool)
	for i, record := range records {
		s.False(seen[record.Sequence])
		seen[record.Sequence] = true
		if i > 0 {
			s.Greater(record.Sequence, records[i-1].Sequence)
		}
	}
}

func (s *PostgresStoreSuite) TestAppendJoinsCallerTransaction() {
	s.Run("rollback discards the record and its sequence", func() {
		boom := errors.New("business write failed")
		err := txcontext.Run(s.ctx, s.pg.DB, func(ctx context.Context) error {
			_, err := s.store.Append(ctx, changelog.Entry{
				EntityTable:  "payments",
				EntityID:     "p-doomed",
				Operation:    changelog.OpInsert,
				NewValue:     map[string]any{"id": "p-doomed"},
				SourceRegion: "eu-west",
			})
			s.Require().NoError(err)
			return boom
		})
		s.Require().ErrorIs(err, boom)

		records, _, err := s.store.ReadSince(s.ctx, "", changelog.Cursor{}, "eu-west", 10)
		s.Require().NoError(err)
		s.Empty(records, "rolled-back append must leave no record")

		record := s.append("payments", "p-1", "eu-west")
		s.Equal(int64(1), record.Sequence, "rolled-back sequence must not be burned")
	})

	s.Run("commit publishes the record with the caller's write", func() {
		err := txcontext.Run(s.ctx, s.pg.DB, func(ctx context.Context) error {
			_, err := s.store.Append(ctx, changelog.Entry{
				EntityTable:  "payments",
				EntityID:     "p-2",
				Operation:    changelog.OpInsert,
				NewValue:     map[string]any{"id": "p-2"},
				SourceRegion: "eu-west",
			})
			return err
		})
		s.Require().NoError(err)

		records, _, err := s.store.ReadSince(s.ctx, "", changelog.Cursor{}, "eu-west", 10)
		s.Require().NoError(err)
		s.Require().Len(records, 2)
		s.Equal("p-2", records[1].EntityID)
	})
}

func (s *PostgresStoreSuite) TestRegionIsolationAndFilter() {
	s.append("customers", "c-1", "eu-west")
	s.append("loans", "l-1", "eu-west")
	s.append("customers", "c-2", "us-east")

	records, cursor, err := s.store.ReadSince(s.ctx, "loans", changelog.Cursor{}, "eu-west", 10)
	s.Require().NoError(err)
	s.Require().Len(records, 1)
	s.Equal("l-1", records[0].EntityID)
	s.Equal(int64(2), cursor.LastSequence)

	records, _, err = s.store.ReadSince(s.ctx, "", changelog.Cursor{}, "us-east", 10)
	s.Require().NoError(err)
	s.Require().Len(records, 1)
	s.Equal(int64(1), records[0].Sequence, "regions count independently")
}
