//go:build integration

package partition_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"

	"regionsync/internal/partition"
	"regionsync/pkg/testutil/containers"
)

type RedisCacheSuite struct {
	suite.Suite
	redis *containers.RedisContainer
	cache *partition.RedisCache
	ctx   context.Context
}

func TestRedisCacheSuite(t *testing.T) {
	suite.Run(t, new(RedisCacheSuite))
}

func (s *RedisCacheSuite) SetupSuite() {
	s.redis = containers.NewRedisContainer(s.T())
	s.cache = partition.NewRedisCache(s.redis.Client, time.Minute)
	s.ctx = context.Background()
}

func (s *RedisCacheSuite) TearDownSuite() {
	_ = s.redis.Client.Close()
	_ = s.redis.Container.Terminate(s.ctx)
}

func (s *RedisCacheSuite) SetupTest() {
	s.Require().NoError(s.redis.FlushAll(s.ctx))
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func (s *RedisCacheSuite) descriptors() []partition.Descriptor {
	return []partition.Descriptor{
		{
			TableName: "transactions",
			Name:      "transactions_202601",
			KeyType:   partition.RangeKey,
			From:      day(2026, 1, 1),
			To:        day(2026, 2, 1),
			Active:    true,
		},
		{
			TableName: "transactions",
			Name:      "transactions_202602",
			KeyType:   partition.RangeKey,
			From:      day(2026, 2, 1),
			To:        day(2026, 3, 1),
			Active:    true,
		},
	}
}

func (s *RedisCacheSuite) TestSetGetInvalidate() {
	s.Run("miss on a cold cache", func() {
		_, ok := s.cache.Get("transactions")
		s.False(ok)
	})

	s.Run("set then get round-trips descriptors", func() {
		s.cache.Set("transactions", s.descriptors())

		got, ok := s.cache.Get("transactions")
		s.Require().True(ok)
		s.Require().Len(got, 2)
		s.Equal("transactions_202601", got[0].Name)
		s.True(got[0].From.Equal(day(2026, 1, 1)))
	})

	s.Run("invalidate clears the table entry", func() {
		s.cache.Set("transactions", s.descriptors())
		s.cache.Invalidate("transactions")
		_, ok := s.cache.Get("transactions")
		s.False(ok)
	})

	s.Run("tables are cached independently", func() {
		s.cache.Set("transactions", s.descriptors())
		_, ok := s.cache.Get("audit_log")
		s.False(ok)
	})
}

func (s *RedisCacheSuite) TestRouterReadThrough() {
	router := partition.NewRouter(nil, 1, zap.NewNop(), s.cache)
	_, err := router.CreatePartitions("transactions", day(2026, 1, 1), day(2026, 3, 1), partition.Monthly)
	s.Require().NoError(err)

	s.Run("first read populates the cache", func() {
		descriptors := router.Descriptors("transactions")
		s.Require().Len(descriptors, 2)

		cached, ok := s.cache.Get("transactions")
		s.Require().True(ok)
		s.Len(cached, 2)
	})

	s.Run("create invalidates so extensions become visible", func() {
		_, err := router.CreatePartitions("transactions", day(2026, 1, 1), day(2026, 4, 1), partition.Monthly)
		s.Require().NoError(err)

		descriptors := router.Descriptors("transactions")
		s.Len(descriptors, 3)
	})
}
