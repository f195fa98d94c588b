package partition

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

type RouterSuite struct {
	suite.Suite
	router *Router
}

func TestRouterSuite(t *testing.T) {
	suite.Run(t, new(RouterSuite))
}

func (s *RouterSuite) SetupTest() {
	shards := []Shard{
		{ShardID: 0, Region: "eu-west", IsPrimary: true, Active: true},
		{ShardID: 1, Region: "us-east", Active: true},
		{ShardID: 2, Region: "ap-south", Active: true},
		{ShardID: 3, Region: "eu-west", Active: true},
	}
	s.router = NewRouter(shards, 4, zap.NewNop(), nil)
}

func (s *RouterSuite) TestShardOf() {
	s.Run("assignment is stable", func() {
		first := s.router.ShardOf("customer-42")
		for iter := 0; iter < 1000; iter++ {
			s.Equal(first.ShardID, s.router.ShardOf("customer-42").ShardID)
		}
	})

	s.Run("all shards receive traffic", func() {
		seen := make(map[int]bool)
		for i := 0; i < 1000; i++ {
			seen[s.router.ShardOf(fmt.Sprintf("entity-%d", i)).ShardID] = true
		}
		s.Len(seen, 4)
	})

	s.Run("shard carries its region metadata", func() {
		shard := s.router.ShardOf("customer-42")
		s.NotEmpty(shard.Region)
	})
}

func (s *RouterSuite) TestCreatePartitions() {
	s.Run("monthly window yields one partition per month", func() {
		created, err := s.router.CreatePartitions("transactions", day(2026, 1, 1), day(2026, 4, 1), Monthly)
		s.Require().NoError(err)
		s.Require().Len(created, 3)
		s.Equal("transactions_202601", created[0].Name)
		s.Equal(day(2026, 1, 1), created[0].From)
		s.Equal(day(2026, 2, 1), created[0].To)
		s.Equal("transactions_202603", created[2].Name)
	})

	s.Run("re-invocation creates nothing", func() {
		created, err := s.router.CreatePartitions("transactions", day(2026, 1, 1), day(2026, 4, 1), Monthly)
		s.Require().NoError(err)
		s.Empty(created)
	})

	s.Run("extension creates only the new tail", func() {
		created, err := s.router.CreatePartitions("transactions", day(2026, 1, 1), day(2026, 6, 1), Monthly)
		s.Require().NoError(err)
		s.Require().Len(created, 2)
		s.Equal("transactions_202604", created[0].Name)
	})

	s.Run("mid-period bounds are truncated to the period", func() {
		created, err := s.router.CreatePartitions("audit", day(2026, 3, 15), day(2026, 4, 2), Monthly)
		s.Require().NoError(err)
		s.Require().Len(created, 2)
		s.Equal(day(2026, 3, 1), created[0].From)
	})

	s.Run("overlapping boundary from a different period is rejected", func() {
		_, err := s.router.CreatePartitions("transactions", day(2026, 1, 1), day(2026, 1, 2), Daily)
		s.ErrorIs(err, ErrOverlap)
	})

	s.Run("unknown period is rejected", func() {
		_, err := s.router.CreatePartitions("transactions", day(2026, 1, 1), day(2026, 2, 1), "weekly")
		s.Error(err)
	})

	s.Run("quarterly and yearly naming", func() {
		created, err := s.router.CreatePartitions("statements", day(2026, 1, 1), day(2026, 7, 1), Quarterly)
		s.Require().NoError(err)
		s.Require().Len(created, 2)
		s.Equal("statements_2026q1", created[0].Name)

		created, err = s.router.CreatePartitions("archives", day(2025, 1, 1), day(2027, 1, 1), Yearly)
		s.Require().NoError(err)
		s.Require().Len(created, 2)
		s.Equal("archives_2025", created[0].Name)
	})
}

func (s *RouterSuite) TestRoute() {
	_, err := s.router.CreatePartitions("transactions", day(2026, 1, 1), day(2026, 4, 1), Monthly)
	s.Require().NoError(err)

	s.Run("key routes to its containing partition", func() {
		d, err := s.router.Route("transactions", Key{Time: day(2026, 2, 14)})
		s.Require().NoError(err)
		s.Equal("transactions_202602", d.Name)
	})

	s.Run("lower bound is inclusive, upper exclusive", func() {
		d, err := s.router.Route("transactions", Key{Time: day(2026, 2, 1)})
		s.Require().NoError(err)
		s.Equal("transactions_202602", d.Name)

		d, err = s.router.Route("transactions", Key{Time: day(2026, 3, 1)})
		s.Require().NoError(err)
		s.Equal("transactions_202603", d.Name)
	})

	s.Run("key outside coverage fails", func() {
		_, err := s.router.Route("transactions", Key{Time: day(2026, 7, 1)})
		s.ErrorIs(err, ErrNoPartition)
	})

	s.Run("unknown table fails", func() {
		_, err := s.router.Route("ledgers", Key{Time: day(2026, 2, 1)})
		s.ErrorIs(err, ErrUnknownTable)
	})
}

func (s *RouterSuite) TestRetirePartitions() {
	_, err := s.router.CreatePartitions("transactions", day(2026, 1, 1), day(2026, 4, 1), Monthly)
	s.Require().NoError(err)

	s.Run("partitions at or before the horizon are deactivated", func() {
		retired, err := s.router.RetirePartitions("transactions", day(2026, 2, 1))
		s.Require().NoError(err)
		s.Equal(1, retired)
	})

	s.Run("retired partitions are excluded from routing", func() {
		_, err := s.router.Route("transactions", Key{Time: day(2026, 1, 15)})
		s.ErrorIs(err, ErrNoPartition)

		d, err := s.router.Route("transactions", Key{Time: day(2026, 2, 15)})
		s.Require().NoError(err)
		s.Equal("transactions_202602", d.Name)
	})

	s.Run("retired partitions stay visible to audit reads", func() {
		descriptors := s.router.Descriptors("transactions")
		s.Require().Len(descriptors, 3)
		s.False(descriptors[0].Active)
		s.True(descriptors[1].Active)
	})

	s.Run("retiring again is a no-op", func() {
		retired, err := s.router.RetirePartitions("transactions", day(2026, 2, 1))
		s.Require().NoError(err)
		s.Zero(retired)
	})

	s.Run("unknown table fails", func() {
		_, err := s.router.RetirePartitions("ledgers", day(2026, 2, 1))
		s.ErrorIs(err, ErrUnknownTable)
	})
}

func TestDescriptorContains(t *testing.T) {
	cases := []struct {
		name string
		d    Descriptor
		key  Key
		want bool
	}{
		{
			name: "range includes lower bound",
			d:    Descriptor{KeyType: RangeKey, From: day(2026, 1, 1), To: day(2026, 2, 1)},
			key:  Key{Time: day(2026, 1, 1)},
			want: true,
		},
		{
			name: "range excludes upper bound",
			d:    Descriptor{KeyType: RangeKey, From: day(2026, 1, 1), To: day(2026, 2, 1)},
			key:  Key{Time: day(2026, 2, 1)},
			want: false,
		},
		{
			name: "list matches a member",
			d:    Descriptor{KeyType: ListKey, ListValues: []string{"eu-west", "eu-central"}},
			key:  Key{Value: "eu-central"},
			want: true,
		},
		{
			name: "list rejects a non-member",
			d:    Descriptor{KeyType: ListKey, ListValues: []string{"eu-west"}},
			key:  Key{Value: "us-east"},
			want: false,
		},
		{
			name: "hash matches its slot",
			d:    Descriptor{KeyType: HashKey, HashModulus: 4, HashSlot: int(hash64("k") % 4)},
			key:  Key{Value: "k"},
			want: true,
		},
		{
			name: "composite requires both range and region",
			d:    Descriptor{KeyType: CompositeKey, From: day(2026, 1, 1), To: day(2026, 2, 1), Region: "eu-west"},
			key:  Key{Time: day(2026, 1, 15), Value: "us-east"},
			want: false,
		},
		{
			name: "composite matches range and region",
			d:    Descriptor{KeyType: CompositeKey, From: day(2026, 1, 1), To: day(2026, 2, 1), Region: "eu-west"},
			key:  Key{Time: day(2026, 1, 15), Value: "eu-west"},
			want: true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.d.Contains(tc.key); got != tc.want {
				t.Errorf("Contains() = %v, want %v", got, tc.want)
			}
		})
	}
}
