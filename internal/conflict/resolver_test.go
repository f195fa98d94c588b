package conflict

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"
)

type ResolverSuite struct {
	suite.Suite
	store    *InMemoryStore
	resolver *Resolver
	ctx      context.Context
}

func TestResolverSuite(t *testing.T) {
	suite.Run(t, new(ResolverSuite))
}

func (s *ResolverSuite) SetupTest() {
	s.store = NewInMemoryStore()
	s.resolver = NewResolver(s.store, zap.NewNop())
	s.ctx = context.Background()
}

func (s *ResolverSuite) resolve(table string, source, target map[string]any, strategy Strategy) map[string]any {
	resolved, err := s.resolver.Resolve(s.ctx, table, "e-1", UpdateConflict, source, target, strategy, "test")
	s.Require().NoError(err)
	return resolved
}

func (s *ResolverSuite) TestLastWriteWins() {
	s.Run("later source wins", func() {
		source := map[string]any{"name": "new", "updated_at": "2026-03-02T10:00:00Z"}
		target := map[string]any{"name": "old", "updated_at": "2026-03-01T10:00:00Z"}
		s.Equal("new", s.resolve("accounts", source, target, LastWriteWins)["name"])
	})

	s.Run("later target wins", func() {
		source := map[string]any{"name": "old", "updated_at": "2026-03-01T10:00:00Z"}
		target := map[string]any{"name": "new", "updated_at": "2026-03-02T10:00:00Z"}
		s.Equal("new", s.resolve("accounts", source, target, LastWriteWins)["name"])
	})

	s.Run("timestamp tie keeps the target", func() {
		source := map[string]any{"name": "source", "updated_at": "2026-03-01T10:00:00Z"}
		target := map[string]any{"name": "target", "updated_at": "2026-03-01T10:00:00Z"}
		s.Equal("target", s.resolve("accounts", source, target, LastWriteWins)["name"])
	})

	s.Run("time.Time values compare against strings", func() {
		source := map[string]any{"name": "new", "updated_at": time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
		target := map[string]any{"name": "old", "updated_at": "2026-03-01T10:00:00Z"}
		s.Equal("new", s.resolve("accounts", source, target, LastWriteWins)["name"])
	})
}

func (s *ResolverSuite) TestFirstWriteWins() {
	source := map[string]any{"name": "earlier", "updated_at": "2026-03-01T10:00:00Z"}
	target := map[string]any{"name": "later", "updated_at": "2026-03-02T10:00:00Z"}
	s.Equal("earlier", s.resolve("accounts", source, target, FirstWriteWins)["name"])
}

func (s *ResolverSuite) TestCustomerRule() {
	s.Run("verified kyc wins over later unverified write", func() {
		source := map[string]any{
			"kyc_status":      "VERIFIED",
			"kyc_verified_at": "2026-03-01T09:00:00Z",
			"name":            "stale name",
			"updated_at":      "2026-03-01T09:00:00Z",
		}
		target := map[string]any{
			"kyc_status": "PENDING",
			"name":       "fresh name",
			"updated_at": "2026-03-02T09:00:00Z",
		}
		resolved := s.resolve("customers", source, target, BusinessRule)
		s.Equal("VERIFIED", resolved["kyc_status"])
		s.Equal("2026-03-01T09:00:00Z", resolved["kyc_verified_at"])
		s.Equal("fresh name", resolved["name"], "non-kyc fields still follow last write")
	})

	s.Run("higher compliance level wins independently", func() {
		source := map[string]any{
			"compliance_level": float64(3),
			"updated_at":       "2026-03-01T09:00:00Z",
		}
		target := map[string]any{
			"compliance_level": float64(1),
			"updated_at":       "2026-03-02T09:00:00Z",
		}
		resolved := s.resolve("customers", source, target, BusinessRule)
		s.Equal(float64(3), resolved["compliance_level"])
	})

	s.Run("both verified falls through to last write", func() {
		source := map[string]any{"kyc_status": "VERIFIED", "name": "a", "updated_at": "2026-03-01T09:00:00Z"}
		target := map[string]any{"kyc_status": "VERIFIED", "name": "b", "updated_at": "2026-03-02T09:00:00Z"}
		s.Equal("b", s.resolve("customers", source, target, BusinessRule)["name"])
	})
}

func (s *ResolverSuite) TestLoanRule() {
	s.Run("approved is not regressed by a later rejection", func() {
		source := map[string]any{"status": "REJECTED", "updated_at": "2026-03-02T09:00:00Z"}
		target := map[string]any{"status": "APPROVED", "updated_at": "2026-03-01T09:00:00Z"}
		s.Equal("APPROVED", s.resolve("loans", source, target, BusinessRule)["status"])
	})

	s.Run("disbursed advances over approved", func() {
		source := map[string]any{"status": "DISBURSED", "updated_at": "2026-03-01T09:00:00Z"}
		target := map[string]any{"status": "APPROVED", "updated_at": "2026-03-02T09:00:00Z"}
		s.Equal("DISBURSED", s.resolve("loans", source, target, BusinessRule)["status"])
	})

	s.Run("equal rank falls through to last write", func() {
		source := map[string]any{"status": "REJECTED", "updated_at": "2026-03-02T09:00:00Z"}
		target := map[string]any{"status": "PENDING", "updated_at": "2026-03-01T09:00:00Z"}
		s.Equal("REJECTED", s.resolve("loans", source, target, BusinessRule)["status"])
	})

	s.Run("unknown status falls through to last write", func() {
		source := map[string]any{"status": "FROZEN", "updated_at": "2026-03-02T09:00:00Z"}
		target := map[string]any{"status": "ACTIVE", "updated_at": "2026-03-01T09:00:00Z"}
		s.Equal("FROZEN", s.resolve("loans", source, target, BusinessRule)["status"])
	})
}

func (s *ResolverSuite) TestPaymentRule() {
	s.Run("completed wins over later processing write", func() {
		source := map[string]any{"status": "COMPLETED", "updated_at": "2026-03-01T09:00:00Z"}
		target := map[string]any{"status": "PROCESSING", "updated_at": "2026-03-02T09:00:00Z"}
		s.Equal("COMPLETED", s.resolve("payments", source, target, BusinessRule)["status"])
	})

	s.Run("completed target wins over source", func() {
		source := map[string]any{"status": "PENDING", "updated_at": "2026-03-02T09:00:00Z"}
		target := map[string]any{"status": "COMPLETED", "updated_at": "2026-03-01T09:00:00Z"}
		s.Equal("COMPLETED", s.resolve("payments", source, target, BusinessRule)["status"])
	})
}

func (s *ResolverSuite) TestFallback() {
	s.Run("unregistered table falls back to last write wins", func() {
		source := map[string]any{"v": "new", "updated_at": "2026-03-02T09:00:00Z"}
		target := map[string]any{"v": "old", "updated_at": "2026-03-01T09:00:00Z"}
		s.Equal("new", s.resolve("ledgers", source, target, BusinessRule)["v"])
	})

	s.Run("configured fallback is honored", func() {
		resolver := NewResolver(s.store, zap.NewNop(), WithFallback(FirstWriteWins))
		source := map[string]any{"v": "earlier", "updated_at": "2026-03-01T09:00:00Z"}
		target := map[string]any{"v": "later", "updated_at": "2026-03-02T09:00:00Z"}
		resolved, err := resolver.Resolve(s.ctx, "ledgers", "e-1", UpdateConflict, source, target, BusinessRule, "test")
		s.Require().NoError(err)
		s.Equal("earlier", resolved["v"])
	})

	s.Run("custom rule overrides the fallback", func() {
		resolver := NewResolver(s.store, zap.NewNop(), WithRule("ledgers", func(source, _ map[string]any) map[string]any {
			return source
		}))
		source := map[string]any{"v": "source"}
		target := map[string]any{"v": "target", "updated_at": "2026-03-02T09:00:00Z"}
		resolved, err := resolver.Resolve(s.ctx, "ledgers", "e-1", UpdateConflict, source, target, BusinessRule, "test")
		s.Require().NoError(err)
		s.Equal("source", resolved["v"])
	})
}

func (s *ResolverSuite) TestAuditTrail() {
	s.Run("every resolution is recorded", func() {
		source := map[string]any{"v": "a", "updated_at": "2026-03-02T09:00:00Z"}
		target := map[string]any{"v": "b", "updated_at": "2026-03-01T09:00:00Z"}
		_, err := s.resolver.Resolve(s.ctx, "accounts", "acc-7", UpdateConflict, source, target, LastWriteWins, "pair-eu-us")
		s.Require().NoError(err)

		records, err := s.store.List(s.ctx, "accounts", 10)
		s.Require().NoError(err)
		s.Require().Len(records, 1)
		s.Equal("acc-7", records[0].EntityID)
		s.Equal(UpdateConflict, records[0].ConflictType)
		s.Equal(LastWriteWins, records[0].Strategy)
		s.Equal("pair-eu-us", records[0].ResolvedBy)
		s.Equal(source, records[0].SourceValue)
		s.Equal(target, records[0].TargetValue)
		s.Equal(source, records[0].ResolvedValue)
	})

	s.Run("identical values resolve to source and are still audited", func() {
		value := map[string]any{"v": "same", "updated_at": "2026-03-01T09:00:00Z"}
		resolved, err := s.resolver.Resolve(s.ctx, "accounts", "acc-8", UpdateConflict, value, value, BusinessRule, "test")
		s.Require().NoError(err)
		s.Equal(value, resolved)

		records, err := s.store.List(s.ctx, "accounts", 10)
		s.Require().NoError(err)
		s.Len(records, 2)
	})
}
