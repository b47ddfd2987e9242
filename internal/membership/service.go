package membership

import (
	"context"
	"fmt"

	"github.com/ariefcatur/go-storefront-orders/internal/logx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// SpendReader sums a user's delivered orders.
type SpendReader interface {
	CompletedSpend(ctx context.Context, userID string) (int64, error)
}

type Service struct {
	Spend SpendReader
	Tiers Table
	Log   *zap.Logger
}

type Summary struct {
	UserID string `json:"user_id"`
	Spend  int64  `json:"spend"`
	Tier   Tier   `json:"tier"`
	Next   *Tier  `json:"next,omitempty"`
	ToNext int64  `json:"to_next,omitempty"`
}

func (s *Service) Summary(ctx context.Context, userID string) (Summary, error) {
	spend, err := s.Spend.CompletedSpend(ctx, userID)
	if err != nil {
		return Summary{}, fmt.Errorf("membership spend %s: %w", userID, err)
	}
	tiers := s.tiers()
	sum := Summary{UserID: userID, Spend: spend, Tier: tiers.Lookup(spend)}
	if next, ok := tiers.Next(sum.Tier); ok {
		sum.Next = &next
		sum.ToNext = next.MinSpent - spend
	}
	return sum, nil
}

// Rate is the accrual percentage for the user's current tier. Lookup failures fall
// back to the lowest tier so checkout is never blocked by the CRM read.
func (s *Service) Rate(ctx context.Context, userID string) decimal.Decimal {
	sum, err := s.Summary(ctx, userID)
	if err != nil {
		s.logger().Warn("membership rate fallback", zap.String("user_id", userID), zap.Error(err))
		return s.tiers()[0].DiscountRate
	}
	return sum.Tier.DiscountRate
}

func (s *Service) tiers() Table {
	if len(s.Tiers) == 0 {
		return DefaultTable()
	}
	return s.Tiers
}

func (s *Service) logger() *zap.Logger { return logx.OrNop(s.Log) }
