package pricing

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type DiscountType string

const (
	DiscountPercentage DiscountType = "percentage"
	DiscountFixed      DiscountType = "fixed"
)

var (
	ErrCouponUsed          = errors.New("coupon already used")
	ErrCouponExpired       = errors.New("coupon expired")
	ErrCouponMinimumNotMet = errors.New("coupon minimum purchase not met")
	ErrCouponInvalid       = errors.New("coupon invalid")
)

var hundred = decimal.NewFromInt(100)

// Coupon is a single-use discount owned by a user. Amounts are in won.
type Coupon struct {
	ID          string       `json:"id"`
	Code        string       `json:"code"`
	UserID      string       `json:"user_id"`
	Type        DiscountType `json:"discount_type"`
	Value       int64        `json:"discount_value"`
	MinPurchase int64        `json:"min_purchase"`
	ExpiresAt   time.Time    `json:"expires_at"`
	Used        bool         `json:"used"`
}

// Check reports why the coupon cannot be applied to subtotal at now, nil if it can.
func (c Coupon) Check(subtotal int64, now time.Time) error {
	switch {
	case c.Type != DiscountPercentage && c.Type != DiscountFixed:
		return fmt.Errorf("%w: unknown discount type %q", ErrCouponInvalid, c.Type)
	case c.Value < 0:
		return fmt.Errorf("%w: negative value", ErrCouponInvalid)
	case c.Used:
		return ErrCouponUsed
	case !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt):
		return ErrCouponExpired
	case subtotal < c.MinPurchase:
		return fmt.Errorf("%w: needs %d, subtotal %d", ErrCouponMinimumNotMet, c.MinPurchase, subtotal)
	}
	return nil
}

// Discount is the raw discount for subtotal; percentage rounds down to the won.
// Callers clamp against the payable amount.
func (c Coupon) Discount(subtotal int64) int64 {
	switch c.Type {
	case DiscountPercentage:
		pct := c.Value
		if pct > 100 {
			pct = 100
		}
		return decimal.NewFromInt(subtotal).Mul(decimal.NewFromInt(pct)).Div(hundred).Floor().IntPart()
	case DiscountFixed:
		return c.Value
	}
	return 0
}
