package pricing

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Policy holds the store-wide fee settings in won.
type Policy struct {
	FreeShippingThreshold int64 `json:"free_shipping_threshold"`
	ShippingFee           int64 `json:"shipping_fee"`
	GiftWrapFee           int64 `json:"gift_wrap_fee"`
}

func DefaultPolicy() Policy {
	return Policy{FreeShippingThreshold: 50000, ShippingFee: 3000, GiftWrapFee: 3000}
}

type Input struct {
	Subtotal int64
	GiftWrap bool
	Coupon   *Coupon
	// MembershipRate is a percentage (3 = 3%) used for loyalty accrual only.
	MembershipRate decimal.Decimal
	Now            time.Time
}

// Quote is the full breakdown of a payable amount.
type Quote struct {
	Subtotal       int64  `json:"subtotal"`
	Shipping       int64  `json:"shipping"`
	GiftWrap       int64  `json:"gift_wrap"`
	CouponID       string `json:"coupon_id,omitempty"`
	CouponApplied  bool   `json:"coupon_applied"`
	CouponDiscount int64  `json:"coupon_discount"`
	Total          int64  `json:"total"`
	EarnedPoints   int64  `json:"earned_points"`

	// CouponRejection is set when a coupon was supplied but cannot be applied.
	// The caller has to deselect it before placing the order.
	CouponRejection error `json:"-"`
}

// Calculate is pure: the same input always yields the same quote and Total is never
// negative. The membership rate never reduces the price.
func (p Policy) Calculate(in Input) Quote {
	subtotal := in.Subtotal
	if subtotal < 0 {
		subtotal = 0
	}
	q := Quote{Subtotal: subtotal}

	if subtotal <= p.FreeShippingThreshold {
		q.Shipping = p.ShippingFee
	}
	if in.GiftWrap {
		q.GiftWrap = p.GiftWrapFee
	}
	gross := subtotal + q.Shipping + q.GiftWrap

	if in.Coupon != nil {
		q.CouponID = in.Coupon.ID
		if err := in.Coupon.Check(subtotal, in.Now); err != nil {
			q.CouponRejection = err
		} else {
			q.CouponApplied = true
			q.CouponDiscount = min(in.Coupon.Discount(subtotal), gross)
		}
	}

	q.Total = max(gross-q.CouponDiscount, 0)
	q.EarnedPoints = Accrual(q.Total, in.MembershipRate)
	return q
}

// Accrual is floor(total * rate%) points, zero for non-positive rates.
func Accrual(total int64, ratePercent decimal.Decimal) int64 {
	if total <= 0 || !ratePercent.IsPositive() {
		return 0
	}
	return decimal.NewFromInt(total).Mul(ratePercent).Div(hundred).Floor().IntPart()
}

// Line is a priced cart line.
type Line struct {
	UnitPrice int64
	Quantity  int
}

// MaxAmount bounds any cart amount in won. Fees and discounts added on top of it
// stay far away from int64 overflow.
const MaxAmount int64 = 1_000_000_000_000

var ErrInvalidAmount = errors.New("invalid amount")

// Subtotal sums the lines, rejecting negative inputs and anything above MaxAmount.
func Subtotal(lines []Line) (int64, error) {
	var sum int64
	for i, l := range lines {
		if l.UnitPrice < 0 || l.Quantity < 0 {
			return 0, fmt.Errorf("%w: line %d has a negative price or quantity", ErrInvalidAmount, i)
		}
		// cek sebelum kali supaya tidak overflow
		if l.UnitPrice > 0 && int64(l.Quantity) > (MaxAmount-sum)/l.UnitPrice {
			return 0, fmt.Errorf("%w: line %d exceeds %d", ErrInvalidAmount, i, MaxAmount)
		}
		sum += l.UnitPrice * int64(l.Quantity)
	}
	return sum, nil
}
