package orders

import (
	"fmt"
	"time"

	"github.com/ariefcatur/go-storefront-orders/internal/stock"
)

// Item is a line snapshot; it never re-resolves against the live catalog.
type Item struct {
	LineNo    int    `json:"line_no"`
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
	UnitPrice int64  `json:"unit_price"`
	Quantity  int    `json:"quantity"`
	Size      string `json:"size,omitempty"`
	Color     string `json:"color,omitempty"`
	ImageURL  string `json:"image_url,omitempty"`
	Category  string `json:"category,omitempty"`
}

type Recipient struct {
	Name       string `json:"name"`
	Phone      string `json:"phone"`
	Address    string `json:"address"`
	PostalCode string `json:"postal_code"`
}

type Order struct {
	ID             string    `json:"id"`
	ExternalID     string    `json:"external_id"`
	UserID         string    `json:"user_id"`
	Status         Status    `json:"status"`
	Items          []Item    `json:"items,omitempty"`
	Subtotal       int64     `json:"subtotal"`
	ShippingFee    int64     `json:"shipping_fee"`
	GiftWrap       bool      `json:"gift_wrap"`
	GiftWrapFee    int64     `json:"gift_wrap_fee"`
	CouponID       string    `json:"coupon_id,omitempty"`
	CouponDiscount int64     `json:"coupon_discount"`
	Total          int64     `json:"total"`
	EarnedPoints   int64     `json:"earned_points"`
	Recipient      Recipient `json:"recipient"`
	Memo           string    `json:"memo,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Summary is the list/export projection of an order.
type Summary struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Status    Status    `json:"status"`
	Total     int64     `json:"total"`
	ItemCount int       `json:"item_count"`
	Recipient Recipient `json:"recipient"`
	CreatedAt time.Time `json:"created_at"`
}

type DraftLine struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	Size      string `json:"size,omitempty"`
	Color     string `json:"color,omitempty"`
}

// Draft is a checkout request. ExternalID is the client's idempotency key.
type Draft struct {
	ExternalID string      `json:"external_id"`
	UserID     string      `json:"user_id"`
	Lines      []DraftLine `json:"lines"`
	GiftWrap   bool        `json:"gift_wrap"`
	CouponID   string      `json:"coupon_id,omitempty"`
	Recipient  Recipient   `json:"recipient"`
	// ExpectedTotal is the amount the customer saw; nil skips the check.
	ExpectedTotal *int64 `json:"expected_total,omitempty"`
}

// MaxLineQuantity caps a single line; order_items.qty and reservations.qty are INT.
const MaxLineQuantity = 9_999

func (d Draft) Validate() error {
	if d.ExternalID == "" || d.UserID == "" {
		return fmt.Errorf("%w: external_id and user_id are required", ErrInvalidInput)
	}
	return validateLines(d.Lines)
}

// replay answers a repeated ExternalID. A key reused by another user is rejected.
func replay(o Order, d Draft) (Created, error) {
	if o.UserID != d.UserID {
		return Created{}, fmt.Errorf("%w: external_id %s is already in use", ErrInvalidInput, d.ExternalID)
	}
	return Created{Order: o, Existed: true}, nil
}

func validateLines(lines []DraftLine) error {
	if len(lines) == 0 {
		return fmt.Errorf("%w: no lines", ErrInvalidInput)
	}
	for i, l := range lines {
		if l.ProductID == "" || l.Quantity <= 0 {
			return fmt.Errorf("%w: line %d needs a product and a positive quantity", ErrInvalidInput, i)
		}
		if l.Quantity > MaxLineQuantity {
			return fmt.Errorf("%w: line %d quantity %d is above %d", ErrInvalidInput, i, l.Quantity, MaxLineQuantity)
		}
	}
	return nil
}

func stockLines(lines []DraftLine) []stock.Line {
	out := make([]stock.Line, len(lines))
	for i, l := range lines {
		out[i] = stock.Line{ProductID: l.ProductID, Size: l.Size, Color: l.Color, Quantity: l.Quantity}
	}
	return out
}

func productIDs(lines []DraftLine) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = l.ProductID
	}
	return out
}

// Actor is whoever triggered a change; the customer for their own orders.
type Actor struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type HistoryEntry struct {
	From      Status    `json:"from,omitempty"`
	To        Status    `json:"to"`
	ActorID   string    `json:"actor_id"`
	ActorName string    `json:"actor_name"`
	Note      string    `json:"note,omitempty"`
	At        time.Time `json:"at"`
}

// Created is the outcome of CreateOrder. Existed is set when the idempotency key had
// already produced an order; nothing was reserved in that case.
type Created struct {
	Order   Order
	Existed bool
	Stock   map[string]stock.Record
}

// Change is the outcome of a status update.
type Change struct {
	OrderID string                  `json:"order_id"`
	UserID  string                  `json:"-"`
	From    Status                  `json:"from"`
	To      Status                  `json:"to"`
	Changed bool                    `json:"changed"`
	Stock   map[string]stock.Record `json:"-"`
	At      time.Time               `json:"at"`
}

// Filter narrows admin listings. Zero values mean no constraint.
type Filter struct {
	Status Status
	UserID string
	From   time.Time
	To     time.Time
	Asc    bool
	Limit  int
	Offset int
}

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

func (f Filter) limit() int {
	switch {
	case f.Limit <= 0:
		return DefaultListLimit
	case f.Limit > MaxListLimit:
		return MaxListLimit
	}
	return f.Limit
}

// QuoteRequest prices a cart without placing it.
type QuoteRequest struct {
	UserID   string      `json:"user_id"`
	Lines    []DraftLine `json:"lines"`
	GiftWrap bool        `json:"gift_wrap"`
	CouponID string      `json:"coupon_id,omitempty"`
}
