package orders

import (
	"errors"

	"github.com/ariefcatur/go-storefront-orders/internal/stock"
)

var (
	// ErrInsufficientStock wraps every *stock.ShortageError.
	ErrInsufficientStock = stock.ErrInsufficient
	ErrProductNotFound   = stock.ErrUnknownProduct

	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrPersistence         = errors.New("persistence failure")
	ErrOrderNotFound       = errors.New("order not found")
	ErrInvalidInput        = errors.New("invalid input")
	ErrCouponNotApplicable = errors.New("coupon not applicable")
	ErrPriceChanged        = errors.New("price changed")
	ErrForbidden           = errors.New("forbidden")
)
