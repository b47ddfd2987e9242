package orders

import "fmt"

type Status string

const (
	StatusPendingPayment  Status = "pending_payment"
	StatusPaid            Status = "paid"
	StatusPreparing       Status = "preparing"
	StatusShipping        Status = "shipping"
	StatusDelivered       Status = "delivered"
	StatusCancelRequested Status = "cancel_requested"
	StatusCancelled       Status = "cancelled"
)

// Statuses lists every status in display order.
var Statuses = []Status{
	StatusPendingPayment, StatusPaid, StatusPreparing, StatusShipping,
	StatusDelivered, StatusCancelRequested, StatusCancelled,
}

// validNext is the normal forward flow. Admin overrides go through AdminTarget.
var validNext = map[Status]map[Status]bool{
	StatusPendingPayment:  {StatusPaid: true, StatusCancelled: true},
	StatusPaid:            {StatusPreparing: true, StatusCancelRequested: true},
	StatusPreparing:       {StatusShipping: true},
	StatusShipping:        {StatusDelivered: true},
	StatusCancelRequested: {StatusCancelled: true},
	StatusDelivered:       {},
	StatusCancelled:       {},
}

var labels = map[Status]string{
	StatusPendingPayment:  "결제대기",
	StatusPaid:            "결제완료",
	StatusPreparing:       "상품준비중",
	StatusShipping:        "배송중",
	StatusDelivered:       "배송완료",
	StatusCancelRequested: "취소요청",
	StatusCancelled:       "취소완료",
}

func (s Status) Valid() bool {
	_, ok := validNext[s]
	return ok
}

// Terminal statuses accept no further transition.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

// Label is the storefront display name.
func (s Status) Label() string {
	if l, ok := labels[s]; ok {
		return l
	}
	return string(s)
}

func ParseStatus(v string) (Status, error) {
	s := Status(v)
	if !s.Valid() {
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidInput, v)
	}
	return s, nil
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

// CustomerCancelTarget is where a customer cancel moves an order: unpaid orders are
// cancelled outright, paid ones wait for the shop to approve.
func CustomerCancelTarget(from Status) (Status, error) {
	switch from {
	case StatusPendingPayment:
		return StatusCancelled, nil
	case StatusPaid:
		return StatusCancelRequested, nil
	}
	return "", fmt.Errorf("%w: cannot cancel a %s order", ErrInvalidTransition, from)
}

// AdminTarget validates an admin override. Any known status may be set on a
// non-terminal order; setting the current status again is allowed and changes nothing.
func AdminTarget(from, to Status) (Status, error) {
	if !to.Valid() {
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidInput, to)
	}
	if from == to {
		return to, nil
	}
	if from.Terminal() {
		return "", fmt.Errorf("%w: %s is final", ErrInvalidTransition, from)
	}
	return to, nil
}

// ForwardTarget validates a step of the normal flow.
func ForwardTarget(from, to Status) (Status, error) {
	if from == to {
		return to, nil
	}
	if !CanTransition(from, to) {
		return "", fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return to, nil
}
