package orders

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	EventOrderCreated       = "OrderCreated"
	EventOrderStatusChanged = "OrderStatusChanged"
	EventOrderDeleted       = "OrderDeleted"

	EventVersion = 1
)

type Envelope struct {
	EventID       string          `json:"event_id"`      // uuid
	EventType     string          `json:"event_type"`    // salah satu const di atas
	EventVersion  int             `json:"event_version"` // 1
	OccurredAt    time.Time       `json:"occurred_at"`   // RFC3339
	Producer      string          `json:"producer"`      // e.g., "order-api"
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // order_id
	Payload       json.RawMessage `json:"payload"`
}

func NewEnvelope(eventType, producer, traceID, orderID string, payload any, at time.Time) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  EventVersion,
		OccurredAt:    at.UTC(),
		Producer:      producer,
		TraceID:       traceID,
		CorrelationID: orderID,
		Payload:       raw,
	}, nil
}

type ItemQty struct {
	ProductID string `json:"product_id"`
	Size      string `json:"size,omitempty"`
	Color     string `json:"color,omitempty"`
	Qty       int    `json:"qty"`
	UnitPrice int64  `json:"unit_price"`
}

type OrderCreatedPayload struct {
	OrderID      string    `json:"order_id"`
	ExternalID   string    `json:"external_id"`
	UserID       string    `json:"user_id"`
	Items        []ItemQty `json:"items"`
	Total        int64     `json:"total"`
	EarnedPoints int64     `json:"earned_points"`
	CouponID     string    `json:"coupon_id,omitempty"`
}

type StatusChangedPayload struct {
	OrderID       string `json:"order_id"`
	UserID        string `json:"user_id"`
	From          Status `json:"from"`
	To            Status `json:"to"`
	ActorID       string `json:"actor_id"`
	StockReleased bool   `json:"stock_released"`
}

type OrderDeletedPayload struct {
	OrderID string `json:"order_id"`
	ActorID string `json:"actor_id"`
}

func createdPayload(o Order) OrderCreatedPayload {
	items := make([]ItemQty, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, ItemQty{
			ProductID: it.ProductID, Size: it.Size, Color: it.Color,
			Qty: it.Quantity, UnitPrice: it.UnitPrice,
		})
	}
	return OrderCreatedPayload{
		OrderID: o.ID, ExternalID: o.ExternalID, UserID: o.UserID,
		Items: items, Total: o.Total, EarnedPoints: o.EarnedPoints, CouponID: o.CouponID,
	}
}
