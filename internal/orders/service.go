package orders

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/ariefcatur/go-storefront-orders/internal/audit"
	kafkax "github.com/ariefcatur/go-storefront-orders/internal/kafka"
	"github.com/ariefcatur/go-storefront-orders/internal/logx"
	"github.com/ariefcatur/go-storefront-orders/internal/pricing"
	"github.com/ariefcatur/go-storefront-orders/internal/stock"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Store is the persistence the service drives; *Repo implements it.
type Store interface {
	CreateOrder(ctx context.Context, d Draft, rate decimal.Decimal) (Created, error)
	PriceCart(ctx context.Context, req QuoteRequest, rate decimal.Decimal) (pricing.Quote, error)
	Transition(ctx context.Context, id string, decide Decider, actor Actor, note string) (Change, error)
	Get(ctx context.Context, id string) (Order, error)
	Status(ctx context.Context, id string) (Status, time.Time, error)
	History(ctx context.Context, id string) ([]HistoryEntry, error)
	List(ctx context.Context, f Filter) ([]Summary, error)
	Delete(ctx context.Context, id string) (Order, error)
	UpdateMemo(ctx context.Context, id, memo string) error
}

type RateSource interface {
	Rate(ctx context.Context, userID string) decimal.Decimal
}

type Publisher interface {
	Publish(key, value []byte, headers ...kafka.Header) error
}

type Cache interface {
	LookupOrder(ctx context.Context, externalID string) (string, bool)
	RememberOrder(ctx context.Context, externalID, orderID string) error
	SetStatus(ctx context.Context, orderID, status string, at time.Time) error
	CachedStatus(ctx context.Context, orderID string) (string, time.Time, bool)
	DropStatus(ctx context.Context, orderID string) error
}

type StockNotifier interface {
	PublishStock(ctx context.Context, snap stock.Snapshot) error
}

// Service is the order engine entry point. Store is required; the other
// collaborators are optional and never fail a committed operation.
type Service struct {
	Store    Store
	Rates    RateSource
	Events   Publisher
	Cache    Cache
	Stock    StockNotifier
	Audit    audit.Sink
	Log      *zap.Logger
	Producer string
	MaxBatch int
	Now      func() time.Time
}

const defaultMaxBatch = 200

// StatusView is the lightweight status read.
type StatusView struct {
	OrderID   string    `json:"order_id"`
	Status    Status    `json:"status"`
	Label     string    `json:"label"`
	UpdatedAt time.Time `json:"updated_at"`
	Cached    bool      `json:"cached"`
}

// Result is one entry of a batch status update.
type Result struct {
	OrderID string
	Change  Change
	Err     error
}

type traceKey struct{}

func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceKey{}, id)
}

func traceID(ctx context.Context) string {
	id, _ := ctx.Value(traceKey{}).(string)
	return id
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) logger() *zap.Logger { return logx.OrNop(s.Log) }

func (s *Service) rate(ctx context.Context, userID string) decimal.Decimal {
	if s.Rates == nil {
		return decimal.Zero
	}
	return s.Rates.Rate(ctx, userID)
}

func (s *Service) Quote(ctx context.Context, req QuoteRequest) (pricing.Quote, error) {
	if req.UserID == "" {
		return pricing.Quote{}, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	if err := validateLines(req.Lines); err != nil {
		return pricing.Quote{}, err
	}
	return s.Store.PriceCart(ctx, req, s.rate(ctx, req.UserID))
}

// CreateOrder places the order. Replaying the same ExternalID returns the original
// order without reserving again.
func (s *Service) CreateOrder(ctx context.Context, d Draft) (Created, error) {
	if err := d.Validate(); err != nil {
		return Created{}, err
	}
	// fast path idempotency via Redis, DB tetap jadi kebenaran
	if s.Cache != nil {
		if id, ok := s.Cache.LookupOrder(ctx, d.ExternalID); ok {
			if o, err := s.Store.Get(ctx, id); err == nil {
				return replay(o, d)
			}
		}
	}

	created, err := s.Store.CreateOrder(ctx, d, s.rate(ctx, d.UserID))
	if err != nil {
		s.logFailure("create order", err, zap.String("external_id", d.ExternalID), zap.String("user_id", d.UserID))
		return Created{}, err
	}
	o := created.Order
	if s.Cache != nil {
		if err := s.Cache.RememberOrder(ctx, d.ExternalID, o.ID); err != nil {
			s.logger().Warn("cache idempotency key", zap.String("order_id", o.ID), zap.Error(err))
		}
	}
	if created.Existed {
		return created, nil
	}

	s.cacheStatus(ctx, o.ID, o.Status, o.CreatedAt)
	s.publish(ctx, EventOrderCreated, o.ID, createdPayload(o))
	s.notifyStock(ctx, created.Stock)
	s.record(ctx, audit.NewEntry(o.UserID, "customer", audit.ActionOrderCreate, o.ID,
		fmt.Sprintf("주문 생성: %d건, 결제금액 %d원", len(o.Items), o.Total), s.now()))
	s.logger().Info("order created", zap.String("order_id", o.ID), zap.String("user_id", o.UserID), zap.Int64("total", o.Total))
	return created, nil
}

func (s *Service) Get(ctx context.Context, id string) (Order, error) {
	return s.Store.Get(ctx, id)
}

func (s *Service) History(ctx context.Context, id string) ([]HistoryEntry, error) {
	return s.Store.History(ctx, id)
}

// Status reads the cached status first and falls back to Postgres.
func (s *Service) Status(ctx context.Context, id string) (StatusView, error) {
	if s.Cache != nil {
		if st, at, ok := s.Cache.CachedStatus(ctx, id); ok {
			return StatusView{OrderID: id, Status: Status(st), Label: Status(st).Label(), UpdatedAt: at, Cached: true}, nil
		}
	}
	st, at, err := s.Store.Status(ctx, id)
	if err != nil {
		return StatusView{}, err
	}
	s.cacheStatus(ctx, id, st, at)
	return StatusView{OrderID: id, Status: st, Label: st.Label(), UpdatedAt: at}, nil
}

// CancelByCustomer cancels an unpaid order or requests cancellation of a paid one.
func (s *Service) CancelByCustomer(ctx context.Context, id, userID string) (Change, error) {
	actor := Actor{ID: userID, Name: "customer"}
	return s.transition(ctx, id, func(o Order) (Status, error) {
		if o.UserID != userID {
			return "", fmt.Errorf("%w: order %s belongs to another user", ErrForbidden, id)
		}
		return CustomerCancelTarget(o.Status)
	}, actor, "customer cancel")
}

// ConfirmPayment moves a pending order to paid.
func (s *Service) ConfirmPayment(ctx context.Context, id string, actor Actor) (Change, error) {
	return s.transition(ctx, id, func(o Order) (Status, error) {
		return ForwardTarget(o.Status, StatusPaid)
	}, actor, "payment confirmed")
}

// UpdateStatus is the admin override for a single order.
func (s *Service) UpdateStatus(ctx context.Context, id string, to Status, actor Actor, note string) (Change, error) {
	return s.transition(ctx, id, func(o Order) (Status, error) {
		return AdminTarget(o.Status, to)
	}, actor, note)
}

// UpdateStatuses applies one admin status to many orders. Each order commits on its
// own, so one failure does not roll back the others.
func (s *Service) UpdateStatuses(ctx context.Context, ids []string, to Status, actor Actor, note string) ([]Result, error) {
	if !to.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, to)
	}
	ids = dedupe(ids)
	limit := s.MaxBatch
	if limit <= 0 {
		limit = defaultMaxBatch
	}
	switch {
	case len(ids) == 0:
		return nil, fmt.Errorf("%w: no order ids", ErrInvalidInput)
	case len(ids) > limit:
		return nil, fmt.Errorf("%w: at most %d orders per batch", ErrInvalidInput, limit)
	}

	out := make([]Result, 0, len(ids))
	for _, id := range ids {
		ch, err := s.UpdateStatus(ctx, id, to, actor, note)
		out = append(out, Result{OrderID: id, Change: ch, Err: err})
	}
	return out, nil
}

func (s *Service) transition(ctx context.Context, id string, decide Decider, actor Actor, note string) (Change, error) {
	if id == "" {
		return Change{}, fmt.Errorf("%w: order id is required", ErrInvalidInput)
	}
	ch, err := s.Store.Transition(ctx, id, decide, actor, note)
	if err != nil {
		s.logFailure("status change", err, zap.String("order_id", id), zap.String("actor_id", actor.ID))
		return Change{}, err
	}
	if !ch.Changed {
		return ch, nil
	}

	// transisi paralel bisa commit dalam urutan lain; hapus saja, Status() isi ulang dari DB
	s.dropStatus(ctx, ch.OrderID)
	s.publish(ctx, EventOrderStatusChanged, ch.OrderID, StatusChangedPayload{
		OrderID: ch.OrderID, UserID: ch.UserID, From: ch.From, To: ch.To,
		ActorID: actor.ID, StockReleased: len(ch.Stock) > 0,
	})
	s.notifyStock(ctx, ch.Stock)
	desc := fmt.Sprintf("주문 상태 변경: %s → %s", ch.From.Label(), ch.To.Label())
	if note != "" {
		desc += " (" + note + ")"
	}
	s.record(ctx, audit.NewEntry(actor.ID, actor.Name, audit.ActionOrderStatus, ch.OrderID, desc, ch.At))
	return ch, nil
}

func (s *Service) List(ctx context.Context, f Filter) ([]Summary, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, f.Status)
	}
	if !f.From.IsZero() && !f.To.IsZero() && f.To.Before(f.From) {
		return nil, fmt.Errorf("%w: range end before start", ErrInvalidInput)
	}
	return s.Store.List(ctx, f)
}

// Delete removes a cancelled order.
func (s *Service) Delete(ctx context.Context, id string, actor Actor) error {
	o, err := s.Store.Delete(ctx, id)
	if err != nil {
		s.logFailure("delete order", err, zap.String("order_id", id))
		return err
	}
	s.dropStatus(ctx, id)
	s.publish(ctx, EventOrderDeleted, id, OrderDeletedPayload{OrderID: id, ActorID: actor.ID})
	s.record(ctx, audit.NewEntry(actor.ID, actor.Name, audit.ActionOrderDelete, id,
		fmt.Sprintf("취소 주문 삭제: 사용자 %s, %d원", o.UserID, o.Total), s.now()))
	return nil
}

func (s *Service) UpdateMemo(ctx context.Context, id, memo string, actor Actor) error {
	if err := s.Store.UpdateMemo(ctx, id, memo); err != nil {
		s.logFailure("update memo", err, zap.String("order_id", id))
		return err
	}
	s.record(ctx, audit.NewEntry(actor.ID, actor.Name, audit.ActionOrderMemo, id, "관리자 메모 수정", s.now()))
	return nil
}

func (s *Service) cacheStatus(ctx context.Context, id string, st Status, at time.Time) {
	if s.Cache == nil {
		return
	}
	if err := s.Cache.SetStatus(ctx, id, string(st), at); err != nil {
		s.logger().Warn("cache status", zap.String("order_id", id), zap.Error(err))
	}
}

func (s *Service) dropStatus(ctx context.Context, id string) {
	if s.Cache == nil {
		return
	}
	if err := s.Cache.DropStatus(ctx, id); err != nil {
		s.logger().Warn("cache drop status", zap.String("order_id", id), zap.Error(err))
	}
}

func (s *Service) publish(ctx context.Context, eventType, orderID string, payload any) {
	if s.Events == nil {
		return
	}
	ev, err := NewEnvelope(eventType, s.Producer, traceID(ctx), orderID, payload, s.now())
	if err != nil {
		s.logger().Error("build event", zap.String("event_type", eventType), zap.Error(err))
		return
	}
	err = s.Events.Publish(PartitionKey(orderID), kafkax.MustMarshal(ev),
		kafka.Header{Key: HeaderEventType, Value: []byte(eventType)},
		kafka.Header{Key: HeaderEventVersion, Value: []byte(fmt.Sprint(EventVersion))},
	)
	if err != nil {
		s.logger().Warn("publish event", zap.String("event_type", eventType), zap.String("order_id", orderID), zap.Error(err))
	}
}

func (s *Service) notifyStock(ctx context.Context, records map[string]stock.Record) {
	if s.Stock == nil {
		return
	}
	at := s.now()
	for _, id := range slices.Sorted(maps.Keys(records)) {
		if err := s.Stock.PublishStock(ctx, stock.NewSnapshot(id, records[id], at)); err != nil {
			s.logger().Warn("publish stock", zap.String("product_id", id), zap.Error(err))
		}
	}
}

// record writes the audit entry; failures are logged and never surface.
func (s *Service) record(ctx context.Context, e audit.Entry) {
	if s.Audit == nil {
		return
	}
	if err := s.Audit.Record(ctx, e); err != nil {
		s.logger().Warn("audit write", zap.String("action", e.Action), zap.String("target", e.Target), zap.Error(err))
	}
}

// logFailure logs infrastructure failures loudly and business rejections quietly.
func (s *Service) logFailure(op string, err error, fields ...zap.Field) {
	fields = append(fields, zap.Error(err))
	if errors.Is(err, ErrPersistence) {
		s.logger().Error(op, fields...)
		return
	}
	s.logger().Info(op+" rejected", fields...)
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
