package orders

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ariefcatur/go-storefront-orders/internal/audit"
	"github.com/ariefcatur/go-storefront-orders/internal/inventory"
	"github.com/ariefcatur/go-storefront-orders/internal/pricing"
	"github.com/ariefcatur/go-storefront-orders/internal/stock"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
)

// memStore is an in-memory Store with the same all-or-nothing semantics as Repo.
type memStore struct {
	mu       sync.Mutex
	now      time.Time
	policy   pricing.Policy
	products map[string]inventory.Product
	coupons  map[string]pricing.Coupon
	orders   map[string]*memOrder
	byExt    map[string]string
	seq      int
	creates  int
}

type memOrder struct {
	o        Order
	allocs   []stock.Allocation
	released bool
	history  []HistoryEntry
}

func newMemStore(now time.Time) *memStore {
	return &memStore{
		now:      now,
		policy:   pricing.DefaultPolicy(),
		products: map[string]inventory.Product{},
		coupons:  map[string]pricing.Coupon{},
		orders:   map[string]*memOrder{},
		byExt:    map[string]string{},
	}
}

func (m *memStore) addProduct(id string, price int64, rec stock.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.products[id] = inventory.Product{ID: id, Name: "product " + id, Price: price, Stock: rec}
}

func (m *memStore) stockOf(id string) stock.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.products[id].Stock.Clone()
}

func (m *memStore) setStock(id string, rec stock.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.products[id]
	p.Stock = rec
	m.products[id] = p
}

func (m *memStore) findCoupon(id, userID string) (*pricing.Coupon, error) {
	if id == "" {
		return nil, nil
	}
	c, ok := m.coupons[id]
	if !ok || c.UserID != userID {
		return nil, fmt.Errorf("%w: coupon %s", ErrCouponNotApplicable, id)
	}
	return &c, nil
}

func (m *memStore) CreateOrder(_ context.Context, d Draft, rate decimal.Decimal) (Created, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creates++

	if id, ok := m.byExt[d.ExternalID]; ok {
		return replay(m.orders[id].o, d)
	}
	items, subtotal, err := priceLines(d.Lines, m.products)
	if err != nil {
		return Created{}, err
	}
	coupon, err := m.findCoupon(d.CouponID, d.UserID)
	if err != nil {
		return Created{}, err
	}
	q := m.policy.Calculate(pricing.Input{Subtotal: subtotal, GiftWrap: d.GiftWrap, Coupon: coupon, MembershipRate: rate, Now: m.now})
	if q.CouponRejection != nil {
		return Created{}, fmt.Errorf("%w: %w", ErrCouponNotApplicable, q.CouponRejection)
	}
	if d.ExpectedTotal != nil && *d.ExpectedTotal != q.Total {
		return Created{}, ErrPriceChanged
	}

	records := make(map[string]stock.Record, len(m.products))
	for id, p := range m.products {
		records[id] = p.Stock
	}
	updated, allocs, err := stock.Reserve(records, stockLines(d.Lines))
	if err != nil {
		return Created{}, err
	}
	for id, rec := range updated {
		p := m.products[id]
		p.Stock = rec
		m.products[id] = p
	}
	if coupon != nil {
		coupon.Used = true
		m.coupons[coupon.ID] = *coupon
	}

	m.seq++
	o := Order{
		ID: fmt.Sprintf("order-%d", m.seq), ExternalID: d.ExternalID, UserID: d.UserID, Status: StatusPendingPayment,
		Items: items, Subtotal: q.Subtotal, ShippingFee: q.Shipping, GiftWrap: d.GiftWrap, GiftWrapFee: q.GiftWrap,
		CouponID: q.CouponID, CouponDiscount: q.CouponDiscount, Total: q.Total, EarnedPoints: q.EarnedPoints,
		Recipient: d.Recipient, CreatedAt: m.now.Add(time.Duration(m.seq) * time.Minute),
	}
	o.UpdatedAt = o.CreatedAt
	m.orders[o.ID] = &memOrder{o: o, allocs: allocs}
	m.byExt[d.ExternalID] = o.ID
	return Created{Order: o, Stock: updated}, nil
}

func (m *memStore) PriceCart(_ context.Context, req QuoteRequest, rate decimal.Decimal) (pricing.Quote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, subtotal, err := priceLines(req.Lines, m.products)
	if err != nil {
		return pricing.Quote{}, err
	}
	coupon, err := m.findCoupon(req.CouponID, req.UserID)
	if err != nil {
		return pricing.Quote{}, err
	}
	return m.policy.Calculate(pricing.Input{Subtotal: subtotal, GiftWrap: req.GiftWrap, Coupon: coupon, MembershipRate: rate, Now: m.now}), nil
}

func (m *memStore) Transition(_ context.Context, id string, decide Decider, actor Actor, note string) (Change, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mo, ok := m.orders[id]
	if !ok {
		return Change{}, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	to, err := decide(mo.o)
	if err != nil {
		return Change{}, err
	}
	ch := Change{OrderID: id, UserID: mo.o.UserID, From: mo.o.Status, To: to, At: m.now}
	if to == mo.o.Status {
		return ch, nil
	}
	if to == StatusCancelled && !mo.released {
		records := make(map[string]stock.Record, len(m.products))
		for pid, p := range m.products {
			records[pid] = p.Stock
		}
		updated, _, err := stock.Release(records, mo.allocs)
		if err != nil {
			return Change{}, err
		}
		for pid, rec := range updated {
			p := m.products[pid]
			p.Stock = rec
			m.products[pid] = p
		}
		mo.released = true
		ch.Stock = updated
		if c, ok := m.coupons[mo.o.CouponID]; ok {
			c.Used = false
			m.coupons[c.ID] = c
		}
	}
	mo.history = append(mo.history, HistoryEntry{From: mo.o.Status, To: to, ActorID: actor.ID, ActorName: actor.Name, Note: note, At: m.now})
	mo.o.Status = to
	mo.o.UpdatedAt = m.now
	ch.Changed = true
	return ch, nil
}

func (m *memStore) Get(_ context.Context, id string) (Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mo, ok := m.orders[id]
	if !ok {
		return Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	return mo.o, nil
}

func (m *memStore) Status(ctx context.Context, id string) (Status, time.Time, error) {
	o, err := m.Get(ctx, id)
	return o.Status, o.UpdatedAt, err
}

func (m *memStore) History(_ context.Context, id string) ([]HistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mo, ok := m.orders[id]; ok {
		return mo.history, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
}

func (m *memStore) List(_ context.Context, f Filter) ([]Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []Summary
	for _, mo := range m.orders {
		o := mo.o
		if (f.Status != "" && o.Status != f.Status) || (f.UserID != "" && o.UserID != f.UserID) {
			continue
		}
		all = append(all, Summary{ID: o.ID, UserID: o.UserID, Status: o.Status, Total: o.Total,
			ItemCount: len(o.Items), Recipient: o.Recipient, CreatedAt: o.CreatedAt})
	}
	sort.Slice(all, func(i, j int) bool {
		if f.Asc {
			return all[i].CreatedAt.Before(all[j].CreatedAt)
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	start := min(max(f.Offset, 0), len(all))
	end := min(start+f.limit(), len(all))
	return all[start:end], nil
}

func (m *memStore) Delete(_ context.Context, id string) (Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mo, ok := m.orders[id]
	if !ok {
		return Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	if mo.o.Status != StatusCancelled {
		return Order{}, fmt.Errorf("%w: %s is %s", ErrInvalidTransition, id, mo.o.Status)
	}
	delete(m.orders, id)
	return mo.o, nil
}

func (m *memStore) UpdateMemo(_ context.Context, id, memo string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mo, ok := m.orders[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	mo.o.Memo = memo
	return nil
}

type memCache struct {
	mu     sync.Mutex
	ext    map[string]string
	status map[string]string
}

func newMemCache() *memCache {
	return &memCache{ext: map[string]string{}, status: map[string]string{}}
}

func (c *memCache) LookupOrder(_ context.Context, externalID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.ext[externalID]
	return id, ok
}

func (c *memCache) RememberOrder(_ context.Context, externalID, orderID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ext[externalID] = orderID
	return nil
}

func (c *memCache) SetStatus(_ context.Context, orderID, status string, _ time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status[orderID] = status
	return nil
}

func (c *memCache) CachedStatus(_ context.Context, orderID string) (string, time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.status[orderID]
	return s, time.Time{}, ok
}

func (c *memCache) DropStatus(_ context.Context, orderID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.status, orderID)
	return nil
}

type memPublisher struct {
	mu   sync.Mutex
	msgs []kafka.Message
}

func (p *memPublisher) Publish(key, value []byte, headers ...kafka.Header) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, kafka.Message{Key: key, Value: value, Headers: headers})
	return nil
}

func (p *memPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.msgs)
}

type memStock struct {
	mu    sync.Mutex
	snaps []stock.Snapshot
}

func (s *memStock) PublishStock(_ context.Context, snap stock.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps = append(s.snaps, snap)
	return nil
}

type memAudit struct {
	mu      sync.Mutex
	entries []audit.Entry
	err     error
}

func (a *memAudit) Record(_ context.Context, e audit.Entry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.entries = append(a.entries, e)
	return nil
}

type fixedRate decimal.Decimal

func (r fixedRate) Rate(context.Context, string) decimal.Decimal { return decimal.Decimal(r) }
