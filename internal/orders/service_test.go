package orders

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	kafkax "github.com/ariefcatur/go-storefront-orders/internal/kafka"
	"github.com/ariefcatur/go-storefront-orders/internal/pricing"
	"github.com/ariefcatur/go-storefront-orders/internal/stock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

type harness struct {
	svc    *Service
	store  *memStore
	cache  *memCache
	events *memPublisher
	stock  *memStock
	audit  *memAudit
}

func newHarness() *harness {
	h := &harness{
		store:  newMemStore(testNow),
		cache:  newMemCache(),
		events: &memPublisher{},
		stock:  &memStock{},
		audit:  &memAudit{},
	}
	h.svc = &Service{
		Store: h.store, Rates: fixedRate(decimal.NewFromInt(3)), Events: h.events, Cache: h.cache,
		Stock: h.stock, Audit: h.audit, Producer: "order-api", Now: func() time.Time { return testNow },
	}
	return h
}

func draft(ext string, lines ...DraftLine) Draft {
	return Draft{ExternalID: ext, UserID: "u1", Lines: lines, Recipient: Recipient{Name: "홍길동", Phone: "010-1234-5678"}}
}

func TestCreateOrderReservesAndAnnounces(t *testing.T) {
	h := newHarness()
	h.store.addProduct("p1", 30000, stock.Flat(5))
	ctx := WithTraceID(context.Background(), "req-1")

	created, err := h.svc.CreateOrder(ctx, draft("ext-1", DraftLine{ProductID: "p1", Quantity: 2}))
	require.NoError(t, err)
	o := created.Order
	assert.False(t, created.Existed)
	assert.Equal(t, StatusPendingPayment, o.Status)
	assert.Equal(t, int64(60000), o.Total)
	assert.Equal(t, int64(1800), o.EarnedPoints)
	assert.Equal(t, 3, *h.store.stockOf("p1").Flat)

	require.Equal(t, 1, h.events.count())
	msg := h.events.msgs[0]
	assert.Equal(t, o.ID, string(msg.Key))
	var ev Envelope
	require.NoError(t, json.Unmarshal(msg.Value, &ev))
	assert.Equal(t, EventOrderCreated, ev.EventType)
	assert.Equal(t, "req-1", ev.TraceID)
	payload, err := kafkax.UnwrapPayload[OrderCreatedPayload](ev.Payload)
	require.NoError(t, err)
	assert.Equal(t, 2, payload.Items[0].Qty)

	assert.Equal(t, string(StatusPendingPayment), h.cache.status[o.ID])
	assert.Equal(t, o.ID, h.cache.ext["ext-1"])
	require.Len(t, h.stock.snaps, 1)
	assert.Equal(t, 3, h.stock.snaps[0].Total)
	require.Len(t, h.audit.entries, 1)
	assert.Equal(t, "u1", h.audit.entries[0].ActorID)
}

func TestCreateOrderIsIdempotent(t *testing.T) {
	h := newHarness()
	h.store.addProduct("p1", 1000, stock.Flat(5))
	d := draft("ext-1", DraftLine{ProductID: "p1", Quantity: 1})

	first, err := h.svc.CreateOrder(context.Background(), d)
	require.NoError(t, err)
	second, err := h.svc.CreateOrder(context.Background(), d)
	require.NoError(t, err)

	assert.True(t, second.Existed)
	assert.Equal(t, first.Order.ID, second.Order.ID)
	assert.Equal(t, 4, *h.store.stockOf("p1").Flat)
	assert.Equal(t, 1, h.events.count())
	assert.Equal(t, 1, h.store.creates, "second call answered from the idempotency cache")

	// cold cache still resolves through the store
	h.cache.ext = map[string]string{}
	third, err := h.svc.CreateOrder(context.Background(), d)
	require.NoError(t, err)
	assert.True(t, third.Existed)
	assert.Equal(t, 4, *h.store.stockOf("p1").Flat)
}

func TestCreateOrderRejectsExternalIDOfAnotherUser(t *testing.T) {
	h := newHarness()
	h.store.addProduct("p1", 1000, stock.Flat(5))
	ctx := context.Background()
	_, err := h.svc.CreateOrder(ctx, draft("ext-1", DraftLine{ProductID: "p1", Quantity: 1}))
	require.NoError(t, err)

	other := draft("ext-1", DraftLine{ProductID: "p1", Quantity: 1})
	other.UserID = "u2"
	_, err = h.svc.CreateOrder(ctx, other)
	assert.ErrorIs(t, err, ErrInvalidInput)

	h.cache.ext = map[string]string{}
	_, err = h.svc.CreateOrder(ctx, other)
	assert.ErrorIs(t, err, ErrInvalidInput)

	assert.Equal(t, 4, *h.store.stockOf("p1").Flat)
	assert.Equal(t, 1, h.events.count())
}

func TestCreateOrderShortageHasNoSideEffects(t *testing.T) {
	h := newHarness()
	h.store.addProduct("a", 1000, stock.Flat(5))
	h.store.addProduct("b", 1000, stock.BySize(map[string]int{"M": 1}))

	_, err := h.svc.CreateOrder(context.Background(), draft("ext-1",
		DraftLine{ProductID: "a", Quantity: 2},
		DraftLine{ProductID: "b", Quantity: 2, Size: "M"},
	))
	require.ErrorIs(t, err, ErrInsufficientStock)
	var short *stock.ShortageError
	require.ErrorAs(t, err, &short)
	assert.Equal(t, 1, short.Shortfalls[0].Missing())

	assert.Equal(t, 5, *h.store.stockOf("a").Flat)
	assert.Equal(t, 1, h.store.stockOf("b").Sizes["M"])
	assert.Zero(t, h.events.count())
	assert.Empty(t, h.audit.entries)
}

func TestLastUnitsGoToOneBuyer(t *testing.T) {
	h := newHarness()
	h.store.addProduct("tee", 19000, stock.BySizeColor(stock.Variant{Size: "S", Color: "Red", Quantity: 2}))

	big := draft("ext-big", DraftLine{ProductID: "tee", Quantity: 2, Size: "S", Color: "Red"})
	small := draft("ext-small", DraftLine{ProductID: "tee", Quantity: 1, Size: "S", Color: "Red"})

	_, err := h.svc.CreateOrder(context.Background(), big)
	require.NoError(t, err)
	assert.Equal(t, 0, h.store.stockOf("tee").Variants[0].Quantity)

	_, err = h.svc.CreateOrder(context.Background(), small)
	assert.ErrorIs(t, err, ErrInsufficientStock)
}

func TestConcurrentBuyersNeverOversell(t *testing.T) {
	h := newHarness()
	h.store.addProduct("tee", 19000, stock.Flat(3))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d := draft("ext-"+string(rune('a'+i)), DraftLine{ProductID: "tee", Quantity: 1})
			if _, err := h.svc.CreateOrder(context.Background(), d); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 3, wins)
	assert.Equal(t, 0, *h.store.stockOf("tee").Flat)
}

func TestCancelRestoresRecordedBucketOnce(t *testing.T) {
	h := newHarness()
	h.store.addProduct("pants", 45000, stock.BySize(map[string]int{"M": 3}))
	created, err := h.svc.CreateOrder(context.Background(), draft("ext-1", DraftLine{ProductID: "pants", Quantity: 2, Size: "M"}))
	require.NoError(t, err)

	// catalog reshaped to flat stock after the order was placed
	h.store.setStock("pants", stock.Flat(10))

	ch, err := h.svc.CancelByCustomer(context.Background(), created.Order.ID, "u1")
	require.NoError(t, err)
	assert.True(t, ch.Changed)
	assert.Equal(t, StatusCancelled, ch.To)
	rec := h.store.stockOf("pants")
	assert.Equal(t, 10, *rec.Flat)
	assert.Equal(t, 2, rec.Sizes["M"])

	_, err = h.svc.CancelByCustomer(context.Background(), created.Order.ID, "u1")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	ch, err = h.svc.UpdateStatus(context.Background(), created.Order.ID, StatusCancelled, Actor{ID: "admin"}, "")
	require.NoError(t, err)
	assert.False(t, ch.Changed)
	assert.Equal(t, 2, h.store.stockOf("pants").Sizes["M"])
}

func TestCancelOfPaidOrderWaitsForApproval(t *testing.T) {
	h := newHarness()
	h.store.addProduct("p1", 10000, stock.Flat(2))
	created, err := h.svc.CreateOrder(context.Background(), draft("ext-1", DraftLine{ProductID: "p1", Quantity: 1}))
	require.NoError(t, err)
	id := created.Order.ID

	_, err = h.svc.ConfirmPayment(context.Background(), id, Actor{ID: "pg", Name: "payment-gateway"})
	require.NoError(t, err)

	ch, err := h.svc.CancelByCustomer(context.Background(), id, "u1")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelRequested, ch.To)
	assert.Equal(t, 1, *h.store.stockOf("p1").Flat, "no release before approval")

	ch, err = h.svc.UpdateStatus(context.Background(), id, StatusCancelled, Actor{ID: "admin", Name: "관리자"}, "approved")
	require.NoError(t, err)
	assert.True(t, ch.Changed)
	assert.Equal(t, 2, *h.store.stockOf("p1").Flat)

	last := h.audit.entries[len(h.audit.entries)-1]
	assert.Equal(t, "관리자", last.ActorName)
	assert.Contains(t, last.Description, "취소요청 → 취소완료")
}

func TestCancelRejectsOtherUsersAndLateStages(t *testing.T) {
	h := newHarness()
	h.store.addProduct("p1", 10000, stock.Flat(5))
	created, err := h.svc.CreateOrder(context.Background(), draft("ext-1", DraftLine{ProductID: "p1", Quantity: 1}))
	require.NoError(t, err)
	id := created.Order.ID

	_, err = h.svc.CancelByCustomer(context.Background(), id, "someone-else")
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = h.svc.UpdateStatus(context.Background(), id, StatusShipping, Actor{ID: "admin"}, "")
	require.NoError(t, err)
	_, err = h.svc.CancelByCustomer(context.Background(), id, "u1")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = h.svc.ConfirmPayment(context.Background(), id, Actor{ID: "pg"})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestUpdateStatusesReportsPerOrder(t *testing.T) {
	h := newHarness()
	h.store.addProduct("p1", 10000, stock.Flat(10))
	var ids []string
	for _, ext := range []string{"e1", "e2", "e3"} {
		c, err := h.svc.CreateOrder(context.Background(), draft(ext, DraftLine{ProductID: "p1", Quantity: 1}))
		require.NoError(t, err)
		ids = append(ids, c.Order.ID)
	}
	_, err := h.svc.UpdateStatus(context.Background(), ids[1], StatusDelivered, Actor{ID: "admin"}, "")
	require.NoError(t, err)

	results, err := h.svc.UpdateStatuses(context.Background(), append(ids, ids[0], "missing"), StatusPreparing, Actor{ID: "admin"}, "bulk")
	require.NoError(t, err)
	require.Len(t, results, 4)
	assert.NoError(t, results[0].Err)
	assert.ErrorIs(t, results[1].Err, ErrInvalidTransition)
	assert.NoError(t, results[2].Err)
	assert.ErrorIs(t, results[3].Err, ErrOrderNotFound)

	_, err = h.svc.UpdateStatuses(context.Background(), ids, Status("lost"), Actor{}, "")
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = h.svc.UpdateStatuses(context.Background(), nil, StatusPaid, Actor{}, "")
	assert.ErrorIs(t, err, ErrInvalidInput)

	h.svc.MaxBatch = 2
	_, err = h.svc.UpdateStatuses(context.Background(), ids, StatusPaid, Actor{}, "")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestAuditFailureDoesNotBlock(t *testing.T) {
	h := newHarness()
	h.audit.err = errors.New("broker down")
	h.store.addProduct("p1", 10000, stock.Flat(1))

	created, err := h.svc.CreateOrder(context.Background(), draft("ext-1", DraftLine{ProductID: "p1", Quantity: 1}))
	require.NoError(t, err)
	_, err = h.svc.CancelByCustomer(context.Background(), created.Order.ID, "u1")
	require.NoError(t, err)
}

func TestServiceWorksWithoutOptionalCollaborators(t *testing.T) {
	store := newMemStore(testNow)
	store.addProduct("p1", 10000, stock.Flat(1))
	svc := &Service{Store: store}

	created, err := svc.CreateOrder(context.Background(), draft("ext-1", DraftLine{ProductID: "p1", Quantity: 1}))
	require.NoError(t, err)
	assert.Zero(t, created.Order.EarnedPoints)

	view, err := svc.Status(context.Background(), created.Order.ID)
	require.NoError(t, err)
	assert.False(t, view.Cached)
	assert.Equal(t, "결제대기", view.Label)
}

func TestTransitionDropsCachedStatus(t *testing.T) {
	h := newHarness()
	h.store.addProduct("p1", 1000, stock.Flat(5))
	ctx := context.Background()
	created, err := h.svc.CreateOrder(ctx, draft("ext-1", DraftLine{ProductID: "p1", Quantity: 1}))
	require.NoError(t, err)
	id := created.Order.ID
	require.Contains(t, h.cache.status, id)

	_, err = h.svc.ConfirmPayment(ctx, id, Actor{ID: "pg", Name: "payment"})
	require.NoError(t, err)
	assert.NotContains(t, h.cache.status, id)

	view, err := h.svc.Status(ctx, id)
	require.NoError(t, err)
	assert.False(t, view.Cached)
	assert.Equal(t, StatusPaid, view.Status)

	view, err = h.svc.Status(ctx, id)
	require.NoError(t, err)
	assert.True(t, view.Cached)
	assert.Equal(t, StatusPaid, view.Status)
}

func TestStatusPrefersCache(t *testing.T) {
	h := newHarness()
	h.cache.status["o-cached"] = string(StatusShipping)

	view, err := h.svc.Status(context.Background(), "o-cached")
	require.NoError(t, err)
	assert.True(t, view.Cached)
	assert.Equal(t, StatusShipping, view.Status)

	_, err = h.svc.Status(context.Background(), "o-missing")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestQuoteAndCouponHandling(t *testing.T) {
	h := newHarness()
	h.store.addProduct("coat", 60000, stock.Flat(5))
	h.store.addProduct("scarf", 30000, stock.Flat(5))
	h.store.coupons["c10"] = pricing.Coupon{ID: "c10", UserID: "u1", Type: pricing.DiscountPercentage, Value: 10}
	h.store.coupons["cmin"] = pricing.Coupon{ID: "cmin", UserID: "u1", Type: pricing.DiscountFixed, Value: 5000, MinPurchase: 100000}
	ctx := context.Background()

	q, err := h.svc.Quote(ctx, QuoteRequest{UserID: "u1", Lines: []DraftLine{{ProductID: "coat", Quantity: 1}}, CouponID: "c10"})
	require.NoError(t, err)
	assert.Equal(t, int64(6000), q.CouponDiscount)
	assert.Equal(t, int64(54000), q.Total)

	q, err = h.svc.Quote(ctx, QuoteRequest{UserID: "u1", Lines: []DraftLine{{ProductID: "scarf", Quantity: 1}}, GiftWrap: true})
	require.NoError(t, err)
	assert.Equal(t, int64(36000), q.Total)

	q, err = h.svc.Quote(ctx, QuoteRequest{UserID: "u1", Lines: []DraftLine{{ProductID: "scarf", Quantity: 1}}, CouponID: "cmin"})
	require.NoError(t, err)
	assert.ErrorIs(t, q.CouponRejection, pricing.ErrCouponMinimumNotMet)
	assert.Equal(t, int64(30000), q.Subtotal)

	d := draft("ext-min", DraftLine{ProductID: "scarf", Quantity: 1})
	d.CouponID = "cmin"
	_, err = h.svc.CreateOrder(ctx, d)
	assert.ErrorIs(t, err, ErrCouponNotApplicable)
	assert.Equal(t, 5, *h.store.stockOf("scarf").Flat)

	d = draft("ext-c10", DraftLine{ProductID: "coat", Quantity: 1})
	d.CouponID = "c10"
	created, err := h.svc.CreateOrder(ctx, d)
	require.NoError(t, err)
	assert.True(t, h.store.coupons["c10"].Used)

	_, err = h.svc.CancelByCustomer(ctx, created.Order.ID, "u1")
	require.NoError(t, err)
	assert.False(t, h.store.coupons["c10"].Used, "cancel returns the coupon")

	_, err = h.svc.Quote(ctx, QuoteRequest{UserID: "u1"})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestCreateOrderRejectsStalePrice(t *testing.T) {
	h := newHarness()
	h.store.addProduct("p1", 10000, stock.Flat(5))
	d := draft("ext-1", DraftLine{ProductID: "p1", Quantity: 1})
	stale := int64(9000)
	d.ExpectedTotal = &stale

	_, err := h.svc.CreateOrder(context.Background(), d)
	assert.ErrorIs(t, err, ErrPriceChanged)
	assert.Equal(t, 5, *h.store.stockOf("p1").Flat)
}

func TestCreateOrderValidatesDraft(t *testing.T) {
	h := newHarness()
	_, err := h.svc.CreateOrder(context.Background(), Draft{UserID: "u1"})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = h.svc.CreateOrder(context.Background(), draft("e", DraftLine{ProductID: "p1", Quantity: 0}))
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = h.svc.CreateOrder(context.Background(), draft("e", DraftLine{ProductID: "ghost", Quantity: 1}))
	assert.ErrorIs(t, err, ErrProductNotFound)
	_, err = h.svc.CreateOrder(context.Background(), draft("e", DraftLine{ProductID: "p1", Quantity: MaxLineQuantity + 1}))
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestQuoteRejectsAmountsPastLimit(t *testing.T) {
	h := newHarness()
	h.store.addProduct("gold", pricing.MaxAmount, stock.Flat(MaxLineQuantity))
	ctx := context.Background()

	_, err := h.svc.Quote(ctx, QuoteRequest{UserID: "u1", Lines: []DraftLine{{ProductID: "gold", Quantity: 1}}})
	require.NoError(t, err)

	_, err = h.svc.Quote(ctx, QuoteRequest{UserID: "u1", Lines: []DraftLine{{ProductID: "gold", Quantity: MaxLineQuantity}}})
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.ErrorIs(t, err, pricing.ErrInvalidAmount)

	_, err = h.svc.CreateOrder(ctx, draft("big", DraftLine{ProductID: "gold", Quantity: 2}))
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.Equal(t, MaxLineQuantity, *h.store.stockOf("gold").Flat)
	assert.Zero(t, h.events.count())
}

func TestDeleteOnlyCancelled(t *testing.T) {
	h := newHarness()
	h.store.addProduct("p1", 10000, stock.Flat(5))
	created, err := h.svc.CreateOrder(context.Background(), draft("ext-1", DraftLine{ProductID: "p1", Quantity: 1}))
	require.NoError(t, err)
	id := created.Order.ID
	admin := Actor{ID: "admin", Name: "관리자"}

	assert.ErrorIs(t, h.svc.Delete(context.Background(), id, admin), ErrInvalidTransition)

	_, err = h.svc.UpdateStatus(context.Background(), id, StatusCancelled, admin, "")
	require.NoError(t, err)
	require.NoError(t, h.svc.Delete(context.Background(), id, admin))
	_, err = h.svc.Get(context.Background(), id)
	assert.ErrorIs(t, err, ErrOrderNotFound)
	assert.NotContains(t, h.cache.status, id)
}

func TestUpdateMemoAudited(t *testing.T) {
	h := newHarness()
	h.store.addProduct("p1", 10000, stock.Flat(5))
	created, err := h.svc.CreateOrder(context.Background(), draft("ext-1", DraftLine{ProductID: "p1", Quantity: 1}))
	require.NoError(t, err)

	require.NoError(t, h.svc.UpdateMemo(context.Background(), created.Order.ID, "부재시 경비실", Actor{ID: "admin"}))
	o, err := h.svc.Get(context.Background(), created.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, "부재시 경비실", o.Memo)
	assert.Equal(t, "order.memo", h.audit.entries[len(h.audit.entries)-1].Action)

	assert.ErrorIs(t, h.svc.UpdateMemo(context.Background(), "missing", "x", Actor{}), ErrOrderNotFound)
}

func TestListAndExportCSV(t *testing.T) {
	h := newHarness()
	h.store.addProduct("p1", 10000, stock.Flat(10))
	for _, ext := range []string{"e1", "e2"} {
		_, err := h.svc.CreateOrder(context.Background(), draft(ext, DraftLine{ProductID: "p1", Quantity: 1}, DraftLine{ProductID: "p1", Quantity: 2}))
		require.NoError(t, err)
	}

	list, err := h.svc.List(context.Background(), Filter{Asc: true})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.True(t, list[0].CreatedAt.Before(list[1].CreatedAt))

	_, err = h.svc.List(context.Background(), Filter{Status: "weird"})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = h.svc.List(context.Background(), Filter{From: testNow, To: testNow.Add(-time.Hour)})
	assert.ErrorIs(t, err, ErrInvalidInput)

	var buf bytes.Buffer
	require.NoError(t, h.svc.ExportCSV(context.Background(), &buf, Filter{}))
	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, exportHeader, rows[0])
	assert.Equal(t, "홍길동", rows[1][3])
	assert.Equal(t, "33000", rows[1][5])
	assert.Equal(t, "결제대기", rows[1][6])
	assert.Equal(t, "2", rows[1][7])
}

func TestExportNeutralisesFormulaCells(t *testing.T) {
	h := newHarness()
	h.store.addProduct("p1", 10000, stock.Flat(10))
	d := draft("e1", DraftLine{ProductID: "p1", Quantity: 1})
	d.Recipient = Recipient{Name: `=HYPERLINK("http://evil.example","x")`, Phone: "+82-10-1234-5678"}
	_, err := h.svc.CreateOrder(context.Background(), d)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, h.svc.ExportCSV(context.Background(), &buf, Filter{}))
	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, `'=HYPERLINK("http://evil.example","x")`, rows[1][3])
	assert.Equal(t, "'+82-10-1234-5678", rows[1][4])
	assert.Equal(t, "u1", rows[1][2])
}
