package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ariefcatur/go-storefront-orders/internal/inventory"
	"github.com/ariefcatur/go-storefront-orders/internal/logx"
	"github.com/ariefcatur/go-storefront-orders/internal/postgres"
	"github.com/ariefcatur/go-storefront-orders/internal/pricing"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Repo is the Postgres order store. Every mutation runs in one transaction that
// holds the row locks it depends on.
type Repo struct {
	DB        postgres.DB
	Inventory *inventory.Repo
	Pricing   pricing.Policy
	Now       func() time.Time
	Log       *zap.Logger
}

// Decider picks the next status for the locked order, or rejects the change.
type Decider func(o Order) (Status, error)

const orderColumns = `id, external_id, user_id, status, subtotal, shipping_fee, gift_wrap, gift_wrap_fee,
	coupon_id, coupon_discount, total, earned_points, recipient_name, recipient_phone,
	shipping_address, postal_code, memo, created_at, updated_at`

func persistence(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
}

func (r *Repo) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Repo) logger() *zap.Logger { return logx.OrNop(r.Log) }

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(row scanner) (Order, error) {
	var (
		o        Order
		status   string
		couponID *string
	)
	err := row.Scan(&o.ID, &o.ExternalID, &o.UserID, &status, &o.Subtotal, &o.ShippingFee, &o.GiftWrap, &o.GiftWrapFee,
		&couponID, &o.CouponDiscount, &o.Total, &o.EarnedPoints, &o.Recipient.Name, &o.Recipient.Phone,
		&o.Recipient.Address, &o.Recipient.PostalCode, &o.Memo, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return Order{}, err
	}
	o.Status = Status(status)
	if couponID != nil {
		o.CouponID = *couponID
	}
	return o, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// CreateOrder reserves stock for every line and persists the order, all or nothing.
// A repeated ExternalID returns the order it first produced with Existed set.
func (r *Repo) CreateOrder(ctx context.Context, d Draft, rate decimal.Decimal) (Created, error) {
	if err := d.Validate(); err != nil {
		return Created{}, err
	}
	if o, err := r.byExternalID(ctx, d.ExternalID); err == nil {
		return replay(o, d)
	} else if !errors.Is(err, ErrOrderNotFound) {
		return Created{}, err
	}

	created, err := r.create(ctx, d, rate)
	if err != nil && postgres.IsUniqueViolation(err) {
		// request kembar menang duluan, kembalikan order miliknya
		if o, gerr := r.byExternalID(ctx, d.ExternalID); gerr == nil {
			return replay(o, d)
		}
	}
	return created, err
}

func (r *Repo) create(ctx context.Context, d Draft, rate decimal.Decimal) (Created, error) {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Created{}, persistence("begin", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	locked, err := r.Inventory.Lock(ctx, tx, productIDs(d.Lines))
	if err != nil {
		return Created{}, persistence("lock products", err)
	}
	items, subtotal, err := priceLines(d.Lines, locked)
	if err != nil {
		return Created{}, err
	}

	var coupon *pricing.Coupon
	if d.CouponID != "" {
		c, err := r.coupon(ctx, tx, d.CouponID, d.UserID, true)
		if err != nil {
			return Created{}, err
		}
		coupon = &c
	}

	now := r.now()
	q := r.Pricing.Calculate(pricing.Input{
		Subtotal: subtotal, GiftWrap: d.GiftWrap, Coupon: coupon, MembershipRate: rate, Now: now,
	})
	if q.CouponRejection != nil {
		return Created{}, fmt.Errorf("%w: %w", ErrCouponNotApplicable, q.CouponRejection)
	}
	if d.ExpectedTotal != nil && *d.ExpectedTotal != q.Total {
		return Created{}, fmt.Errorf("%w: expected %d, now %d", ErrPriceChanged, *d.ExpectedTotal, q.Total)
	}

	o := Order{
		ID: uuid.NewString(), ExternalID: d.ExternalID, UserID: d.UserID, Status: StatusPendingPayment,
		Items: items, Subtotal: q.Subtotal, ShippingFee: q.Shipping, GiftWrap: d.GiftWrap, GiftWrapFee: q.GiftWrap,
		CouponID: q.CouponID, CouponDiscount: q.CouponDiscount, Total: q.Total, EarnedPoints: q.EarnedPoints,
		Recipient: d.Recipient, CreatedAt: now, UpdatedAt: now,
	}
	if err := r.insertOrder(ctx, tx, o); err != nil {
		return Created{}, err
	}

	res, err := r.Inventory.Reserve(ctx, tx, o.ID, locked, stockLines(d.Lines))
	if err != nil {
		if errors.Is(err, ErrInsufficientStock) || errors.Is(err, ErrProductNotFound) {
			return Created{}, err
		}
		return Created{}, persistence("reserve", err)
	}

	if coupon != nil {
		ct, err := tx.Exec(ctx, `UPDATE coupons SET used=true, used_order_id=$2 WHERE id=$1 AND used=false`, coupon.ID, o.ID)
		if err != nil {
			return Created{}, persistence("use coupon", err)
		}
		if ct.RowsAffected() != 1 {
			return Created{}, fmt.Errorf("%w: %w", ErrCouponNotApplicable, pricing.ErrCouponUsed)
		}
	}
	if err := r.appendHistory(ctx, tx, o.ID, "", StatusPendingPayment, Actor{ID: d.UserID, Name: "customer"}, "order placed", now); err != nil {
		return Created{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Created{}, persistence("commit", err)
	}
	return Created{Order: o, Stock: res.Stock}, nil
}

func (r *Repo) insertOrder(ctx context.Context, tx pgx.Tx, o Order) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO orders(id, external_id, user_id, status, subtotal, shipping_fee, gift_wrap, gift_wrap_fee,
			coupon_id, coupon_discount, total, earned_points, recipient_name, recipient_phone,
			shipping_address, postal_code, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$17)`,
		o.ID, o.ExternalID, o.UserID, string(o.Status), o.Subtotal, o.ShippingFee, o.GiftWrap, o.GiftWrapFee,
		nullable(o.CouponID), o.CouponDiscount, o.Total, o.EarnedPoints, o.Recipient.Name, o.Recipient.Phone,
		o.Recipient.Address, o.Recipient.PostalCode, o.CreatedAt)
	if err != nil {
		return persistence("insert order", err)
	}
	for _, it := range o.Items {
		if _, err := tx.Exec(ctx, `
			INSERT INTO order_items(order_id, line_no, product_id, name, unit_price, qty, size, color, image_url, category)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
			o.ID, it.LineNo, it.ProductID, it.Name, it.UnitPrice, it.Quantity, it.Size, it.Color, it.ImageURL, it.Category,
		); err != nil {
			return persistence("insert items", err)
		}
	}
	return nil
}

// priceLines snapshots catalog data onto each line and sums the subtotal.
func priceLines(lines []DraftLine, products map[string]inventory.Product) ([]Item, int64, error) {
	items := make([]Item, 0, len(lines))
	priced := make([]pricing.Line, 0, len(lines))
	for i, l := range lines {
		p, ok := products[l.ProductID]
		if !ok {
			return nil, 0, fmt.Errorf("%w: %s", ErrProductNotFound, l.ProductID)
		}
		items = append(items, Item{
			LineNo: i, ProductID: p.ID, Name: p.Name, UnitPrice: p.Price, Quantity: l.Quantity,
			Size: l.Size, Color: l.Color, ImageURL: p.ImageURL, Category: p.Category,
		})
		priced = append(priced, pricing.Line{UnitPrice: p.Price, Quantity: l.Quantity})
	}
	subtotal, err := pricing.Subtotal(priced)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	return items, subtotal, nil
}

func (r *Repo) coupon(ctx context.Context, q postgres.Querier, id, userID string, lock bool) (pricing.Coupon, error) {
	sql := `SELECT id, code, user_id, discount_type, discount_value, min_purchase, expires_at, used FROM coupons WHERE id=$1`
	if lock {
		sql += ` FOR UPDATE`
	}
	var (
		c       pricing.Coupon
		typ     string
		expires *time.Time
	)
	err := q.QueryRow(ctx, sql, id).Scan(&c.ID, &c.Code, &c.UserID, &typ, &c.Value, &c.MinPurchase, &expires, &c.Used)
	if errors.Is(err, pgx.ErrNoRows) {
		return c, fmt.Errorf("%w: coupon %s not found", ErrCouponNotApplicable, id)
	}
	if err != nil {
		return c, persistence("load coupon", err)
	}
	if c.UserID != userID {
		return c, fmt.Errorf("%w: coupon %s belongs to another user", ErrCouponNotApplicable, id)
	}
	c.Type = pricing.DiscountType(typ)
	if expires != nil {
		c.ExpiresAt = *expires
	}
	return c, nil
}

// PriceCart quotes a cart against current catalog prices without reserving anything.
func (r *Repo) PriceCart(ctx context.Context, req QuoteRequest, rate decimal.Decimal) (pricing.Quote, error) {
	products, err := r.Inventory.Products(ctx, productIDs(req.Lines))
	if err != nil {
		return pricing.Quote{}, persistence("load products", err)
	}
	_, subtotal, err := priceLines(req.Lines, products)
	if err != nil {
		return pricing.Quote{}, err
	}
	var coupon *pricing.Coupon
	if req.CouponID != "" {
		c, err := r.coupon(ctx, r.DB, req.CouponID, req.UserID, false)
		if err != nil {
			return pricing.Quote{}, err
		}
		coupon = &c
	}
	return r.Pricing.Calculate(pricing.Input{
		Subtotal: subtotal, GiftWrap: req.GiftWrap, Coupon: coupon, MembershipRate: rate, Now: r.now(),
	}), nil
}

// Transition locks the order row, asks decide for the target and applies it. Entering
// cancelled releases the reservation and returns the coupon in the same transaction.
func (r *Repo) Transition(ctx context.Context, id string, decide Decider, actor Actor, note string) (Change, error) {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Change{}, persistence("begin", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	o, err := r.lockOrder(ctx, tx, id)
	if err != nil {
		return Change{}, err
	}
	to, err := decide(o)
	if err != nil {
		return Change{}, err
	}
	now := r.now()
	ch := Change{OrderID: o.ID, UserID: o.UserID, From: o.Status, To: to, At: now}
	if to == o.Status {
		return ch, nil
	}

	if to == StatusCancelled {
		res, err := r.Inventory.Release(ctx, tx, o.ID)
		if err != nil {
			return Change{}, persistence("release stock", err)
		}
		ch.Stock = res.Stock
		if o.CouponID != "" {
			if _, err := tx.Exec(ctx, `UPDATE coupons SET used=false, used_order_id=NULL WHERE id=$1 AND used_order_id=$2`, o.CouponID, o.ID); err != nil {
				return Change{}, persistence("return coupon", err)
			}
		}
	}

	if _, err := tx.Exec(ctx, `UPDATE orders SET status=$2, updated_at=$3 WHERE id=$1`, o.ID, string(to), now); err != nil {
		return Change{}, persistence("update status", err)
	}
	if err := r.appendHistory(ctx, tx, o.ID, o.Status, to, actor, note, now); err != nil {
		return Change{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Change{}, persistence("commit", err)
	}
	ch.Changed = true
	r.logger().Debug("order status changed",
		zap.String("order_id", o.ID), zap.String("from", string(o.Status)), zap.String("to", string(to)))
	return ch, nil
}

func (r *Repo) appendHistory(ctx context.Context, tx pgx.Tx, orderID string, from, to Status, actor Actor, note string, at time.Time) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO order_status_history(order_id, from_status, to_status, actor_id, actor_name, note, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		orderID, string(from), string(to), actor.ID, actor.Name, note, at)
	if err != nil {
		return persistence("append history", err)
	}
	return nil
}

func (r *Repo) lockOrder(ctx context.Context, q postgres.Querier, id string) (Order, error) {
	o, err := scanOrder(q.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	if err != nil {
		return Order{}, persistence("lock order", err)
	}
	return o, nil
}

func (r *Repo) byExternalID(ctx context.Context, externalID string) (Order, error) {
	var id string
	err := r.DB.QueryRow(ctx, `SELECT id FROM orders WHERE external_id=$1`, externalID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, fmt.Errorf("%w: external id %s", ErrOrderNotFound, externalID)
	}
	if err != nil {
		return Order{}, persistence("lookup external id", err)
	}
	return r.Get(ctx, id)
}

func (r *Repo) Get(ctx context.Context, id string) (Order, error) {
	o, err := scanOrder(r.DB.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	if err != nil {
		return Order{}, persistence("get order", err)
	}

	rows, err := r.DB.Query(ctx, `
		SELECT line_no, product_id, name, unit_price, qty, size, color, image_url, category
		FROM order_items WHERE order_id=$1 ORDER BY line_no`, id)
	if err != nil {
		return Order{}, persistence("get items", err)
	}
	defer rows.Close()
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.LineNo, &it.ProductID, &it.Name, &it.UnitPrice, &it.Quantity,
			&it.Size, &it.Color, &it.ImageURL, &it.Category); err != nil {
			return Order{}, persistence("scan item", err)
		}
		o.Items = append(o.Items, it)
	}
	if err := rows.Err(); err != nil {
		return Order{}, persistence("get items", err)
	}
	return o, nil
}

// Status is the cheap read behind the cached status endpoint.
func (r *Repo) Status(ctx context.Context, id string) (Status, time.Time, error) {
	var (
		s  string
		at time.Time
	)
	err := r.DB.QueryRow(ctx, `SELECT status, updated_at FROM orders WHERE id=$1`, id).Scan(&s, &at)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", time.Time{}, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	if err != nil {
		return "", time.Time{}, persistence("get status", err)
	}
	return Status(s), at, nil
}

func (r *Repo) History(ctx context.Context, id string) ([]HistoryEntry, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT from_status, to_status, actor_id, actor_name, note, created_at
		FROM order_status_history WHERE order_id=$1 ORDER BY id`, id)
	if err != nil {
		return nil, persistence("history", err)
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var (
			h        HistoryEntry
			from, to string
		)
		if err := rows.Scan(&from, &to, &h.ActorID, &h.ActorName, &h.Note, &h.At); err != nil {
			return nil, persistence("scan history", err)
		}
		h.From, h.To = Status(from), Status(to)
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence("history", err)
	}
	return out, nil
}

// List returns order summaries ordered by creation time, newest first unless Asc.
func (r *Repo) List(ctx context.Context, f Filter) ([]Summary, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.Status != "" {
		add("o.status = $%d", string(f.Status))
	}
	if f.UserID != "" {
		add("o.user_id = $%d", f.UserID)
	}
	if !f.From.IsZero() {
		add("o.created_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("o.created_at < $%d", f.To)
	}

	sql := `SELECT o.id, o.user_id, o.status, o.total, o.recipient_name, o.recipient_phone,
		o.shipping_address, o.postal_code, o.created_at,
		(SELECT COUNT(*) FROM order_items i WHERE i.order_id = o.id)
		FROM orders o`
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	dir := "DESC"
	if f.Asc {
		dir = "ASC"
	}
	args = append(args, f.limit(), max(f.Offset, 0))
	sql += fmt.Sprintf(" ORDER BY o.created_at %s, o.id %s LIMIT $%d OFFSET $%d", dir, dir, len(args)-1, len(args))

	rows, err := r.DB.Query(ctx, sql, args...)
	if err != nil {
		return nil, persistence("list orders", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var (
			s      Summary
			status string
		)
		if err := rows.Scan(&s.ID, &s.UserID, &status, &s.Total, &s.Recipient.Name, &s.Recipient.Phone,
			&s.Recipient.Address, &s.Recipient.PostalCode, &s.CreatedAt, &s.ItemCount); err != nil {
			return nil, persistence("scan order", err)
		}
		s.Status = Status(status)
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence("list orders", err)
	}
	return out, nil
}

// Delete removes a cancelled order together with its lines, ledger and history.
func (r *Repo) Delete(ctx context.Context, id string) (Order, error) {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Order{}, persistence("begin", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	o, err := r.lockOrder(ctx, tx, id)
	if err != nil {
		return Order{}, err
	}
	if o.Status != StatusCancelled {
		return Order{}, fmt.Errorf("%w: only cancelled orders can be deleted, %s is %s", ErrInvalidTransition, id, o.Status)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM orders WHERE id=$1`, id); err != nil {
		return Order{}, persistence("delete order", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Order{}, persistence("commit", err)
	}
	return o, nil
}

func (r *Repo) UpdateMemo(ctx context.Context, id, memo string) error {
	ct, err := r.DB.Exec(ctx, `UPDATE orders SET memo=$2, updated_at=$3 WHERE id=$1`, id, memo, r.now())
	if err != nil {
		return persistence("update memo", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	return nil
}

// CompletedSpend sums the totals of the user's delivered orders.
func (r *Repo) CompletedSpend(ctx context.Context, userID string) (int64, error) {
	var sum int64
	err := r.DB.QueryRow(ctx,
		`SELECT COALESCE(SUM(total), 0)::BIGINT FROM orders WHERE user_id=$1 AND status=$2`,
		userID, string(StatusDelivered)).Scan(&sum)
	if err != nil {
		return 0, persistence("completed spend", err)
	}
	return sum, nil
}
