package inventory

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/ariefcatur/go-storefront-orders/internal/postgres"
	"github.com/ariefcatur/go-storefront-orders/internal/stock"
	"go.uber.org/zap"
)

const (
	LedgerReserved = "RESERVED"
	LedgerReleased = "RELEASED"
)

// Result is what a reserve or release changed: the allocations it acted on and the
// new stock of every touched product.
type Result struct {
	Allocations []stock.Allocation
	Stock       map[string]stock.Record
}

// Reserve checks every line against the locked products and, only if all of them
// fit, writes the decremented stock and one ledger row per line. A shortage returns
// *stock.ShortageError before anything is written.
func (r *Repo) Reserve(ctx context.Context, q postgres.Querier, orderID string, locked map[string]Product, lines []stock.Line) (Result, error) {
	records := make(map[string]stock.Record, len(locked))
	for id, p := range locked {
		records[id] = p.Stock
	}

	updated, allocs, err := stock.Reserve(records, lines)
	if err != nil {
		return Result{}, err
	}

	for _, id := range slices.Sorted(maps.Keys(updated)) {
		if err := r.saveStock(ctx, q, id, updated[id]); err != nil {
			return Result{}, fmt.Errorf("reserve %s: %w", orderID, err)
		}
	}
	for _, a := range allocs {
		if _, err := q.Exec(ctx, `
			INSERT INTO reservations(order_id, line_no, product_id, bucket_kind, bucket_size, bucket_color, qty, status)
			VALUES ($1,$2,$3,$4,$5,$6,$7,'RESERVED')`,
			orderID, a.LineNo, a.ProductID, string(a.Bucket.Kind), a.Bucket.Size, a.Bucket.Color, a.Quantity,
		); err != nil {
			return Result{}, fmt.Errorf("reserve %s ledger: %w", orderID, err)
		}
	}
	return Result{Allocations: allocs, Stock: updated}, nil
}

// Release credits every RESERVED ledger row of the order back to the bucket it was
// taken from and flips the rows to RELEASED. A second call finds nothing to release.
func (r *Repo) Release(ctx context.Context, q postgres.Querier, orderID string) (Result, error) {
	allocs, err := r.reserved(ctx, q, orderID)
	if err != nil {
		return Result{}, err
	}
	if len(allocs) == 0 {
		return Result{}, nil
	}

	ids := make([]string, 0, len(allocs))
	for _, a := range allocs {
		ids = append(ids, a.ProductID)
	}
	locked, err := r.Lock(ctx, q, ids)
	if err != nil {
		return Result{}, fmt.Errorf("release %s lock: %w", orderID, err)
	}
	records := make(map[string]stock.Record, len(locked))
	for id, p := range locked {
		records[id] = p.Stock
	}

	updated, skipped, err := stock.Release(records, allocs)
	if err != nil {
		return Result{}, fmt.Errorf("release %s: %w", orderID, err)
	}
	for _, a := range skipped {
		r.logger().Warn("release skipped, product gone",
			zap.String("order_id", orderID), zap.String("product_id", a.ProductID),
			zap.Stringer("bucket", a.Bucket), zap.Int("qty", a.Quantity))
	}
	for _, id := range slices.Sorted(maps.Keys(updated)) {
		if err := r.saveStock(ctx, q, id, updated[id]); err != nil {
			return Result{}, fmt.Errorf("release %s: %w", orderID, err)
		}
	}
	if _, err := q.Exec(ctx, `
		UPDATE reservations SET status='RELEASED', released_at=now()
		WHERE order_id=$1 AND status='RESERVED'`, orderID); err != nil {
		return Result{}, fmt.Errorf("release %s ledger: %w", orderID, err)
	}
	return Result{Allocations: allocs, Stock: updated}, nil
}

func (r *Repo) reserved(ctx context.Context, q postgres.Querier, orderID string) ([]stock.Allocation, error) {
	rows, err := q.Query(ctx, `
		SELECT line_no, product_id, bucket_kind, bucket_size, bucket_color, qty
		FROM reservations WHERE order_id=$1 AND status='RESERVED'
		ORDER BY line_no FOR UPDATE`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []stock.Allocation
	for rows.Next() {
		var (
			a    stock.Allocation
			kind string
		)
		if err := rows.Scan(&a.LineNo, &a.ProductID, &kind, &a.Bucket.Size, &a.Bucket.Color, &a.Quantity); err != nil {
			return nil, err
		}
		a.Bucket.Kind = stock.Kind(kind)
		out = append(out, a)
	}
	return out, rows.Err()
}
