package inventory

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/ariefcatur/go-storefront-orders/internal/logx"
	"github.com/ariefcatur/go-storefront-orders/internal/postgres"
	"github.com/ariefcatur/go-storefront-orders/internal/stock"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

var ErrNotFound = errors.New("product not found")

// Product is the catalog row as the order engine sees it: price snapshot plus the
// stock document.
type Product struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Price     int64        `json:"price"`
	ImageURL  string       `json:"image_url"`
	Category  string       `json:"category"`
	Stock     stock.Record `json:"stock"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Repo reads products and mutates stock. Methods taking a Querier run inside the
// caller's transaction; stock is never written outside one.
type Repo struct {
	DB  postgres.Querier
	Log *zap.Logger
}

const productColumns = `id, name, price, image_url, category, stock, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanProduct(row scanner) (Product, error) {
	var (
		p   Product
		raw []byte
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Price, &p.ImageURL, &p.Category, &raw, &p.UpdatedAt); err != nil {
		return Product{}, err
	}
	rec, err := stock.Decode(raw)
	if err != nil {
		return Product{}, fmt.Errorf("product %s: %w", p.ID, err)
	}
	p.Stock = rec
	return p, nil
}

func (r *Repo) Get(ctx context.Context, id string) (Product, error) {
	p, err := scanProduct(r.DB.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Product{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return p, err
}

// Products loads the given ids without locking. Missing ids are simply absent.
func (r *Repo) Products(ctx context.Context, ids []string) (map[string]Product, error) {
	return r.load(ctx, r.DB, ids, false)
}

// Lock loads and row-locks the given products. Locks are taken in id order so two
// orders touching the same products cannot deadlock.
func (r *Repo) Lock(ctx context.Context, q postgres.Querier, ids []string) (map[string]Product, error) {
	return r.load(ctx, q, ids, true)
}

func (r *Repo) load(ctx context.Context, q postgres.Querier, ids []string, lock bool) (map[string]Product, error) {
	ids = uniqueSorted(ids)
	sql := `SELECT ` + productColumns + ` FROM products WHERE id = ANY($1) ORDER BY id`
	if lock {
		sql += ` FOR UPDATE`
	}
	rows, err := q.Query(ctx, sql, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]Product, len(ids))
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out[p.ID] = p
	}
	return out, rows.Err()
}

func (r *Repo) saveStock(ctx context.Context, q postgres.Querier, id string, rec stock.Record) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("product %s: %w", id, err)
	}
	raw, err := rec.Encode()
	if err != nil {
		return err
	}
	ct, err := q.Exec(ctx, `UPDATE products SET stock=$2, updated_at=now() WHERE id=$1`, id, raw)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (r *Repo) logger() *zap.Logger { return logx.OrNop(r.Log) }

func uniqueSorted(ids []string) []string {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return slices.Sorted(maps.Keys(set))
}
