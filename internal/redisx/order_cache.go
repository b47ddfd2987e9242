package redisx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// OrderCache is the fast path in front of Postgres: idempotency key -> order id and
// a short-lived status cache. Postgres stays the source of truth.
type OrderCache struct {
	R *redis.Client
}

type cachedStatus struct {
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (c *OrderCache) LookupOrder(ctx context.Context, externalID string) (string, bool) {
	id, err := c.R.Get(ctx, fmt.Sprintf(KeyIdemOrderCreate, externalID)).Result()
	if err != nil || id == "" {
		return "", false
	}
	return id, true
}

func (c *OrderCache) RememberOrder(ctx context.Context, externalID, orderID string) error {
	return c.R.Set(ctx, fmt.Sprintf(KeyIdemOrderCreate, externalID), orderID, TTLIdempotency).Err()
}

func (c *OrderCache) SetStatus(ctx context.Context, orderID, status string, at time.Time) error {
	b, err := json.Marshal(cachedStatus{Status: status, UpdatedAt: at.UTC()})
	if err != nil {
		return err
	}
	return c.R.Set(ctx, fmt.Sprintf(KeyOrderStatus, orderID), b, TTLStatusCache).Err()
}

func (c *OrderCache) CachedStatus(ctx context.Context, orderID string) (string, time.Time, bool) {
	s, err := c.R.Get(ctx, fmt.Sprintf(KeyOrderStatus, orderID)).Result()
	if err != nil {
		return "", time.Time{}, false
	}
	var cs cachedStatus
	if err := json.Unmarshal([]byte(s), &cs); err != nil || cs.Status == "" {
		return "", time.Time{}, false
	}
	return cs.Status, cs.UpdatedAt, true
}

func (c *OrderCache) DropStatus(ctx context.Context, orderID string) error {
	err := c.R.Del(ctx, fmt.Sprintf(KeyOrderStatus, orderID)).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}
