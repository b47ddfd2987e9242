package redisx

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Dedup tracks processed event ids per consuming service.
type Dedup struct {
	R       *redis.Client
	Service string
}

func (d *Dedup) Seen(ctx context.Context, id string) (bool, error) {
	return Exists(ctx, d.R, fmt.Sprintf(KeyDedup, d.Service, id))
}

func (d *Dedup) Mark(ctx context.Context, id string) error {
	return d.R.Set(ctx, fmt.Sprintf(KeyDedup, d.Service, id), 1, TTLDedup).Err()
}
