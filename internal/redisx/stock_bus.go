package redisx

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ariefcatur/go-storefront-orders/internal/stock"
	"github.com/redis/go-redis/v9"
)

// StockBus fans stock snapshots out to live subscribers over Redis pub/sub.
type StockBus struct {
	R      *redis.Client
	Buffer int
}

func (b *StockBus) PublishStock(ctx context.Context, snap stock.Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return b.R.Publish(ctx, fmt.Sprintf(ChannelStock, snap.ProductID), payload).Err()
}

// Subscription delivers snapshots for one product until Close.
type Subscription struct {
	C <-chan stock.Snapshot

	ps   *redis.PubSub
	once sync.Once
	done chan struct{}
}

func (b *StockBus) Subscribe(ctx context.Context, productID string) (*Subscription, error) {
	ps := b.R.Subscribe(ctx, fmt.Sprintf(ChannelStock, productID))
	// tunggu konfirmasi subscribe supaya publish berikutnya tidak hilang
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	buf := b.Buffer
	if buf <= 0 {
		buf = 16
	}
	out := make(chan stock.Snapshot, buf)
	sub := &Subscription{C: out, ps: ps, done: make(chan struct{})}
	go func() {
		defer close(out)
		for msg := range ps.Channel() {
			var snap stock.Snapshot
			if err := json.Unmarshal([]byte(msg.Payload), &snap); err != nil {
				continue
			}
			select {
			case out <- snap:
			case <-sub.done:
				return
			default:
				// subscriber lambat: buang snapshot lama, yang terbaru menyusul
			}
		}
	}()
	return sub, nil
}

func (s *Subscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}
