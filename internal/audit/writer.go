package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ariefcatur/go-storefront-orders/internal/logx"
	"github.com/ariefcatur/go-storefront-orders/internal/postgres"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Writer persists entries into audit_log. Inserting the same event twice is a no-op.
type Writer struct {
	DB postgres.Querier
}

func (w *Writer) Record(ctx context.Context, e Entry) error {
	_, err := w.DB.Exec(ctx, `
		INSERT INTO audit_log(event_id, actor_id, actor_name, action, target, description, occurred_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (event_id) DO NOTHING`,
		e.EventID, e.ActorID, e.ActorName, e.Action, e.Target, e.Description, e.At)
	if err != nil {
		return fmt.Errorf("insert audit %s: %w", e.EventID, err)
	}
	return nil
}

// Deduper remembers processed event ids.
type Deduper interface {
	Seen(ctx context.Context, id string) (bool, error)
	Mark(ctx context.Context, id string) error
}

// Handler consumes the audit topic. Undecodable messages are logged and committed;
// a failed insert is returned so the offset is not committed.
func Handler(sink Sink, dedup Deduper, log *zap.Logger) func(ctx context.Context, m kafka.Message) error {
	log = logx.OrNop(log)
	return func(ctx context.Context, m kafka.Message) error {
		var e Entry
		if err := json.Unmarshal(m.Value, &e); err != nil || e.EventID == "" {
			log.Warn("audit message dropped", zap.Int64("offset", m.Offset), zap.Int("partition", m.Partition), zap.Error(err))
			return nil
		}
		if dedup != nil {
			if seen, err := dedup.Seen(ctx, e.EventID); err == nil && seen {
				return nil
			}
		}
		if err := sink.Record(ctx, e); err != nil {
			return err
		}
		if dedup != nil {
			if err := dedup.Mark(ctx, e.EventID); err != nil {
				log.Warn("audit dedup mark", zap.String("event_id", e.EventID), zap.Error(err))
			}
		}
		return nil
	}
}
