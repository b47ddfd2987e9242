package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ariefcatur/go-storefront-orders/internal/logx"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Entry is one write-only audit record.
type Entry struct {
	EventID     string    `json:"event_id"`
	ActorID     string    `json:"actor_id"`
	ActorName   string    `json:"actor_name"`
	Action      string    `json:"action"`
	Target      string    `json:"target"`
	Description string    `json:"description"`
	At          time.Time `json:"at"`
}

func NewEntry(actorID, actorName, action, target, description string, at time.Time) Entry {
	return Entry{
		EventID: uuid.NewString(), ActorID: actorID, ActorName: actorName,
		Action: action, Target: target, Description: description, At: at.UTC(),
	}
}

const (
	ActionOrderCreate = "order.create"
	ActionOrderStatus = "order.status"
	ActionOrderMemo   = "order.memo"
	ActionOrderDelete = "order.delete"
)

type Sink interface {
	Record(ctx context.Context, e Entry) error
}

// Publisher is the producer side of the audit topic.
type Publisher interface {
	Publish(key, value []byte, headers ...kafka.Header) error
}

// KafkaSink hands entries to the audit topic; cmd/auditor persists them.
type KafkaSink struct {
	Producer Publisher
}

func (s *KafkaSink) Record(_ context.Context, e Entry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.Producer.Publish([]byte(e.Target), b, kafka.Header{Key: "x-audit-action", Value: []byte(e.Action)})
}

// LogSink writes entries to the structured log. Used when no broker is configured.
type LogSink struct {
	Log *zap.Logger
}

func (s *LogSink) Record(_ context.Context, e Entry) error {
	logx.OrNop(s.Log).Info("audit",
		zap.String("event_id", e.EventID), zap.String("actor_id", e.ActorID), zap.String("actor_name", e.ActorName),
		zap.String("action", e.Action), zap.String("target", e.Target), zap.String("description", e.Description),
		zap.Time("at", e.At))
	return nil
}
