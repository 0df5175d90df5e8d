package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/carpool-ledger/internal/models"
	"github.com/example/carpool-ledger/internal/storage"
)

// Publisher receives lifecycle events after the ledger confirmed them.
type Publisher interface {
	Publish(ctx context.Context, ev models.LifecycleEvent) error
}

// messageWriter is the part of *kafka.Writer the producer uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaProducer struct {
	writer  messageWriter
	timeout time.Duration
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
	return &KafkaProducer{writer: w, timeout: 2 * time.Second}
}

// Publish keys messages by ride id so one ride's events stay ordered
// within a partition.
func (k *KafkaProducer) Publish(ctx context.Context, ev models.LifecycleEvent) error {
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(ev.RideID.String()), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// JournalPublisher writes events straight to the journal, for deployments
// without Kafka.
type JournalPublisher struct {
	Journal storage.Journal
}

func (j JournalPublisher) Publish(ctx context.Context, ev models.LifecycleEvent) error {
	return j.Journal.AppendEvent(ctx, ev)
}
