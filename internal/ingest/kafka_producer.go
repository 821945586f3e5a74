package ingest

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
)

// MessageWriter is the subset of *kafka.Writer the producer uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaProducer struct {
	writer  MessageWriter
	Timeout time.Duration
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := &kafka.Writer{Addr: kafka.TCP(brokers...), Topic: topic, Balancer: &kafka.Hash{}}
	return &KafkaProducer{writer: w, Timeout: 2 * time.Second}
}

// NewProducer wraps an existing writer.
func NewProducer(w MessageWriter) *KafkaProducer {
	return &KafkaProducer{writer: w, Timeout: 2 * time.Second}
}

// Publish writes one event. Records with the same id land on the same
// partition so their events stay ordered.
func (k *KafkaProducer) Publish(ctx context.Context, typ EventType, id string, v any) error {
	msg, err := Encode(typ, id, v)
	if err != nil {
		return err
	}
	if k.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, k.Timeout)
		defer cancel()
	}
	return k.writer.WriteMessages(ctx, msg)
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
