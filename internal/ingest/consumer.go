package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/carpool/internal/logging"
	"github.com/example/carpool/internal/observability"
)

const maxBackoff = 30 * time.Second

// MessageReader is the subset of *kafka.Reader the consumer uses.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

func NewKafkaReader(brokers []string, topic, group string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: topic, GroupID: group, MinBytes: 1, MaxBytes: 10e6})
}

// Consumer feeds events from Kafka into the matching engine.
type Consumer struct {
	Reader  MessageReader
	Matcher Matcher
	Logger  *slog.Logger
	Sleep   func(ctx context.Context, d time.Duration)
}

func (c *Consumer) sleep(ctx context.Context, d time.Duration) {
	if c.Sleep != nil {
		c.Sleep(ctx, d)
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Run reads until ctx is cancelled. Read errors back off exponentially up to
// 30s; bad messages are logged and skipped.
func (c *Consumer) Run(ctx context.Context) {
	logger := logging.OrDefault(c.Logger)
	backoff := time.Second
	for {
		msg, err := c.Reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff.String())
			c.sleep(ctx, backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		rep, err := Handle(ctx, c.Matcher, msg)
		if err != nil {
			observability.EventsConsumed.WithLabelValues("invalid").Inc()
			logger.Warn("event not processed", "key", string(msg.Key), "offset", msg.Offset, "error", err)
			continue
		}
		observability.EventsConsumed.WithLabelValues("ok").Inc()
		logger.Info("event matched", "type", string(typeOf(msg)), "key", string(msg.Key),
			"scanned", rep.Scanned, "matched", rep.Matched, "skipped", rep.Skipped, "errors", len(rep.Errors))
	}
}
