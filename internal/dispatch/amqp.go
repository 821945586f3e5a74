package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/example/carpool/internal/models"
)

const DefaultExchange = "notifications"

// Publisher is the slice of an AMQP channel used for delivery.
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPPublisher hands notifications to a topic exchange; routing key is
// notification.<action>.
type AMQPPublisher struct {
	ch       Publisher
	exchange string
	closers  []func() error
}

func NewAMQPPublisher(ch Publisher, exchange string) *AMQPPublisher {
	if exchange == "" {
		exchange = DefaultExchange
	}
	return &AMQPPublisher{ch: ch, exchange: exchange}
}

// DialAMQP connects, opens a channel and declares the durable exchange.
func DialAMQP(url, exchange string) (*AMQPPublisher, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq exchange declare: %w", err)
	}
	p := NewAMQPPublisher(ch, exchange)
	p.closers = []func() error{ch.Close, conn.Close}
	return p, nil
}

func RoutingKey(a models.Action) string { return "notification." + string(a) }

func (p *AMQPPublisher) Deliver(ctx context.Context, n models.Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return p.ch.PublishWithContext(ctx, p.exchange, RoutingKey(n.Action), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    n.ID,
		Timestamp:    n.CreatedAt.UTC(),
		Body:         body,
	})
}

func (p *AMQPPublisher) Close() error {
	var first error
	for _, c := range p.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
