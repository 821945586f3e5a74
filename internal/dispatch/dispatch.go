// Package dispatch turns engine events into persisted notifications and hands
// them to the delivery transports through a bounded queue with one consumer.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/example/carpool/internal/logging"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/observability"
)

const DefaultQueueSize = 256

// Event is what the engines emit: who did what to whom, about which offering.
type Event struct {
	Action         models.Action
	ActorRole      models.ActorRole
	SenderID       string
	ReceiverID     string
	Offering       models.Offering // optional; used for the route label
	Ref            models.OfferingRef
	ConfirmationID string
	Reason         string
	ReRequest      bool
	Data           map[string]any
}

// Notifier is the seam the engines depend on.
type Notifier interface {
	Notify(ctx context.Context, ev Event) (*models.Notification, error)
}

type NotificationSaver interface {
	SaveNotification(ctx context.Context, n *models.Notification) error
}

type NameResolver interface {
	DisplayName(ctx context.Context, userID string) string
}

// Delivery pushes a persisted notification towards the recipient.
type Delivery interface {
	Deliver(ctx context.Context, n models.Notification) error
}

var ErrNoReceiver = errors.New("notification has no receiver")

type Dispatcher struct {
	store    NotificationSaver
	names    NameResolver
	delivery Delivery
	queue    chan models.Notification
	logger   *slog.Logger

	Now   func() time.Time
	NewID func() string
}

// New builds a Dispatcher. delivery may be nil, in which case notifications
// are only persisted.
func New(store NotificationSaver, names NameResolver, delivery Delivery, queueSize int, logger *slog.Logger) *Dispatcher {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Dispatcher{
		store:    store,
		names:    names,
		delivery: delivery,
		queue:    make(chan models.Notification, queueSize),
		logger:   logging.OrDefault(logger),
		Now:      time.Now,
		NewID:    uuid.NewString,
	}
}

// Notify persists the notification and queues it for delivery. A full queue
// drops the delivery but keeps the record.
func (d *Dispatcher) Notify(ctx context.Context, ev Event) (*models.Notification, error) {
	if ev.ReceiverID == "" {
		return nil, ErrNoReceiver
	}
	if ev.Offering != nil && ev.Ref.ID == "" {
		ev.Ref = ev.Offering.Ref()
	}
	if ev.SenderID == "" {
		ev.SenderID = models.SystemSender
	}
	sender := models.SystemSender
	if d.names != nil && ev.ActorRole != models.RoleSystem {
		sender = d.names.DisplayName(ctx, ev.SenderID)
	}
	rideID, tripID := "", ""
	if ev.Ref.ID != "" {
		rideID, tripID = ev.Ref.IDs()
	}
	n := models.Notification{
		ID:             d.NewID(),
		SenderID:       ev.SenderID,
		ReceiverID:     ev.ReceiverID,
		Action:         ev.Action,
		ActorRole:      ev.ActorRole,
		RideID:         rideID,
		TripID:         tripID,
		ConfirmationID: ev.ConfirmationID,
		Content:        Render(ev, sender),
		Data:           maps.Clone(ev.Data),
		CreatedAt:      d.Now(),
	}
	if ev.ReRequest || ev.Reason != "" {
		if n.Data == nil {
			n.Data = map[string]any{}
		}
		if ev.ReRequest {
			n.Data["re_request"] = true
		}
		if ev.Reason != "" {
			n.Data["reason"] = ev.Reason
		}
	}
	if err := d.store.SaveNotification(ctx, &n); err != nil {
		return nil, fmt.Errorf("save notification: %w", err)
	}
	observability.NotificationsTotal.WithLabelValues(string(n.Action)).Inc()

	if d.delivery != nil {
		select {
		case d.queue <- n:
			observability.DispatchQueueDepth.Set(float64(len(d.queue)))
		default:
			observability.DeliveriesTotal.WithLabelValues("dropped").Inc()
			d.logger.Warn("dispatch queue full, delivery dropped", "notification_id", n.ID, "receiver_id", n.ReceiverID)
		}
	}
	return &n, nil
}

// Run delivers queued notifications until ctx is cancelled. Only one Run
// should be active per Dispatcher.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-d.queue:
			observability.DispatchQueueDepth.Set(float64(len(d.queue)))
			d.deliver(ctx, n)
		}
	}
}

// Drain delivers whatever is queued right now and returns.
func (d *Dispatcher) Drain(ctx context.Context) int {
	count := 0
	for {
		select {
		case n := <-d.queue:
			d.deliver(ctx, n)
			count++
		default:
			observability.DispatchQueueDepth.Set(0)
			return count
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, n models.Notification) {
	if err := d.delivery.Deliver(ctx, n); err != nil {
		observability.DeliveriesTotal.WithLabelValues("error").Inc()
		d.logger.Warn("notification delivery failed", "notification_id", n.ID, "receiver_id", n.ReceiverID, "error", err)
		return
	}
	observability.DeliveriesTotal.WithLabelValues("ok").Inc()
}

// Multi fans a notification out to every transport. Missing websocket
// sessions are not errors.
type Multi []Delivery

func (m Multi) Deliver(ctx context.Context, n models.Notification) error {
	var errs []error
	for _, d := range m {
		if err := d.Deliver(ctx, n); err != nil && !errors.Is(err, ErrNoSession) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
