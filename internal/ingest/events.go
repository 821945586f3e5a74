package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/example/carpool/internal/matcher"
	"github.com/example/carpool/internal/models"
)

type EventType string

const (
	RidePosted         EventType = "ride.posted"
	TripPosted         EventType = "trip.posted"
	RideRequestCreated EventType = "ride_request.created"
	TripRequestCreated EventType = "trip_request.created"
	PreferenceCreated  EventType = "preference.created"
)

const (
	DefaultTopic    = "carpool-events"
	DefaultGroup    = "carpool-matcher"
	headerEventType = "event-type"
)

var ErrUnknownEvent = errors.New("unknown event type")

// Matcher is the part of the matching engine the consumer drives.
type Matcher interface {
	OnRidePosted(ctx context.Context, ride *models.Ride) (matcher.Report, error)
	OnTripPosted(ctx context.Context, trip *models.Trip) (matcher.Report, error)
	OnRideRequestCreated(ctx context.Context, req *models.RideRequest) (matcher.Report, error)
	OnTripRequestCreated(ctx context.Context, req *models.TripRequest) (matcher.Report, error)
	OnPreferenceCreated(ctx context.Context, p *models.NotificationPreference) (matcher.Report, error)
}

// Encode wraps a record as a message keyed by its id, with the event type in a header.
func Encode(typ EventType, id string, v any) (kafka.Message, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode %s: %w", typ, err)
	}
	return kafka.Message{
		Key:     []byte(id),
		Value:   b,
		Headers: []kafka.Header{{Key: headerEventType, Value: []byte(typ)}},
	}, nil
}

func typeOf(msg kafka.Message) EventType {
	for _, h := range msg.Headers {
		if h.Key == headerEventType {
			return EventType(h.Value)
		}
	}
	return ""
}

// Handle decodes msg and runs the matching scan for it.
func Handle(ctx context.Context, m Matcher, msg kafka.Message) (matcher.Report, error) {
	typ := typeOf(msg)
	switch typ {
	case RidePosted:
		var r models.Ride
		if err := json.Unmarshal(msg.Value, &r); err != nil {
			return matcher.Report{}, fmt.Errorf("decode %s: %w", typ, err)
		}
		return m.OnRidePosted(ctx, &r)
	case TripPosted:
		var t models.Trip
		if err := json.Unmarshal(msg.Value, &t); err != nil {
			return matcher.Report{}, fmt.Errorf("decode %s: %w", typ, err)
		}
		return m.OnTripPosted(ctx, &t)
	case RideRequestCreated:
		var r models.RideRequest
		if err := json.Unmarshal(msg.Value, &r); err != nil {
			return matcher.Report{}, fmt.Errorf("decode %s: %w", typ, err)
		}
		return m.OnRideRequestCreated(ctx, &r)
	case TripRequestCreated:
		var r models.TripRequest
		if err := json.Unmarshal(msg.Value, &r); err != nil {
			return matcher.Report{}, fmt.Errorf("decode %s: %w", typ, err)
		}
		return m.OnTripRequestCreated(ctx, &r)
	case PreferenceCreated:
		var p models.NotificationPreference
		if err := json.Unmarshal(msg.Value, &p); err != nil {
			return matcher.Report{}, fmt.Errorf("decode %s: %w", typ, err)
		}
		return m.OnPreferenceCreated(ctx, &p)
	}
	return matcher.Report{}, fmt.Errorf("%w %q", ErrUnknownEvent, typ)
}
