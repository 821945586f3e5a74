package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/carpool/internal/matcher"
	"github.com/example/carpool/internal/models"
)

type fakeWriter struct {
	msgs   []kafka.Message
	closed bool
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("expected a deadline")
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { f.closed = true; return nil }

// fakeMatcher records which hook ran for which id.
type fakeMatcher struct{ calls []string }

func (f *fakeMatcher) OnRidePosted(ctx context.Context, r *models.Ride) (matcher.Report, error) {
	f.calls = append(f.calls, "ride:"+r.ID)
	return matcher.Report{Scanned: 1, Matched: 1}, nil
}

func (f *fakeMatcher) OnTripPosted(ctx context.Context, t *models.Trip) (matcher.Report, error) {
	f.calls = append(f.calls, "trip:"+t.ID)
	return matcher.Report{}, nil
}

func (f *fakeMatcher) OnRideRequestCreated(ctx context.Context, r *models.RideRequest) (matcher.Report, error) {
	f.calls = append(f.calls, "ride_request:"+r.ID)
	return matcher.Report{}, nil
}

func (f *fakeMatcher) OnTripRequestCreated(ctx context.Context, r *models.TripRequest) (matcher.Report, error) {
	f.calls = append(f.calls, "trip_request:"+r.ID)
	return matcher.Report{}, nil
}

func (f *fakeMatcher) OnPreferenceCreated(ctx context.Context, p *models.NotificationPreference) (matcher.Report, error) {
	f.calls = append(f.calls, "preference:"+p.ID)
	return matcher.Report{}, nil
}

func TestProducer_PublishThenHandle(t *testing.T) {
	ctx := context.Background()
	w := &fakeWriter{}
	p := NewProducer(w)

	require.NoError(t, p.Publish(ctx, RidePosted, "r1", &models.Ride{ID: "r1", DriverID: "d1"}))
	require.NoError(t, p.Publish(ctx, TripPosted, "t1", &models.Trip{ID: "t1"}))
	require.NoError(t, p.Publish(ctx, RideRequestCreated, "q1", &models.RideRequest{ID: "q1"}))
	require.NoError(t, p.Publish(ctx, TripRequestCreated, "q2", &models.TripRequest{ID: "q2"}))
	require.NoError(t, p.Publish(ctx, PreferenceCreated, "p1", &models.NotificationPreference{ID: "p1"}))
	require.Len(t, w.msgs, 5)
	assert.Equal(t, []byte("r1"), w.msgs[0].Key)

	m := &fakeMatcher{}
	for _, msg := range w.msgs {
		_, err := Handle(ctx, m, msg)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"ride:r1", "trip:t1", "ride_request:q1", "trip_request:q2", "preference:p1"}, m.calls)

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestHandle_RejectsBadMessages(t *testing.T) {
	ctx := context.Background()
	m := &fakeMatcher{}

	_, err := Handle(ctx, m, kafka.Message{Value: []byte(`{}`)})
	assert.ErrorIs(t, err, ErrUnknownEvent)

	msg, err := Encode(RidePosted, "r1", &models.Ride{ID: "r1"})
	require.NoError(t, err)
	msg.Value = []byte("not json")
	_, err = Handle(ctx, m, msg)
	assert.Error(t, err)
	assert.Empty(t, m.calls)
}

type scriptedReader struct {
	script []func() (kafka.Message, error)
	cancel context.CancelFunc
}

func (r *scriptedReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	if len(r.script) == 0 {
		r.cancel()
		return kafka.Message{}, ctx.Err()
	}
	next := r.script[0]
	r.script = r.script[1:]
	return next()
}

func (r *scriptedReader) Close() error { return nil }

func TestConsumer_BacksOffAndSkipsInvalid(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	good, err := Encode(RidePosted, "r1", &models.Ride{ID: "r1"})
	require.NoError(t, err)
	fail := func() (kafka.Message, error) { return kafka.Message{}, errors.New("broker unavailable") }

	reader := &scriptedReader{cancel: cancel, script: []func() (kafka.Message, error){
		fail,
		fail,
		func() (kafka.Message, error) { return kafka.Message{Value: []byte("junk")}, nil },
		fail,
		func() (kafka.Message, error) { return good, nil },
	}}
	var slept []time.Duration
	m := &fakeMatcher{}
	c := &Consumer{Reader: reader, Matcher: m, Sleep: func(ctx context.Context, d time.Duration) { slept = append(slept, d) }}
	c.Run(ctx)

	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, time.Second}, slept, "backoff resets after a successful read")
	assert.Equal(t, []string{"ride:r1"}, m.calls)
}
