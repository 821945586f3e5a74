package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/storage"
)

type staticNames map[string]string

func (s staticNames) DisplayName(ctx context.Context, id string) string {
	if n, ok := s[id]; ok {
		return n
	}
	return "User"
}

type recordingDelivery struct {
	mu  sync.Mutex
	got []models.Notification
	err error
}

func (r *recordingDelivery) Deliver(ctx context.Context, n models.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
	return r.err
}

var ride = &models.Ride{
	ID: "ride-1", DriverID: "driver",
	From: models.Location{Name: "Boston"}, To: models.Location{Name: "New York"},
	DepartureDateTime: time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC),
}

func TestNotify_PersistsAndQueues(t *testing.T) {
	store := storage.NewMemoryStore()
	del := &recordingDelivery{}
	d := New(store, staticNames{"driver": "Dana"}, del, 4, nil)

	n, err := d.Notify(context.Background(), Event{
		Action: models.ActionAccept, ActorRole: models.RoleOwner,
		SenderID: "driver", ReceiverID: "pax", Offering: ride, ConfirmationID: "c1", Reason: "seat freed up",
	})
	require.NoError(t, err)
	assert.Equal(t, "ride-1", n.RideID)
	assert.Empty(t, n.TripID)
	assert.Equal(t, "Dana accepted your request for the ride Boston → New York: seat freed up", n.Content)
	assert.Equal(t, "seat freed up", n.Data["reason"])

	has, err := store.HasNotification(context.Background(), "c1", models.ActionAccept)
	require.NoError(t, err)
	assert.True(t, has)

	assert.Equal(t, 1, d.Drain(context.Background()))
	require.Len(t, del.got, 1)
	assert.Equal(t, n.ID, del.got[0].ID)
}

func TestNotify_RequiresReceiver(t *testing.T) {
	d := New(storage.NewMemoryStore(), nil, nil, 1, nil)
	_, err := d.Notify(context.Background(), Event{Action: models.ActionMatch})
	assert.ErrorIs(t, err, ErrNoReceiver)
}

func TestNotify_FullQueueKeepsRecord(t *testing.T) {
	store := storage.NewMemoryStore()
	d := New(store, nil, &recordingDelivery{}, 1, nil)
	for i := 0; i < 3; i++ {
		_, err := d.Notify(context.Background(), Event{Action: models.ActionMatch, ActorRole: models.RoleSystem, ReceiverID: "u1", Offering: ride})
		require.NoError(t, err)
	}
	list, _ := store.ListNotifications(context.Background(), "u1", 0)
	assert.Len(t, list, 3)
	assert.Equal(t, 1, d.Drain(context.Background()))
}

func TestRun_DeliversUntilCancelled(t *testing.T) {
	del := &recordingDelivery{}
	d := New(storage.NewMemoryStore(), nil, del, 8, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { d.Run(ctx); close(done) }()

	_, err := d.Notify(context.Background(), Event{Action: models.ActionExpired, ActorRole: models.RoleSystem, ReceiverID: "u1", Offering: ride})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		del.mu.Lock()
		defer del.mu.Unlock()
		return len(del.got) == 1
	}, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestRender(t *testing.T) {
	trip := &models.Trip{ID: "t1", FromAirport: "JFK", ToAirport: "LHR", TravelDate: "2025-06-01"}
	cases := []struct {
		ev   Event
		want string
	}{
		{Event{Action: models.ActionRequest, Offering: trip}, "Sam requested to join the trip JFK → LHR"},
		{Event{Action: models.ActionRequest, Offering: trip, ReRequest: true, Reason: "plans changed"}, "Sam is requesting the trip JFK → LHR again: plans changed"},
		{Event{Action: models.ActionAccept, ActorRole: models.RolePassenger, Offering: trip}, "Sam restored their confirmation for the trip JFK → LHR"},
		{Event{Action: models.ActionReject, Offering: trip}, "Sam declined your request for the trip JFK → LHR"},
		{Event{Action: models.ActionExpired, Offering: trip, Reason: "departure time has passed"}, "Your request for the trip JFK → LHR has expired: departure time has passed"},
		{Event{Action: models.ActionMatch, Offering: trip, Data: map[string]any{"date": "2025-06-01"}}, "New match for the trip JFK → LHR on 2025-06-01"},
		{Event{Action: models.ActionCancel, Ref: models.RideRef("r9")}, "Sam cancelled their confirmation for your ride"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Render(c.ev, "Sam"))
	}
}

func TestMulti_IgnoresMissingSessions(t *testing.T) {
	rec := &recordingDelivery{}
	m := Multi{NewWSRegistry(), rec}
	require.NoError(t, m.Deliver(context.Background(), models.Notification{ID: "n1", ReceiverID: "offline"}))
	assert.Len(t, rec.got, 1)

	failing := &recordingDelivery{err: errors.New("broker down")}
	assert.Error(t, Multi{failing}.Deliver(context.Background(), models.Notification{}))
}

type fakePublisher struct {
	exchange, key string
	msg           amqp.Publishing
}

func (f *fakePublisher) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	f.exchange, f.key, f.msg = exchange, key, msg
	return nil
}

func TestAMQPPublisher_Deliver(t *testing.T) {
	fp := &fakePublisher{}
	p := NewAMQPPublisher(fp, "")
	n := models.Notification{ID: "n1", ReceiverID: "u1", Action: models.ActionExpired, CreatedAt: time.Unix(100, 0)}
	require.NoError(t, p.Deliver(context.Background(), n))
	assert.Equal(t, DefaultExchange, fp.exchange)
	assert.Equal(t, "notification.expired", fp.key)
	assert.Equal(t, "n1", fp.msg.MessageId)
	assert.Equal(t, amqp.Persistent, fp.msg.DeliveryMode)

	var decoded models.Notification
	require.NoError(t, json.Unmarshal(fp.msg.Body, &decoded))
	assert.Equal(t, "u1", decoded.ReceiverID)
	assert.NoError(t, p.Close())
}

func TestWebhookSender_Deliver(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	w := NewWebhookSender(srv.URL, "secret")
	require.NoError(t, w.Deliver(context.Background(), models.Notification{ID: "n1", ReceiverID: "u1"}))
	assert.Equal(t, "Bearer secret", auth)

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer bad.Close()
	assert.Error(t, NewWebhookSender(bad.URL, "").Deliver(context.Background(), models.Notification{}))
}
