package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/carpool/internal/dispatch"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/storage"
)

var rejectedAt = time.Date(2025, 3, 8, 9, 0, 0, 0, time.UTC)

type fixture struct {
	store *storage.MemoryStore
	svc   *Service
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{store: storage.NewMemoryStore(), now: rejectedAt}
	require.NoError(t, f.store.SaveRide(ctx, &models.Ride{
		ID: "r1", DriverID: "owner", From: models.Location{Name: "Boston"}, To: models.Location{Name: "New York"},
		DepartureDateTime: rejectedAt.Add(72 * time.Hour),
	}))
	d := dispatch.New(f.store, nil, nil, 8, nil)
	f.svc = New(f.store, d, nil)
	f.svc.Now = func() time.Time { return f.now }
	ids := 0
	f.svc.NewID = func() string { ids++; return fmt.Sprintf("c-new-%d", ids) }
	return f
}

func (f *fixture) seed(t *testing.T, id string, st models.Status, updated time.Time) {
	t.Helper()
	f.seedFor(t, id, "pax", st, updated)
}

func (f *fixture) seedFor(t *testing.T, id, passenger string, st models.Status, updated time.Time) {
	t.Helper()
	require.NoError(t, f.store.CreateConfirmation(context.Background(), &models.Confirmation{
		ID: id, RideID: "r1", OwnerID: "owner", PassengerID: passenger,
		Status: st, CreatedAt: updated.Add(-time.Hour), UpdatedAt: updated,
	}))
}

func (f *fixture) inbox(t *testing.T, user string) []models.Notification {
	t.Helper()
	list, err := f.store.ListNotifications(context.Background(), user, 0)
	require.NoError(t, err)
	return list
}

func requireCode(t *testing.T, err error, code int) *Error {
	t.Helper()
	var verr *Error
	require.True(t, errors.As(err, &verr), "expected *lifecycle.Error, got %v", err)
	assert.Equal(t, code, verr.StatusCode())
	return verr
}

func TestReversalEligibility_Window(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "c1", models.StatusRejected, rejectedAt)
	ctx := context.Background()

	f.now = rejectedAt.Add(24*time.Hour - time.Minute)
	el, err := f.svc.ReversalEligibility(ctx, "c1", "owner")
	require.NoError(t, err)
	assert.True(t, el.CanReverse)
	assert.Equal(t, ReversalRejection, el.Type)
	assert.InDelta(t, 1.0/60, el.TimeRemaining, 1e-9)

	f.now = rejectedAt.Add(24 * time.Hour)
	el, err = f.svc.ReversalEligibility(ctx, "c1", "pax")
	require.NoError(t, err)
	assert.True(t, el.CanReverse, "the 24h boundary is inclusive")
	assert.Equal(t, ReversalCancellation, el.Type)

	f.now = rejectedAt.Add(24*time.Hour + time.Minute)
	el, err = f.svc.ReversalEligibility(ctx, "c1", "owner")
	require.NoError(t, err)
	assert.False(t, el.CanReverse)
	assert.Equal(t, "Reversal period has expired (24 hours)", el.Reason)
}

func TestReversalEligibility_Conditions(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name   string
		status models.Status
		user   string
		now    time.Time
		reason string
	}{
		{"stranger", models.StatusRejected, "someone", rejectedAt.Add(time.Hour), ReasonNoPermission},
		{"still pending", models.StatusPending, "owner", rejectedAt.Add(time.Hour), ReasonNotRejected},
		{"accepted", models.StatusAccepted, "pax", rejectedAt.Add(time.Hour), ReasonNotRejected},
		{"ride already left", models.StatusRejected, "owner", rejectedAt.Add(72 * time.Hour), ReasonDeparted},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			f := newFixture(t)
			f.seed(t, "c1", c.status, c.now.Add(-time.Hour))
			f.now = c.now
			el, err := f.svc.ReversalEligibility(ctx, "c1", c.user)
			require.NoError(t, err)
			assert.False(t, el.CanReverse)
			assert.Equal(t, c.reason, el.Reason)
		})
	}
}

func TestReversalEligibility_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.ReversalEligibility(context.Background(), "missing", "owner")
	requireCode(t, err, http.StatusNotFound)
}

func TestReverse_RestoresAcceptedAndNotifiesCounterparty(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "c1", models.StatusRejected, rejectedAt)
	f.now = rejectedAt.Add(2 * time.Hour)

	c, err := f.svc.Reverse(context.Background(), "c1", "owner", "clicked the wrong button")
	require.NoError(t, err)
	assert.Equal(t, models.StatusAccepted, c.Status)
	require.NotNil(t, c.ConfirmedAt)
	assert.Equal(t, f.now, *c.ConfirmedAt)

	stored, _ := f.store.GetConfirmation(context.Background(), "c1")
	assert.Equal(t, models.StatusAccepted, stored.Status)
	assert.Equal(t, f.now, stored.UpdatedAt)

	inbox := f.inbox(t, "pax")
	require.Len(t, inbox, 1)
	assert.Equal(t, models.ActionAccept, inbox[0].Action)
	assert.Equal(t, models.RoleOwner, inbox[0].ActorRole)
	assert.Equal(t, "clicked the wrong button", inbox[0].Data["reason"])
	assert.Empty(t, f.inbox(t, "owner"))
}

func TestReverse_PassengerNotifiesOwner(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "c1", models.StatusRejected, rejectedAt)
	f.now = rejectedAt.Add(time.Hour)

	_, err := f.svc.Reverse(context.Background(), "c1", "pax", "")
	require.NoError(t, err)
	inbox := f.inbox(t, "owner")
	require.Len(t, inbox, 1)
	assert.Equal(t, "cancellation", inbox[0].Data["reversal_type"])
}

func TestReverse_FailsAfterWindow(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "c1", models.StatusRejected, rejectedAt)
	f.now = rejectedAt.Add(25 * time.Hour)

	_, err := f.svc.Reverse(context.Background(), "c1", "owner", "")
	verr := requireCode(t, err, http.StatusConflict)
	assert.Equal(t, ReasonWindowExpired, verr.Reason)
}

// racingStore changes the row between the service's read and its write.
type racingStore struct {
	*storage.MemoryStore
	before func()
}

func (r *racingStore) UpdateConfirmationStatus(ctx context.Context, id string, from models.Status, ch models.StatusChange) (bool, error) {
	if r.before != nil {
		r.before()
		r.before = nil
	}
	return r.MemoryStore.UpdateConfirmationStatus(ctx, id, from, ch)
}

func TestReverse_LostRaceIsConflict(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "c1", models.StatusRejected, rejectedAt)
	f.now = rejectedAt.Add(time.Hour)
	rs := &racingStore{MemoryStore: f.store, before: func() {
		_, err := f.store.UpdateConfirmationStatus(context.Background(), "c1", models.StatusRejected,
			models.StatusChange{To: models.StatusPending, UpdatedAt: f.now})
		require.NoError(t, err)
	}}
	f.svc.Store = rs

	_, err := f.svc.Reverse(context.Background(), "c1", "owner", "")
	requireCode(t, err, http.StatusConflict)
	stored, _ := f.store.GetConfirmation(context.Background(), "c1")
	assert.Equal(t, models.StatusPending, stored.Status)
	assert.Empty(t, f.inbox(t, "pax"))
}

func TestCanRequestAgain_Cooldown(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "c1", models.StatusRejected, rejectedAt)
	ctx := context.Background()

	f.now = rejectedAt
	check, err := f.svc.CanRequestAgain(ctx, "pax", models.RideRef("r1"))
	require.NoError(t, err)
	assert.False(t, check.Allowed)
	assert.Equal(t, 30, check.CooldownMinutes)

	f.now = rejectedAt.Add(29 * time.Minute)
	check, err = f.svc.CanRequestAgain(ctx, "pax", models.RideRef("r1"))
	require.NoError(t, err)
	assert.False(t, check.Allowed)
	assert.Equal(t, 1, check.CooldownMinutes)
	assert.Equal(t, "Please wait 1 more minute before requesting again", check.Reason)

	f.now = rejectedAt.Add(18 * time.Minute)
	check, _ = f.svc.CanRequestAgain(ctx, "pax", models.RideRef("r1"))
	assert.Equal(t, "Please wait 12 more minutes before requesting again", check.Reason)

	f.now = rejectedAt.Add(30 * time.Minute)
	check, _ = f.svc.CanRequestAgain(ctx, "pax", models.RideRef("r1"))
	assert.True(t, check.Allowed)

	f.now = rejectedAt.Add(31 * time.Minute)
	check, _ = f.svc.CanRequestAgain(ctx, "pax", models.RideRef("r1"))
	assert.True(t, check.Allowed)
}

func TestCanRequestAgain_UsesLatestConfirmation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.now = rejectedAt.Add(2 * time.Hour)

	check, err := f.svc.CanRequestAgain(ctx, "pax", models.RideRef("r1"))
	require.NoError(t, err)
	assert.True(t, check.Allowed, "no history")

	f.seed(t, "old", models.StatusRejected, rejectedAt)
	f.seed(t, "newer", models.StatusAccepted, rejectedAt.Add(time.Hour))
	check, err = f.svc.CanRequestAgain(ctx, "pax", models.RideRef("r1"))
	require.NoError(t, err)
	assert.False(t, check.Allowed)
	assert.Equal(t, ReasonAlreadyAccepted, check.Reason)

	check, _ = f.svc.CanRequestAgain(ctx, "other", models.RideRef("r1"))
	assert.True(t, check.Allowed)
}

func TestCanRequestAgain_Pending(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "c1", models.StatusPending, rejectedAt)
	check, err := f.svc.CanRequestAgain(context.Background(), "pax", models.RideRef("r1"))
	require.NoError(t, err)
	assert.False(t, check.Allowed)
	assert.Equal(t, ReasonAlreadyPending, check.Reason)
}

func TestRequestAgain_OnlyOnce(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "c1", models.StatusRejected, rejectedAt)
	f.now = rejectedAt.Add(45 * time.Minute)
	ctx := context.Background()

	c, err := f.svc.RequestAgain(ctx, "c1", "pax", "owner", "seat is free again?")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, c.Status)
	assert.Nil(t, c.ConfirmedAt)

	_, err = f.svc.RequestAgain(ctx, "c1", "pax", "owner", "seat is free again?")
	requireCode(t, err, http.StatusConflict)

	inbox := f.inbox(t, "owner")
	require.Len(t, inbox, 1)
	assert.Equal(t, models.ActionRequest, inbox[0].Action)
	assert.Equal(t, true, inbox[0].Data["re_request"])
	assert.Equal(t, "seat is free again?", inbox[0].Data["reason"])
}

func TestRequestAgain_Validation(t *testing.T) {
	ctx := context.Background()

	f := newFixture(t)
	f.seed(t, "c1", models.StatusRejected, rejectedAt)
	f.now = rejectedAt.Add(10 * time.Minute)
	_, err := f.svc.RequestAgain(ctx, "c1", "pax", "", "")
	verr := requireCode(t, err, http.StatusTooManyRequests)
	assert.Equal(t, "Please wait 20 more minutes before requesting again", verr.Reason)

	f.now = rejectedAt.Add(time.Hour)
	_, err = f.svc.RequestAgain(ctx, "c1", "owner", "", "")
	requireCode(t, err, http.StatusForbidden)
	_, err = f.svc.RequestAgain(ctx, "c1", "pax", "someone-else", "")
	requireCode(t, err, http.StatusBadRequest)

	f.now = rejectedAt.Add(80 * time.Hour)
	_, err = f.svc.RequestAgain(ctx, "c1", "pax", "", "")
	requireCode(t, err, http.StatusConflict)

	stored, _ := f.store.GetConfirmation(ctx, "c1")
	assert.Equal(t, models.StatusRejected, stored.Status)
}

func TestRequest_CreatesPendingAndNotifiesOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c, err := f.svc.Request(ctx, "pax", models.RideRef("r1"), "")
	require.NoError(t, err)
	assert.Equal(t, "c-new-1", c.ID)
	assert.Equal(t, "owner", c.OwnerID)
	assert.Equal(t, models.StatusPending, c.Status)
	require.Len(t, f.inbox(t, "owner"), 1)

	_, err = f.svc.Request(ctx, "pax", models.RideRef("r1"), "")
	verr := requireCode(t, err, http.StatusConflict)
	assert.Equal(t, ReasonAlreadyPending, verr.Reason)

	_, err = f.svc.Request(ctx, "owner", models.RideRef("r1"), "")
	requireCode(t, err, http.StatusBadRequest)
	_, err = f.svc.Request(ctx, "pax", models.TripRef("nope"), "")
	requireCode(t, err, http.StatusNotFound)
}

// staleCheckStore hides existing confirmations from reads, as when two
// requests pass the cooldown check before either has inserted.
type staleCheckStore struct {
	*storage.MemoryStore
}

func (s staleCheckStore) FindConfirmations(context.Context, storage.ConfirmationFilter) ([]models.Confirmation, error) {
	return nil, nil
}

func TestRequest_ConcurrentDuplicateIsConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.svc.Store = staleCheckStore{MemoryStore: f.store}

	_, err := f.svc.Request(ctx, "pax", models.RideRef("r1"), "")
	require.NoError(t, err)
	_, err = f.svc.Request(ctx, "pax", models.RideRef("r1"), "")
	verr := requireCode(t, err, http.StatusConflict)
	assert.Equal(t, ReasonAlreadyPending, verr.Reason)

	pending, err := f.store.FindConfirmations(ctx, storage.ConfirmationFilter{PassengerID: "pax", Status: models.StatusPending})
	require.NoError(t, err)
	assert.Len(t, pending, 1)
	assert.Len(t, f.inbox(t, "owner"), 1)
}

func TestRequestAgain_BlockedByNewerPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "old", models.StatusRejected, rejectedAt)
	f.svc.Store = staleCheckStore{MemoryStore: f.store}
	f.seed(t, "new", models.StatusPending, rejectedAt.Add(time.Hour))
	f.now = rejectedAt.Add(2 * time.Hour)

	_, err := f.svc.RequestAgain(ctx, "old", "pax", "owner", "")
	verr := requireCode(t, err, http.StatusConflict)
	assert.Equal(t, ReasonAlreadyPending, verr.Reason)
	stored, _ := f.store.GetConfirmation(ctx, "old")
	assert.Equal(t, models.StatusRejected, stored.Status)
}

func TestRespond_AcceptAndReject(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, "a", models.StatusPending, rejectedAt)
	f.seedFor(t, "b", "pax2", models.StatusPending, rejectedAt)
	f.now = rejectedAt.Add(time.Hour)

	_, err := f.svc.Respond(ctx, "a", "pax", true, "")
	requireCode(t, err, http.StatusForbidden)

	c, err := f.svc.Respond(ctx, "a", "owner", true, "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusAccepted, c.Status)
	c, err = f.svc.Respond(ctx, "b", "owner", false, "car is full")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRejected, c.Status)
	require.NotNil(t, c.ConfirmedAt)

	_, err = f.svc.Respond(ctx, "a", "owner", false, "")
	requireCode(t, err, http.StatusConflict)

	inbox := f.inbox(t, "pax")
	require.Len(t, inbox, 1)
	assert.Equal(t, models.ActionAccept, inbox[0].Action)
	inbox = f.inbox(t, "pax2")
	require.Len(t, inbox, 1)
	assert.Equal(t, models.ActionReject, inbox[0].Action)
}

func TestCancel_ThenReverse(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, "c1", models.StatusAccepted, rejectedAt)
	f.now = rejectedAt.Add(time.Hour)

	_, err := f.svc.Cancel(ctx, "c1", "owner", "")
	requireCode(t, err, http.StatusForbidden)

	c, err := f.svc.Cancel(ctx, "c1", "pax", "plans changed")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRejected, c.Status)
	assert.Equal(t, models.ActionCancel, f.inbox(t, "owner")[0].Action)

	f.now = f.now.Add(3 * time.Hour)
	el, err := f.svc.ReversalEligibility(ctx, "c1", "pax")
	require.NoError(t, err)
	assert.True(t, el.CanReverse)
	assert.Equal(t, ReversalCancellation, el.Type)
	assert.InDelta(t, 21.0, el.TimeRemaining, 1e-9)
}
