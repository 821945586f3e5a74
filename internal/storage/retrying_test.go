package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/retry"
)

// flakyStore fails the first n status writes with a transient error.
type flakyStore struct {
	*MemoryStore
	failures int
	calls    int
}

func (f *flakyStore) UpdateConfirmationStatus(ctx context.Context, id string, from models.Status, ch models.StatusChange) (bool, error) {
	f.calls++
	if f.calls <= f.failures {
		return false, errors.New("connection reset by peer")
	}
	return f.MemoryStore.UpdateConfirmationStatus(ctx, id, from, ch)
}

func noSleep(context.Context, time.Duration) error { return nil }

func TestRetrying_RecoversFromTransientErrors(t *testing.T) {
	mem := NewMemoryStore()
	seedConfirmation(t, mem, "c1", models.StatusPending, t0)
	flaky := &flakyStore{MemoryStore: mem, failures: 2}
	s := NewRetrying(flaky, retry.Policy{Sleep: noSleep})

	ok, err := s.UpdateConfirmationStatus(context.Background(), "c1", models.StatusPending,
		models.StatusChange{To: models.StatusAccepted, UpdatedAt: t0})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 3, flaky.calls)
}

// lostAckStore commits the first write of each kind and then reports a
// transient failure, as when the reply is lost after the server applied it.
type lostAckStore struct {
	*MemoryStore
	dropped map[string]bool
}

func newLostAck(mem *MemoryStore) *lostAckStore {
	return &lostAckStore{MemoryStore: mem, dropped: map[string]bool{}}
}

func (l *lostAckStore) drop(op string) bool {
	if l.dropped[op] {
		return false
	}
	l.dropped[op] = true
	return true
}

var errReset = errors.New("read tcp: connection reset by peer")

func (l *lostAckStore) CreateConfirmation(ctx context.Context, c *models.Confirmation) error {
	err := l.MemoryStore.CreateConfirmation(ctx, c)
	if err == nil && l.drop("create") {
		return errReset
	}
	return err
}

func (l *lostAckStore) UpdateConfirmationStatus(ctx context.Context, id string, from models.Status, ch models.StatusChange) (bool, error) {
	ok, err := l.MemoryStore.UpdateConfirmationStatus(ctx, id, from, ch)
	if ok && l.drop("update") {
		return false, errReset
	}
	return ok, err
}

func (l *lostAckStore) BatchUpdateStatus(ctx context.Context, ids []string, from models.Status, ch models.StatusChange) ([]string, error) {
	updated, err := l.MemoryStore.BatchUpdateStatus(ctx, ids, from, ch)
	if len(updated) > 0 && l.drop("batch") {
		return nil, errReset
	}
	return updated, err
}

func TestRetrying_UpdateWithLostAckReportsApplied(t *testing.T) {
	mem := NewMemoryStore()
	seedConfirmation(t, mem, "c1", models.StatusPending, t0)
	s := NewRetrying(newLostAck(mem), retry.Policy{Sleep: noSleep})

	ok, err := s.UpdateConfirmationStatus(context.Background(), "c1", models.StatusPending,
		models.StatusChange{To: models.StatusAccepted, UpdatedAt: t0.Add(time.Minute)})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRetrying_UpdateLostToAnotherWriterStaysFalse(t *testing.T) {
	mem := NewMemoryStore()
	seedConfirmation(t, mem, "c1", models.StatusPending, t0)
	flaky := &flakyStore{MemoryStore: mem, failures: 1}
	s := NewRetrying(flaky, retry.Policy{Sleep: noSleep})

	// another writer moves the row between the failed attempt and the retry
	_, err := mem.UpdateConfirmationStatus(context.Background(), "c1", models.StatusPending,
		models.StatusChange{To: models.StatusRejected, UpdatedAt: t0.Add(time.Second)})
	require.NoError(t, err)

	ok, err := s.UpdateConfirmationStatus(context.Background(), "c1", models.StatusPending,
		models.StatusChange{To: models.StatusRejected, UpdatedAt: t0.Add(time.Minute)})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRetrying_BatchWithLostAckReturnsAppliedIDs(t *testing.T) {
	mem := NewMemoryStore()
	seedConfirmation(t, mem, "a", models.StatusPending, t0)
	seedConfirmation(t, mem, "b", models.StatusPending, t0)
	seedConfirmation(t, mem, "done", models.StatusAccepted, t0)
	s := NewRetrying(newLostAck(mem), retry.Policy{Sleep: noSleep})

	ch := models.StatusChange{To: models.StatusRejected, UpdatedAt: t0.Add(time.Hour)}
	updated, err := s.BatchUpdateStatus(context.Background(), []string{"a", "b", "done"}, models.StatusPending, ch)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, updated)
}

func TestRetrying_CreateWithLostAckSucceeds(t *testing.T) {
	mem := NewMemoryStore()
	s := NewRetrying(newLostAck(mem), retry.Policy{Sleep: noSleep})
	c := &models.Confirmation{ID: "c1", RideID: "r1", OwnerID: "o", PassengerID: "p", Status: models.StatusPending, CreatedAt: t0, UpdatedAt: t0}

	require.NoError(t, s.CreateConfirmation(context.Background(), c))

	other := &models.Confirmation{ID: "c1", RideID: "r2", OwnerID: "o", PassengerID: "q", Status: models.StatusPending, CreatedAt: t0, UpdatedAt: t0}
	assert.ErrorIs(t, s.CreateConfirmation(context.Background(), other), ErrAlreadyExists)
}

func TestRetrying_SurfacesLastErrorWhenExhausted(t *testing.T) {
	mem := NewMemoryStore()
	seedConfirmation(t, mem, "c1", models.StatusPending, t0)
	flaky := &flakyStore{MemoryStore: mem, failures: 10}
	s := NewRetrying(flaky, retry.Policy{Attempts: 3, Sleep: noSleep})

	_, err := s.UpdateConfirmationStatus(context.Background(), "c1", models.StatusPending,
		models.StatusChange{To: models.StatusAccepted, UpdatedAt: t0})
	require.Error(t, err)
	assert.Equal(t, 3, flaky.calls)
}

func TestRetrying_NotFoundIsNotRetried(t *testing.T) {
	mem := NewMemoryStore()
	s := NewRetrying(mem, retry.Policy{Sleep: func(context.Context, time.Duration) error {
		t.Fatal("unexpected retry")
		return nil
	}})
	_, err := s.GetConfirmation(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(ErrAlreadyExists))
	assert.False(t, IsRetryable(ErrPermissionDenied))
	assert.False(t, IsRetryable(&pq.Error{Code: "23505"}))
	assert.False(t, IsRetryable(&pq.Error{Code: "42501"}))
	assert.True(t, IsRetryable(&pq.Error{Code: "40001"}))
	assert.True(t, IsRetryable(errors.New("dial tcp: i/o timeout")))
}

func TestTranslate_MapsUniqueViolation(t *testing.T) {
	err := translate(&pq.Error{Code: "23505"})
	assert.ErrorIs(t, err, ErrAlreadyExists)
	assert.Nil(t, translate(nil))
}
