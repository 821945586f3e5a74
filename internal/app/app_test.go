package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/carpool/internal/config"
	"github.com/example/carpool/internal/dispatch"
	"github.com/example/carpool/internal/ledger"
	"github.com/example/carpool/internal/models"
)

func engine() config.Engine {
	return config.Engine{
		RetryAttempts:      2,
		DispatchQueueSize:  8,
		DefaultRadiusMiles: 25,
		MatchDedup:         true,
		MatchDedupTTL:      time.Hour,
		NameCacheTTL:       time.Minute,
	}
}

func TestBuild_InMemory(t *testing.T) {
	a, err := Build(context.Background(), RoleAPI, config.Backends{}, engine(), nil)
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.Producer)
	require.NotNil(t, a.WSReg)
	assert.IsType(t, &ledger.Memory{}, a.Matcher.Ledger)
	assert.Equal(t, 25.0, a.Matcher.DefaultRadiusMiles)
	require.NoError(t, a.Ready(context.Background()))

	ride := &models.Ride{ID: "r1", DriverID: "d1", DepartureDateTime: time.Now().Add(48 * time.Hour)}
	require.NoError(t, a.Store.SaveRide(context.Background(), ride))
	off, err := a.Store.GetOffering(context.Background(), ride.Ref())
	require.NoError(t, err)
	assert.Equal(t, "d1", off.Owner())
}

func TestBuild_DedupOff(t *testing.T) {
	e := engine()
	e.MatchDedup = false
	a, err := Build(context.Background(), RoleAPI, config.Backends{}, e, nil)
	require.NoError(t, err)
	assert.Nil(t, a.Matcher.Ledger)
	assert.NoError(t, a.Close())
}

func TestBuild_BadAMQP(t *testing.T) {
	_, err := Build(context.Background(), RoleAPI, config.Backends{AMQPURL: "amqp://127.0.0.1:1/"}, engine(), nil)
	assert.ErrorContains(t, err, "connect amqp")
}

func TestBuild_WorkerHasNoWebsocketRegistry(t *testing.T) {
	a, err := Build(context.Background(), RoleWorker, config.Backends{}, engine(), nil)
	require.NoError(t, err)
	defer a.Close()
	assert.Nil(t, a.WSReg)

	n, err := a.Dispatcher.Notify(context.Background(), dispatch.Event{
		Action: models.ActionExpired, SenderID: "system", ReceiverID: "pax",
		Offering: &models.Ride{ID: "r1", DriverID: "d1"}, ConfirmationID: "c1",
	})
	require.NoError(t, err)
	assert.Zero(t, a.Dispatcher.Drain(context.Background()), "nothing to deliver without a transport")

	inbox, err := a.Store.ListNotifications(context.Background(), "pax", 0)
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, n.ID, inbox[0].ID)
}
