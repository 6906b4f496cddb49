package peer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusRoutesToRegisteredHandler(t *testing.T) {
	bus := NewBus()
	var got Notification
	bus.Register(1, func(_ context.Context, n Notification) Reply {
		got = n
		return Reply{Status: 1}
	})

	reply, err := bus.Send(context.Background(), 1, Notification{Event: EventStart, Checker: "layout"})
	require.NoError(t, err)
	assert.Equal(t, 1, reply.Status)
	assert.Equal(t, EventStart, got.Event)
}

func TestSendToUnregisteredTargetErrors(t *testing.T) {
	bus := NewBus()
	_, err := bus.Send(context.Background(), 9, Notification{})
	assert.Error(t, err)
}

func TestCoordinatorPhase1ToPhase2Transition(t *testing.T) {
	bus := NewBus()
	bus.Register(1, func(_ context.Context, n Notification) Reply {
		return Reply{Status: 1}
	})

	c := NewCoordinator(bus)
	require.NoError(t, c.Start(context.Background(), 1, "namespace"))
	assert.False(t, c.ReadyForPhase2(context.Background(), "namespace"))

	c.OnPhase1Done(1)
	assert.True(t, c.ReadyForPhase2(context.Background(), "namespace"))
}

func TestReadyForPhase2QueriesStalePeers(t *testing.T) {
	bus := NewBus()
	queried := 0
	bus.Register(2, func(_ context.Context, n Notification) Reply {
		if n.Event == EventQuery {
			queried++
			return Reply{Status: 1}
		}
		return Reply{}
	})

	c := NewCoordinator(bus)
	require.NoError(t, c.Start(context.Background(), 2, "layout"))
	c.Touch()

	assert.True(t, c.ReadyForPhase2(context.Background(), "layout"))
	assert.Equal(t, 1, queried)
}

func TestPeerExitRemovesFromLists(t *testing.T) {
	bus := NewBus()
	bus.Register(3, func(_ context.Context, n Notification) Reply { return Reply{Status: 1} })
	c := NewCoordinator(bus)
	require.NoError(t, c.Start(context.Background(), 3, "layout"))
	c.OnPeerExit(3)
	assert.True(t, c.ReadyForPhase2(context.Background(), "layout"))
}

func TestWaitReadyReturnsOnceComplete(t *testing.T) {
	bus := NewBus()
	bus.Register(4, func(_ context.Context, n Notification) Reply { return Reply{Status: 1} })
	c := NewCoordinator(bus)
	require.NoError(t, c.Start(context.Background(), 4, "layout"))

	go func() {
		time.Sleep(10 * time.Millisecond)
		c.OnPhase1Done(4)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, c.WaitReady(ctx, "layout", 5*time.Millisecond))
}
