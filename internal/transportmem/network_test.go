package transportmem

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheerbytes/diceduel/internal/transport"
	"github.com/sheerbytes/diceduel/pkg/protocol"
)

func open(t *testing.T, n *Network, addr string) transport.Endpoint {
	t.Helper()
	ep, err := n.Open(context.Background(), addr)
	require.NoError(t, err)
	return ep
}

func recv(t *testing.T, c transport.Conn) protocol.Envelope {
	t.Helper()
	select {
	case env, ok := <-c.Messages():
		require.True(t, ok, "messages closed")
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("no message")
	}
	return protocol.Envelope{}
}

func TestNetwork_ReservationIsExclusive(t *testing.T) {
	n := NewNetwork()
	host := open(t, n, "room-1")
	_, err := n.Open(context.Background(), "room-1")
	assert.ErrorIs(t, err, transport.ErrIdentityTaken)

	require.NoError(t, host.Destroy())
	require.NoError(t, host.Destroy())
	assert.False(t, n.Reserved("room-1"))
	open(t, n, "room-1")
}

func TestNetwork_ConnectExchangesInOrder(t *testing.T) {
	n := NewNetwork()
	host := open(t, n, "room-1")
	guest := open(t, n, "")
	assert.NotEmpty(t, guest.Address())

	gc, err := guest.Connect(context.Background(), "room-1")
	require.NoError(t, err)
	hc := <-host.Incoming()
	assert.Equal(t, guest.Address(), hc.RemoteAddress())
	assert.Equal(t, gc.ID(), hc.ID())

	for _, typ := range []string{"a", "b", "c"} {
		require.NoError(t, gc.Send(protocol.MustEnvelope(typ, nil)))
	}
	assert.Equal(t, "a", recv(t, hc).Type)
	assert.Equal(t, "b", recv(t, hc).Type)
	last := recv(t, hc)
	assert.Equal(t, "c", last.Type)
	assert.Equal(t, guest.Address(), last.From)
}

func TestNetwork_RemoteCloseDrainsThenEnds(t *testing.T) {
	n := NewNetwork()
	host := open(t, n, "room-1")
	guest := open(t, n, "")
	gc, err := guest.Connect(context.Background(), "room-1")
	require.NoError(t, err)
	hc := <-host.Incoming()

	require.NoError(t, hc.Send(protocol.MustEnvelope("bye", nil)))
	require.NoError(t, hc.Close())
	assert.Equal(t, "bye", recv(t, gc).Type)
	_, ok := <-gc.Messages()
	assert.False(t, ok)
	<-gc.Done()
	assert.NoError(t, gc.Err())
	assert.ErrorIs(t, gc.Send(protocol.MustEnvelope("late", nil)), transport.ErrClosed)
}

func TestNetwork_Policies(t *testing.T) {
	n := NewNetwork()
	open(t, n, "room-1")
	guest := open(t, n, "")

	n.SetPolicy(func(_, _ string, attempt int) Policy {
		if attempt == 1 {
			return Refuse
		}
		return Blackhole
	})
	_, err := guest.Connect(context.Background(), "room-1")
	assert.ErrorIs(t, err, transport.ErrPeerUnavailable)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = guest.Connect(ctx, "room-1")
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, 2, n.Dials("room-1"))

	n.SetPolicy(nil)
	_, err = guest.Connect(context.Background(), "room-2")
	assert.ErrorIs(t, err, transport.ErrPeerUnavailable)
}

func TestNetwork_DestroyClosesConnections(t *testing.T) {
	n := NewNetwork()
	host := open(t, n, "room-1")
	guest := open(t, n, "")
	gc, err := guest.Connect(context.Background(), "room-1")
	require.NoError(t, err)
	<-host.Incoming()

	require.NoError(t, host.Destroy())
	select {
	case <-gc.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("guest connection not closed by host destroy")
	}
	_, ok := <-host.Incoming()
	assert.False(t, ok)
	opened, destroyed := n.Stats()
	assert.Equal(t, 2, opened)
	assert.Equal(t, 1, destroyed)
}
