package connmgr

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheerbytes/diceduel/internal/dependencies/clock"
	"github.com/sheerbytes/diceduel/internal/dependencies/mocks"
	"github.com/sheerbytes/diceduel/internal/model"
	"github.com/sheerbytes/diceduel/internal/roomcode"
	"github.com/sheerbytes/diceduel/internal/testutil"
	"github.com/sheerbytes/diceduel/internal/transport"
	"github.com/sheerbytes/diceduel/internal/transportmem"
	"github.com/sheerbytes/diceduel/pkg/protocol"
)

// owner runs posted work on one goroutine, like the client's control loop.
type owner struct {
	ch   chan func()
	done chan struct{}
}

func newOwner(t *testing.T) *owner {
	o := &owner{ch: make(chan func(), 64), done: make(chan struct{})}
	go func() {
		for {
			select {
			case f := <-o.ch:
				f()
			case <-o.done:
				return
			}
		}
	}()
	t.Cleanup(func() { close(o.done) })
	return o
}

func (o *owner) post(f func()) {
	select {
	case o.ch <- f:
	case <-o.done:
	}
}

func (o *owner) do(f func()) {
	wait := make(chan struct{})
	o.post(func() {
		f()
		close(wait)
	})
	<-wait
}

type event struct {
	kind string
	code roomcode.Code
	env  protocol.Envelope
	err  error
}

type harness struct {
	t      *testing.T
	o      *owner
	m      *Manager
	events chan event
}

func newHarness(t *testing.T, cfg Config, net transport.Opener, r *mocks.MockRandom) *harness {
	h := &harness{t: t, o: newOwner(t), events: make(chan event, 64)}
	if r == nil {
		r = mocks.NewMockRandom()
	}
	h.m = New(cfg, net, clock.New(), r, h.o.post, Events{
		RoomCreated: func(code roomcode.Code) { h.events <- event{kind: "created", code: code} },
		LinkOpened:  func() { h.events <- event{kind: "opened"} },
		LinkMessage: func(env protocol.Envelope) { h.events <- event{kind: "message", env: env} },
		LinkClosed:  func(err error) { h.events <- event{kind: "closed", err: err} },
		Failed:      func(err error) { h.events <- event{kind: "failed", err: err} },
	}, testutil.NopLogger())
	t.Cleanup(func() { h.o.do(h.m.Leave) })
	return h
}

func (h *harness) next(kind string) event {
	h.t.Helper()
	select {
	case ev := <-h.events:
		require.Equal(h.t, kind, ev.kind, "unexpected event %+v", ev)
		return ev
	case <-time.After(5 * time.Second):
		h.t.Fatalf("timed out waiting for %s", kind)
	}
	return event{}
}

func (h *harness) quiet(d time.Duration) {
	h.t.Helper()
	select {
	case ev := <-h.events:
		h.t.Fatalf("unexpected event %+v", ev)
	case <-time.After(d):
	}
}

func (h *harness) state() State {
	var s State
	h.o.do(func() { s = h.m.State() })
	return s
}

func fastConfig() Config {
	return Config{
		MaxCreateAttempts: 3,
		MaxJoinAttempts:   5,
		AttemptTimeout:    50 * time.Millisecond,
		JoinTimeout:       5 * time.Second,
		OpenTimeout:       time.Second,
	}
}

func reserve(t *testing.T, net *transportmem.Network, code roomcode.Code) transport.Endpoint {
	t.Helper()
	ep, err := net.Open(t.Context(), roomcode.Encode(code))
	require.NoError(t, err)
	return ep
}

func TestCreateRoom_RetriesCollisions(t *testing.T) {
	net := transportmem.NewNetwork()
	reserve(t, net, 1000)
	reserve(t, net, 1001)
	r := mocks.NewMockRandom()
	r.QueueIntn(0, 1, 2)

	h := newHarness(t, fastConfig(), net, r)
	h.o.do(h.m.CreateRoom)
	ev := h.next("created")
	assert.Equal(t, roomcode.Code(1002), ev.code)
	assert.Equal(t, StateListening, h.state())
	assert.True(t, net.Reserved(roomcode.Encode(1002)))
}

func TestCreateRoom_GivesUpAfterMaxAttempts(t *testing.T) {
	net := transportmem.NewNetwork()
	reserve(t, net, 1000)

	h := newHarness(t, fastConfig(), net, nil)
	h.o.do(h.m.CreateRoom)
	ev := h.next("failed")
	assert.ErrorIs(t, ev.err, model.ErrRoomCreateFailed)
	assert.ErrorIs(t, ev.err, model.ErrCodeCollision)
	assert.Equal(t, StateIdle, h.state())
	opened, _ := net.Stats()
	assert.Equal(t, 1, opened, "only the external reservation was ever opened")
}

func TestCreateRoom_NetworkUnavailable(t *testing.T) {
	net := transportmem.NewNetwork()
	net.SetOpenError(func(string) error { return transport.ErrNetworkUnavailable })

	h := newHarness(t, fastConfig(), net, nil)
	h.o.do(h.m.CreateRoom)
	ev := h.next("failed")
	assert.ErrorIs(t, ev.err, model.ErrNetworkUnavailable)
	assert.Equal(t, StateIdle, h.state())
}

func TestJoinRoom_RetryBound(t *testing.T) {
	for _, attempts := range []int{1, 3, 5} {
		t.Run(fmt.Sprintf("attempts=%d", attempts), func(t *testing.T) {
			net := transportmem.NewNetwork()
			net.SetPolicy(func(_, _ string, _ int) transportmem.Policy { return transportmem.Blackhole })
			cfg := fastConfig()
			cfg.MaxJoinAttempts = attempts

			h := newHarness(t, cfg, net, nil)
			start := time.Now()
			h.o.do(func() { h.m.JoinRoom(4521) })
			ev := h.next("failed")
			elapsed := time.Since(start)

			assert.ErrorIs(t, ev.err, model.ErrRoomNotFound)
			assert.Equal(t, attempts, net.Dials(roomcode.Encode(4521)))
			assert.Less(t, elapsed, cfg.JoinTimeout)
			assert.Equal(t, StateIdle, h.state())
			h.quiet(2 * cfg.AttemptTimeout)
		})
	}
}

func TestJoinRoom_MissingRoomFailsFast(t *testing.T) {
	net := transportmem.NewNetwork()
	h := newHarness(t, fastConfig(), net, nil)
	h.o.do(func() { h.m.JoinRoom(7777) })
	ev := h.next("failed")
	assert.ErrorIs(t, ev.err, model.ErrRoomNotFound)
	assert.Equal(t, 5, net.Dials(roomcode.Encode(7777)))
	_, destroyed := net.Stats()
	assert.Equal(t, 1, destroyed, "guest endpoint released")
}

func TestJoinRoom_GlobalTimeout(t *testing.T) {
	net := transportmem.NewNetwork()
	net.SetPolicy(func(_, _ string, _ int) transportmem.Policy { return transportmem.Blackhole })
	cfg := fastConfig()
	cfg.AttemptTimeout = time.Second
	cfg.JoinTimeout = 100 * time.Millisecond

	h := newHarness(t, cfg, net, nil)
	h.o.do(func() { h.m.JoinRoom(4521) })
	ev := h.next("failed")
	assert.ErrorIs(t, ev.err, model.ErrConnectionTimedOut)
	assert.Equal(t, 1, net.Dials(roomcode.Encode(4521)))
	h.quiet(200 * time.Millisecond)
}

func TestJoinRoom_SucceedsAfterRefusals(t *testing.T) {
	net := transportmem.NewNetwork()
	net.SetPolicy(func(_, _ string, attempt int) transportmem.Policy {
		if attempt < 3 {
			return transportmem.Refuse
		}
		return transportmem.Deliver
	})
	r := mocks.NewMockRandom()
	r.QueueIntn(3521)
	host := newHarness(t, fastConfig(), net, r)
	host.o.do(host.m.CreateRoom)
	host.next("created")

	guest := newHarness(t, fastConfig(), net, nil)
	guest.o.do(func() { guest.m.JoinRoom(4521) })
	guest.next("opened")
	host.next("opened")
	assert.Equal(t, 3, net.Dials(roomcode.Encode(4521)))
	assert.Equal(t, StateOpen, guest.state())
	assert.Equal(t, StateOpen, host.state())

	guest.o.do(func() {
		require.NoError(t, guest.m.Send(protocol.MustEnvelope(protocol.TypeJoinRequest, protocol.JoinRequest{ID: "g", DisplayName: "G"})))
	})
	ev := host.next("message")
	assert.Equal(t, protocol.TypeJoinRequest, ev.env.Type)
}

func TestHost_SecondGuestClosed(t *testing.T) {
	net := transportmem.NewNetwork()
	r := mocks.NewMockRandom()
	r.QueueIntn(3521)
	host := newHarness(t, fastConfig(), net, r)
	host.o.do(host.m.CreateRoom)
	host.next("created")

	first := newHarness(t, fastConfig(), net, nil)
	first.o.do(func() { first.m.JoinRoom(4521) })
	first.next("opened")
	host.next("opened")

	second := newHarness(t, fastConfig(), net, nil)
	second.o.do(func() { second.m.JoinRoom(4521) })
	second.next("opened")
	second.next("closed")

	host.quiet(100 * time.Millisecond)
	first.quiet(50 * time.Millisecond)
	assert.Equal(t, StateOpen, first.state())
	assert.Equal(t, StateOpen, host.state())
}

func TestHost_LinkCloseReturnsToListeningUntilSealed(t *testing.T) {
	net := transportmem.NewNetwork()
	r := mocks.NewMockRandom()
	r.QueueIntn(3521)
	host := newHarness(t, fastConfig(), net, r)
	host.o.do(host.m.CreateRoom)
	host.next("created")

	guest := newHarness(t, fastConfig(), net, nil)
	guest.o.do(func() { guest.m.JoinRoom(4521) })
	guest.next("opened")
	host.next("opened")

	host.o.do(func() { host.m.CloseLink(10 * time.Millisecond) })
	host.next("closed")
	guest.next("closed")
	assert.Equal(t, StateListening, host.state())
	assert.Equal(t, StateClosed, guest.state())

	again := newHarness(t, fastConfig(), net, nil)
	again.o.do(func() { again.m.JoinRoom(4521) })
	again.next("opened")
	host.next("opened")

	host.o.do(host.m.Seal)
	again.o.do(again.m.Leave)
	host.next("closed")
	assert.Equal(t, StateClosed, host.state())
}

func TestLeave_Idempotent(t *testing.T) {
	net := transportmem.NewNetwork()
	h := newHarness(t, fastConfig(), net, nil)
	h.o.do(h.m.Leave)
	h.o.do(h.m.Leave)
	assert.Equal(t, StateIdle, h.state())

	r := mocks.NewMockRandom()
	r.QueueIntn(3521)
	host := newHarness(t, fastConfig(), net, r)
	host.o.do(host.m.CreateRoom)
	host.next("created")
	host.o.do(host.m.Leave)
	host.o.do(host.m.Leave)

	opened, destroyed := net.Stats()
	assert.Equal(t, 1, opened)
	assert.Equal(t, 1, destroyed)
	assert.False(t, net.Reserved(roomcode.Encode(4521)))
	host.quiet(50 * time.Millisecond)
}

func TestLeave_DuringAttemptDropsLateCompletion(t *testing.T) {
	net := transportmem.NewNetwork()
	net.SetPolicy(func(_, _ string, _ int) transportmem.Policy { return transportmem.Blackhole })
	cfg := fastConfig()
	cfg.AttemptTimeout = time.Second

	h := newHarness(t, cfg, net, nil)
	h.o.do(func() { h.m.JoinRoom(4521) })
	require.Eventually(t, func() bool { return net.Dials(roomcode.Encode(4521)) == 1 }, time.Second, 5*time.Millisecond)

	h.o.do(h.m.Leave)
	h.quiet(100 * time.Millisecond)
	assert.Equal(t, StateIdle, h.state())
	opened, destroyed := net.Stats()
	assert.Equal(t, opened, destroyed)
}

func TestSend_WithoutLink(t *testing.T) {
	h := newHarness(t, fastConfig(), transportmem.NewNetwork(), nil)
	var err error
	h.o.do(func() { err = h.m.Send(protocol.MustEnvelope(protocol.TypeMatchEnd, nil)) })
	assert.True(t, errors.Is(err, model.ErrNotConnected))
}
