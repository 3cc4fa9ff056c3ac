// Package transport defines the point-to-point message endpoint the session
// core runs on. Implementations live in sibling packages.
package transport

import (
	"context"
	"errors"

	"github.com/sheerbytes/diceduel/pkg/protocol"
)

var (
	// ErrIdentityTaken means another live endpoint already holds the address.
	ErrIdentityTaken = errors.New("transport: address already reserved")
	// ErrNetworkUnavailable means the rendezvous service could not be reached.
	ErrNetworkUnavailable = errors.New("transport: network unavailable")
	// ErrPeerUnavailable means one connection attempt to the target failed.
	ErrPeerUnavailable = errors.New("transport: peer unavailable")
	// ErrClosed is returned by operations on a closed endpoint or connection.
	ErrClosed = errors.New("transport: closed")
)

// Opener creates endpoints. An empty address asks for an auto-assigned one.
type Opener interface {
	Open(ctx context.Context, address string) (Endpoint, error)
}

// Endpoint is a reserved, globally addressable identity.
// Nothing is retried inside an endpoint.
type Endpoint interface {
	Address() string

	// Incoming yields connections opened by remote peers. It is closed by Destroy.
	Incoming() <-chan Conn

	// Connect runs one attempt to reach target.
	Connect(ctx context.Context, target string) (Conn, error)

	// Destroy releases the address and closes every connection. Idempotent.
	Destroy() error
}

// Conn is an ordered, reliable message link to one remote endpoint.
type Conn interface {
	ID() string
	RemoteAddress() string
	Send(env protocol.Envelope) error

	// Messages yields inbound envelopes in order and is closed once the
	// connection has terminated and everything buffered was delivered.
	Messages() <-chan protocol.Envelope

	Done() <-chan struct{}

	// Err is nil after a clean close.
	Err() error

	Close() error
}
