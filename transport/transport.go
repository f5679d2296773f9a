// Package transport defines the direct-channel primitive the session core
// can run on instead of a shared store: endpoints addressed by id, with
// point-to-point channels between them.
package transport

import (
	"context"
	"errors"
)

var (
	// ErrIDTaken reports that another endpoint already holds the local id.
	ErrIDTaken = errors.New("transport: endpoint id already taken")
	// ErrPeerNotFound reports that the remote id is not reachable.
	ErrPeerNotFound = errors.New("transport: no such peer")
)

// Channel is one open point-to-point link. Payloads are
// JSON-serializable; a received payload is the decoded JSON value.
// Handlers must be registered before traffic is expected and are invoked
// serially per channel.
type Channel interface {
	Send(payload any) error
	OnData(fn func(payload any))
	OnClose(fn func())
	OnError(fn func(err error))
	Close() error
}

// Transport is one endpoint. Register OnChannel before Open to hear
// incoming channels. Connect blocks until the channel to the remote is
// open or ctx ends.
type Transport interface {
	Open(ctx context.Context, localID string) error
	OnChannel(fn func(ch Channel))
	Connect(ctx context.Context, remoteID string) (Channel, error)
	Close() error
}
