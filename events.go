package duo

import (
	"github.com/rs/zerolog/log"
)

// Handlers is the event surface of a session. Set the fields before any
// operation runs; they are not read again after New. Nil fields are
// skipped. Handlers must not call Destroy on the owning Conn; do that
// from your own goroutine.
type Handlers struct {
	// Connected fires once, when the counterpart is in the room.
	Connected func()
	// Data fires once per counterpart message, in append order. Own
	// messages are never echoed back.
	Data func(payload any)
	// Disconnected fires once, when the counterpart's presence flag drops.
	Disconnected func()
	// JoinRequest fires on the host each time a join request turns
	// pending. It may repeat across requesters resolved serially.
	JoinRequest func()
	// Error receives every failure that also settles an operation.
	Error func(err error)
}

// events enforces the delivery contract: handlers run serially, Connected
// and Disconnected fire at most once, and nothing fires after close
// returns. Holding mu across the handler call is what makes the
// close-barrier airtight.
type events struct {
	mu           chan struct{} // 1-slot semaphore, usable as a plain mutex
	h            Handlers
	closed       bool
	connected    bool
	disconnected bool
}

func newEvents(h Handlers) *events {
	e := &events{mu: make(chan struct{}, 1), h: h}
	return e
}

func (e *events) lock()   { e.mu <- struct{}{} }
func (e *events) unlock() { <-e.mu }

func (e *events) fireConnected() {
	e.lock()
	defer e.unlock()
	if e.closed || e.connected {
		return
	}
	e.connected = true
	if e.h.Connected != nil {
		e.h.Connected()
	}
}

func (e *events) fireData(payload any) {
	e.lock()
	defer e.unlock()
	if e.closed {
		return
	}
	if e.h.Data != nil {
		e.h.Data(payload)
	}
}

func (e *events) fireDisconnected() {
	e.lock()
	defer e.unlock()
	if e.closed || e.disconnected {
		return
	}
	e.disconnected = true
	if e.h.Disconnected != nil {
		e.h.Disconnected()
	}
}

func (e *events) fireJoinRequest() {
	e.lock()
	defer e.unlock()
	if e.closed {
		return
	}
	if e.h.JoinRequest != nil {
		e.h.JoinRequest()
	}
}

func (e *events) fireError(err error) {
	e.lock()
	defer e.unlock()
	if e.closed {
		return
	}
	log.Debug().Str("module", "duo.events").Err(err).Msg("surfacing error")
	if e.h.Error != nil {
		e.h.Error(err)
	}
}

// close blocks until any in-flight handler returns; afterwards no handler
// runs again.
func (e *events) close() {
	e.lock()
	e.closed = true
	e.unlock()
}
