package duo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Duo/transport"
)

// Control frames exchanged on a fresh channel before it carries data.
// The guest's first frame picks the entry path: "join" is immediate,
// "request" is gated on the host's accept/reject.
const (
	frameJoin     = "join"
	frameJoined   = "joined"
	frameRequest  = "request"
	frameAccept   = "accept"
	frameReject   = "reject"
	frameFull     = "full"
	frameConflict = "conflict"
	frameData     = "data"
)

// transportLink runs the session over a direct transport: the host opens
// an endpoint derived from the room code, the guest connects to it.
type transportLink struct {
	tr          transport.Transport
	gameID      string
	ev          *events
	openTimeout time.Duration

	mu      sync.Mutex
	opened  bool
	role    Role
	peer    transport.Channel // established counterpart
	pending transport.Channel // host side: requester awaiting accept/reject
	wait    *replyWait        // guest side: awaiting the host's verdict
}

func newTransportLink(tr transport.Transport, gameID string, ev *events, openTimeout time.Duration) *transportLink {
	l := &transportLink{tr: tr, gameID: gameID, ev: ev, openTimeout: openTimeout}
	tr.OnChannel(l.onIncoming)
	return l
}

func (l *transportLink) endpointID(code string) string {
	return "duo." + l.gameID + "." + code
}

func (l *transportLink) create(ctx context.Context, code string) error {
	err := l.tr.Open(ctx, l.endpointID(code))
	if errors.Is(err, transport.ErrIDTaken) {
		return ErrIDCollision
	}
	if err != nil {
		return fmt.Errorf("%w: open endpoint: %v", ErrTransport, err)
	}
	l.mu.Lock()
	l.opened = true
	l.role = RoleHost
	l.mu.Unlock()
	return nil
}

func (l *transportLink) join(ctx context.Context, code string) error {
	return l.enter(ctx, code, frameJoin)
}

func (l *transportLink) request(ctx context.Context, code string) error {
	return l.enter(ctx, code, frameRequest)
}

// enter opens the guest endpoint, dials the host and sends the chosen
// entry frame. Channel establishment is bounded by openTimeout; the wait
// for a gated verdict is bounded only by ctx.
func (l *transportLink) enter(ctx context.Context, code string, entry string) error {
	openCtx, cancel := context.WithTimeout(ctx, l.openTimeout)
	defer cancel()

	l.mu.Lock()
	opened := l.opened
	l.mu.Unlock()
	if !opened {
		localID := l.endpointID(code) + "." + uuid.NewString()
		if err := l.tr.Open(openCtx, localID); err != nil {
			return fmt.Errorf("%w: open endpoint: %v", ErrTransport, err)
		}
		l.mu.Lock()
		l.opened = true
		l.mu.Unlock()
	}

	ch, err := l.tr.Connect(openCtx, l.endpointID(code))
	switch {
	case errors.Is(err, transport.ErrPeerNotFound):
		return ErrRoomNotFound
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		return ErrTimeout
	case err != nil:
		return fmt.Errorf("%w: connect: %v", ErrTransport, err)
	}

	wait := newReplyWait()
	l.mu.Lock()
	l.role = RoleGuest
	l.wait = wait
	l.mu.Unlock()

	ch.OnData(func(p any) { l.guestFrame(ch, p) })
	ch.OnClose(func() { l.channelClosed(ch) })
	ch.OnError(func(err error) { l.ev.fireError(fmt.Errorf("%w: %v", ErrTransport, err)) })

	if err := ch.Send(map[string]any{"t": entry}); err != nil {
		return fmt.Errorf("%w: send %s: %v", ErrTransport, entry, err)
	}

	// The join handshake is bounded like channel open; a gated request
	// stays pending as long as the caller's ctx allows.
	verdictCtx := ctx
	if entry == frameJoin {
		verdictCtx = openCtx
	}
	select {
	case err := <-wait.done:
		return err
	case <-verdictCtx.Done():
		ch.Close()
		if entry == frameJoin && ctx.Err() == nil {
			return ErrTimeout
		}
		return verdictCtx.Err()
	}
}

func (l *transportLink) onIncoming(ch transport.Channel) {
	ch.OnData(func(p any) { l.hostFrame(ch, p) })
	ch.OnClose(func() { l.channelClosed(ch) })
	ch.OnError(func(err error) { l.ev.fireError(fmt.Errorf("%w: %v", ErrTransport, err)) })
}

func (l *transportLink) hostFrame(ch transport.Channel, p any) {
	m, ok := p.(map[string]any)
	if !ok {
		return
	}
	switch m["t"] {
	case frameJoin:
		l.mu.Lock()
		if l.peer != nil {
			l.mu.Unlock()
			_ = ch.Send(map[string]any{"t": frameFull})
			ch.Close()
			return
		}
		l.peer = ch
		l.mu.Unlock()
		_ = ch.Send(map[string]any{"t": frameJoined})
		l.ev.fireConnected()
	case frameRequest:
		l.mu.Lock()
		if l.peer != nil {
			l.mu.Unlock()
			_ = ch.Send(map[string]any{"t": frameFull})
			ch.Close()
			return
		}
		if l.pending != nil {
			l.mu.Unlock()
			_ = ch.Send(map[string]any{"t": frameConflict})
			ch.Close()
			return
		}
		l.pending = ch
		l.mu.Unlock()
		l.ev.fireJoinRequest()
	case frameData:
		if l.isPeer(ch) {
			l.ev.fireData(m["p"])
		}
	}
}

func (l *transportLink) guestFrame(ch transport.Channel, p any) {
	m, ok := p.(map[string]any)
	if !ok {
		return
	}
	switch m["t"] {
	case frameJoined, frameAccept:
		l.mu.Lock()
		l.peer = ch
		wait := l.wait
		l.wait = nil
		l.mu.Unlock()
		l.ev.fireConnected()
		if wait != nil {
			wait.settle(nil)
		}
	case frameReject:
		l.settleWait(ErrRequestRejected)
	case frameFull:
		l.settleWait(ErrRoomFull)
	case frameConflict:
		l.settleWait(ErrRequestConflict)
	case frameData:
		if l.isPeer(ch) {
			l.ev.fireData(m["p"])
		}
	}
}

func (l *transportLink) channelClosed(ch transport.Channel) {
	l.mu.Lock()
	wasPeer := l.peer == ch
	if wasPeer {
		l.peer = nil
	}
	if l.pending == ch {
		l.pending = nil
	}
	wait := l.wait
	l.mu.Unlock()

	if wait != nil {
		// Host vanished while our request was still on the table.
		wait.settle(ErrHostDisconnected)
	}
	if wasPeer {
		l.ev.fireDisconnected()
	}
}

func (l *transportLink) accept(context.Context) error {
	l.mu.Lock()
	ch := l.pending
	l.pending = nil
	if ch != nil {
		l.peer = ch
	}
	l.mu.Unlock()
	if ch == nil {
		return errors.New("duo: no pending join request")
	}
	if err := ch.Send(map[string]any{"t": frameAccept}); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	l.ev.fireConnected()
	return nil
}

func (l *transportLink) reject(context.Context) error {
	l.mu.Lock()
	ch := l.pending
	l.pending = nil
	l.mu.Unlock()
	if ch == nil {
		return errors.New("duo: no pending join request")
	}
	_ = ch.Send(map[string]any{"t": frameReject})
	ch.Close()
	return nil
}

func (l *transportLink) send(payload any) error {
	l.mu.Lock()
	ch := l.peer
	l.mu.Unlock()
	if ch == nil {
		return ErrClosed
	}
	if err := ch.Send(map[string]any{"t": frameData, "p": payload}); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return nil
}

func (l *transportLink) teardown() {
	l.mu.Lock()
	peer, pending, wait := l.peer, l.pending, l.wait
	l.peer, l.pending, l.wait = nil, nil, nil
	l.mu.Unlock()

	if wait != nil {
		wait.settle(ErrClosed)
	}
	if peer != nil {
		peer.Close()
	}
	if pending != nil {
		pending.Close()
	}
	if err := l.tr.Close(); err != nil {
		log.Debug().Err(err).Str("module", "duo.transport").Msg("transport close")
	}
}

func (l *transportLink) isPeer(ch transport.Channel) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.peer == ch
}

func (l *transportLink) settleWait(err error) {
	l.mu.Lock()
	wait := l.wait
	l.mu.Unlock()
	if wait != nil {
		wait.settle(err)
	}
}

// replyWait settles the guest's entry handshake exactly once.
type replyWait struct {
	once sync.Once
	done chan error
}

func newReplyWait() *replyWait {
	return &replyWait{done: make(chan error, 1)}
}

func (w *replyWait) settle(err error) {
	w.once.Do(func() { w.done <- err })
}
