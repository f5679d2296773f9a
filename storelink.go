package duo

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Duo/store"
)

const (
	statusPending  = "pending"
	statusAccepted = "accepted"
	statusRejected = "rejected"
)

// storeLink runs the session over the shared-store backend: presence
// flags, the gated join negotiation and the append-only message log all
// live in one room record under rooms/<gameID>/<code>.
type storeLink struct {
	st     store.Store
	gameID string
	ev     *events
	subs   *subscriptionSet

	mu      sync.Mutex
	code    string
	role    Role
	hooks   []string     // paths with a live on-disconnect registration
	neg     *firstSettle // pending join negotiation, nil otherwise
	negDrop func()       // removes the pending request record
}

func newStoreLink(st store.Store, gameID string, ev *events) *storeLink {
	return &storeLink{st: st, gameID: gameID, ev: ev, subs: newSubscriptionSet(st)}
}

func (l *storeLink) base(code string) string {
	return "rooms/" + l.gameID + "/" + code
}

func (l *storeLink) create(ctx context.Context, code string) error {
	base := l.base(code)
	existing, err := l.st.ReadOnce(ctx, base)
	if err != nil {
		return fmt.Errorf("read room: %w", err)
	}
	if existing != nil {
		log.Warn().Str("module", "duo.store").Str("code", code).Msg("code collision")
		return ErrIDCollision
	}

	if err := l.st.Write(ctx, base, map[string]any{"host": true, "guest": false}); err != nil {
		return fmt.Errorf("write room: %w", err)
	}
	l.begin(code, RoleHost)
	l.hook(base+"/host", false)

	// The guest flag flipping true is the host's connected signal; the
	// message channel and presence watch start only then.
	var once sync.Once
	l.subs.add(l.st.SubscribeValue(base+"/guest", func(v any) {
		if v != true {
			return
		}
		once.Do(func() {
			l.attach(RoleGuest)
			l.ev.fireConnected()
		})
	}))

	// Non-terminal: a new pending request may arrive after each serial
	// resolution.
	l.subs.add(l.st.SubscribeValue(base+"/joinRequest", func(v any) {
		if m, ok := v.(map[string]any); ok && m["status"] == statusPending {
			l.ev.fireJoinRequest()
		}
	}))
	return nil
}

func (l *storeLink) join(ctx context.Context, code string) error {
	base := l.base(code)
	host, err := l.st.ReadOnce(ctx, base+"/host")
	if err != nil {
		return fmt.Errorf("read room: %w", err)
	}
	if host != true {
		return ErrRoomNotFound
	}
	if guest, _ := l.st.ReadOnce(ctx, base+"/guest"); guest == true {
		return ErrRoomFull
	}

	if err := l.st.Write(ctx, base+"/guest", true); err != nil {
		return fmt.Errorf("write presence: %w", err)
	}
	l.begin(code, RoleGuest)
	l.hook(base+"/guest", false)
	l.attach(RoleHost)
	l.ev.fireConnected()
	return nil
}

func (l *storeLink) request(ctx context.Context, code string) error {
	base := l.base(code)
	host, err := l.st.ReadOnce(ctx, base+"/host")
	if err != nil {
		return fmt.Errorf("read room: %w", err)
	}
	if host != true {
		return ErrRoomNotFound
	}
	if guest, _ := l.st.ReadOnce(ctx, base+"/guest"); guest == true {
		return ErrRoomFull
	}
	jrPath := base + "/joinRequest"
	if jr, _ := l.st.ReadOnce(ctx, jrPath); jr != nil {
		if m, ok := jr.(map[string]any); ok && m["status"] == statusPending {
			return ErrRequestConflict
		}
	}

	if err := l.st.Write(ctx, jrPath, map[string]any{"status": statusPending}); err != nil {
		return fmt.Errorf("write request: %w", err)
	}
	// Should this requester vanish before resolution, the store removes
	// the dangling request on its own.
	if err := l.st.OnDisconnectRemove(jrPath); err != nil {
		return fmt.Errorf("arm request removal: %w", err)
	}

	dropRequest := func() {
		_ = l.st.CancelOnDisconnect(jrPath)
		_ = l.st.Write(context.Background(), jrPath, nil)
	}

	neg := newFirstSettle(l.st)
	l.mu.Lock()
	l.neg = neg
	l.negDrop = dropRequest
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.neg = nil
		l.negDrop = nil
		l.mu.Unlock()
	}()

	neg.watch(l.st.SubscribeValue(jrPath, func(v any) {
		if v == nil {
			// Removed externally before any terminal status.
			neg.settle(ErrRequestCancelled, nil)
			return
		}
		m, ok := v.(map[string]any)
		if !ok {
			return
		}
		switch m["status"] {
		case statusAccepted:
			neg.settle(nil, func() {
				_ = l.st.CancelOnDisconnect(jrPath)
				if err := l.st.Write(context.Background(), base+"/guest", true); err != nil {
					log.Error().Err(err).Str("module", "duo.store").Msg("guest presence write failed")
				}
				l.begin(code, RoleGuest)
				l.hook(base+"/guest", false)
				l.attach(RoleHost)
				l.ev.fireConnected()
			})
		case statusRejected:
			neg.settle(ErrRequestRejected, dropRequest)
		}
	}))

	neg.watch(l.st.SubscribeValue(base+"/host", func(v any) {
		if v != true {
			neg.settle(ErrHostDisconnected, dropRequest)
		}
	}))

	select {
	case err := <-neg.done:
		return err
	case <-ctx.Done():
		neg.settle(ctx.Err(), dropRequest)
		return <-neg.done
	}
}

func (l *storeLink) accept(ctx context.Context) error {
	return l.resolveRequest(ctx, statusAccepted)
}

func (l *storeLink) reject(ctx context.Context) error {
	return l.resolveRequest(ctx, statusRejected)
}

// resolveRequest is a bare status write; the requester's state machine
// owns all further correctness.
func (l *storeLink) resolveRequest(ctx context.Context, status string) error {
	l.mu.Lock()
	code := l.code
	l.mu.Unlock()
	path := l.base(code) + "/joinRequest/status"
	if err := l.st.Write(ctx, path, status); err != nil {
		return fmt.Errorf("resolve request: %w", err)
	}
	log.Info().Str("module", "duo.store").Str("code", code).Str("status", status).Msg("join request resolved")
	return nil
}

func (l *storeLink) send(payload any) error {
	l.mu.Lock()
	base, role := l.base(l.code), l.role
	l.mu.Unlock()
	entry := map[string]any{"from": string(role), "data": payload}
	if _, err := l.st.Append(context.Background(), base+"/messages", entry); err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// attach starts the message listener and the counterpart presence watch.
// Runs only after the handshake completes, so a default flag value can
// never read as a disconnect.
func (l *storeLink) attach(counterpart Role) {
	l.mu.Lock()
	base, role := l.base(l.code), l.role
	l.mu.Unlock()

	l.subs.add(l.st.SubscribeAppended(base+"/messages", func(_ string, v any) {
		m, ok := v.(map[string]any)
		if !ok {
			return
		}
		if m["from"] == string(role) {
			return // echo suppression
		}
		l.ev.fireData(m["data"])
	}))

	l.subs.add(l.st.SubscribeValue(base+"/"+string(counterpart), func(v any) {
		if v != true {
			l.ev.fireDisconnected()
		}
	}))
}

func (l *storeLink) teardown() {
	l.mu.Lock()
	code, role, hooks, neg, drop := l.code, l.role, l.hooks, l.neg, l.negDrop
	l.hooks = nil
	l.mu.Unlock()

	if neg != nil {
		// A still-pending request must not outlive the session.
		neg.settle(ErrClosed, drop)
	}
	l.subs.close()
	for _, path := range hooks {
		_ = l.st.CancelOnDisconnect(path)
	}
	if code == "" {
		return
	}
	ctx := context.Background()
	if role == RoleHost {
		// Only the creator deletes the shared record; see DESIGN.md.
		_ = l.st.Write(ctx, l.base(code), nil)
	} else {
		_ = l.st.Write(ctx, l.base(code)+"/guest", false)
	}
}

func (l *storeLink) begin(code string, role Role) {
	l.mu.Lock()
	l.code = code
	l.role = role
	l.mu.Unlock()
}

// hook registers a presence reset the store applies if this side's
// connection drops.
func (l *storeLink) hook(path string, v any) {
	if err := l.st.OnDisconnectSet(path, v); err != nil {
		log.Error().Err(err).Str("module", "duo.store").Str("path", path).Msg("arming disconnect hook failed")
		return
	}
	l.mu.Lock()
	l.hooks = append(l.hooks, path)
	l.mu.Unlock()
}

// firstSettle resolves a negotiation on its first terminal event: every
// watched subscription is detached before the outcome is applied, so a
// late callback can never fire after resolution.
type firstSettle struct {
	st   store.Store
	mu   sync.Mutex
	done chan error
	over bool
	toks []store.Token
}

func newFirstSettle(st store.Store) *firstSettle {
	return &firstSettle{st: st, done: make(chan error, 1)}
}

func (f *firstSettle) watch(tok store.Token) {
	f.mu.Lock()
	if f.over {
		f.mu.Unlock()
		f.st.Unsubscribe(tok)
		return
	}
	f.toks = append(f.toks, tok)
	f.mu.Unlock()
}

func (f *firstSettle) settle(err error, finish func()) {
	f.mu.Lock()
	if f.over {
		f.mu.Unlock()
		return
	}
	f.over = true
	toks := f.toks
	f.toks = nil
	f.mu.Unlock()

	for _, tok := range toks {
		f.st.Unsubscribe(tok)
	}
	if finish != nil {
		finish()
	}
	f.done <- err
}
