// Package duo pairs two participants around a short shareable room code
// and carries ordered messages between them, either through a shared
// store or over a direct transport channel.
package duo

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Duo/store"
	"github.com/dkeye/Duo/transport"
)

// Role marks which side of the room a session holds.
type Role string

const (
	RoleHost  Role = "host"
	RoleGuest Role = "guest"
)

// DefaultOpenTimeout bounds the direct-transport channel-open wait.
const DefaultOpenTimeout = 15 * time.Second

// Options configures a Conn. Exactly one of Store and Transport must be
// set; it selects the backend the session runs on.
type Options struct {
	// GameID namespaces rooms so unrelated games never collide on codes.
	GameID    string
	Store     store.Store
	Transport transport.Transport
	Handlers  Handlers
	// OpenTimeout bounds transport channel establishment. Zero means
	// DefaultOpenTimeout. Ignored by the store backend.
	OpenTimeout time.Duration
}

// backend is the narrow seam between the one public facade and the two
// session mechanisms (store relay vs. direct transport).
type backend interface {
	create(ctx context.Context, code string) error
	join(ctx context.Context, code string) error
	request(ctx context.Context, code string) error
	accept(ctx context.Context) error
	reject(ctx context.Context) error
	send(payload any) error
	teardown()
}

// Conn is one participant's session. CreateGame, JoinGame and
// RequestToJoin each settle exactly once; events arrive via Handlers.
type Conn struct {
	gameID      string
	openTimeout time.Duration
	ev          *events
	be          backend

	// genCode is swappable so tests can force collisions.
	genCode func() string

	mu        sync.Mutex
	role      Role
	code      string
	started   bool
	destroyed bool
}

func New(opts Options) (*Conn, error) {
	if opts.GameID == "" {
		return nil, errors.New("duo: GameID is required")
	}
	if (opts.Store == nil) == (opts.Transport == nil) {
		return nil, errors.New("duo: exactly one of Store and Transport must be set")
	}
	c := &Conn{
		gameID:      opts.GameID,
		openTimeout: opts.OpenTimeout,
		ev:          newEvents(opts.Handlers),
		genCode:     generateCode,
	}
	if c.openTimeout <= 0 {
		c.openTimeout = DefaultOpenTimeout
	}
	if opts.Store != nil {
		c.be = newStoreLink(opts.Store, opts.GameID, c.ev)
	} else {
		c.be = newTransportLink(opts.Transport, opts.GameID, c.ev, c.openTimeout)
	}
	return c, nil
}

// CreateGame opens a fresh room and returns its code. On a code collision
// it regenerates exactly once; a second collision fails with
// ErrIDCollision.
func (c *Conn) CreateGame(ctx context.Context) (string, error) {
	if err := c.begin(RoleHost, ""); err != nil {
		return "", c.fail(err)
	}
	code := c.genCode()
	err := c.be.create(ctx, code)
	if errors.Is(err, ErrIDCollision) {
		code = c.genCode()
		err = c.be.create(ctx, code)
	}
	if err != nil {
		c.abort()
		return "", c.fail(err)
	}
	c.setCode(code)
	log.Info().Str("module", "duo").Str("game", c.gameID).Str("code", code).Msg("room created")
	return code, nil
}

// JoinGame enters an existing room directly, without gating.
func (c *Conn) JoinGame(ctx context.Context, code string) error {
	code = NormalizeCode(code)
	if err := c.begin(RoleGuest, code); err != nil {
		return c.fail(err)
	}
	if err := c.be.join(ctx, code); err != nil {
		c.abort()
		return c.fail(err)
	}
	log.Info().Str("module", "duo").Str("game", c.gameID).Str("code", code).Msg("joined room")
	return nil
}

// RequestToJoin asks the host for entry and blocks until the host accepts
// or rejects, the request is cancelled externally, the host disappears,
// or ctx ends. Whichever comes first settles the call; the rest is
// detached.
func (c *Conn) RequestToJoin(ctx context.Context, code string) error {
	code = NormalizeCode(code)
	if err := c.begin(RoleGuest, code); err != nil {
		return c.fail(err)
	}
	if err := c.be.request(ctx, code); err != nil {
		c.abort()
		return c.fail(err)
	}
	log.Info().Str("module", "duo").Str("game", c.gameID).Str("code", code).Msg("join request accepted")
	return nil
}

// AcceptJoinRequest lets the pending requester in. Host side only. The
// requester's own state machine enforces the rest of the handshake.
func (c *Conn) AcceptJoinRequest() error {
	if err := c.requireRole(RoleHost); err != nil {
		return c.fail(err)
	}
	return c.be.accept(context.Background())
}

// RejectJoinRequest turns the pending requester away. Host side only.
func (c *Conn) RejectJoinRequest() error {
	if err := c.requireRole(RoleHost); err != nil {
		return c.fail(err)
	}
	return c.be.reject(context.Background())
}

// Send appends one message tagged with this session's role. The
// counterpart receives it via Handlers.Data; the sender never does.
func (c *Conn) Send(payload any) error {
	c.mu.Lock()
	ok := c.started && !c.destroyed
	c.mu.Unlock()
	if !ok {
		return c.fail(ErrClosed)
	}
	return c.be.send(payload)
}

// Role reports the side this session holds, or "" before any operation.
func (c *Conn) Role() Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

// Code reports the room code of the active session.
func (c *Conn) Code() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.code
}

// Destroy tears the session down: every listener is detached, pending
// disconnect hooks are cancelled, and the host's room record is deleted
// (a guest only clears its own presence). No handler fires after Destroy
// returns. Safe to call twice.
func (c *Conn) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	c.mu.Unlock()

	c.ev.close()
	c.be.teardown()
	log.Info().Str("module", "duo").Str("game", c.gameID).Str("code", c.code).Msg("session destroyed")
}

// fail funnels a failure through both the settling return value and the
// Error handler, per the one-place-to-observe contract.
func (c *Conn) fail(err error) error {
	c.ev.fireError(err)
	return err
}

func (c *Conn) begin(role Role, code string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return ErrClosed
	}
	if c.started {
		return errors.New("duo: session already started")
	}
	if role == RoleGuest && len(code) != codeLength {
		return ErrRoomNotFound
	}
	c.started = true
	c.role = role
	c.code = code
	return nil
}

func (c *Conn) abort() {
	c.mu.Lock()
	c.started = false
	c.role = ""
	c.code = ""
	c.mu.Unlock()
}

func (c *Conn) setCode(code string) {
	c.mu.Lock()
	c.code = code
	c.mu.Unlock()
}

func (c *Conn) requireRole(role Role) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return ErrClosed
	}
	if !c.started || c.role != role {
		return errors.New("duo: operation requires the " + string(role) + " role")
	}
	return nil
}
