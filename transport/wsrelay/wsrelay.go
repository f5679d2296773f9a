// Package wsrelay implements the direct transport over a websocket relay:
// every endpoint holds one websocket to the relay, which routes frames
// between endpoints by id. It also exposes the raw signal plumbing the
// WebRTC transport uses for SDP/ICE exchange.
package wsrelay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Duo/transport"
)

const (
	writeWait = 5 * time.Second
	sendDepth = 32
)

// Frame is the relay wire format. The relay stamps From and routes on To.
type Frame struct {
	Type string          `json:"type"` // welcome, connect, connect_ack, data, signal, close, error
	From string          `json:"from,omitempty"`
	To   string          `json:"to,omitempty"`
	Kind string          `json:"kind,omitempty"` // signal subtype (offer, answer, candidate)
	Body json.RawMessage `json:"body,omitempty"`
}

// Relay error bodies.
const (
	reasonIDTaken    = "id_taken"
	reasonNoSuchPeer = "no_such_peer"
)

var errBackpressure = errors.New("wsrelay: send buffer full")

// Client is one relay endpoint. It satisfies transport.Transport and the
// Signaler surface of the rtc package.
type Client struct {
	relayURL string

	mu        sync.Mutex
	conn      *websocket.Conn
	send      chan Frame
	localID   string
	onChannel func(transport.Channel)
	onSignal  func(from, kind string, body []byte)
	chans     map[string]*channel
	pending   map[string]chan error
	closed    bool
}

var _ transport.Transport = (*Client)(nil)

// New points the client at a relay base URL (http(s) or ws(s) scheme).
func New(relayURL string) *Client {
	return &Client{
		relayURL: relayURL,
		chans:    make(map[string]*channel),
		pending:  make(map[string]chan error),
	}
}

func (c *Client) OnChannel(fn func(transport.Channel)) {
	c.mu.Lock()
	c.onChannel = fn
	c.mu.Unlock()
}

// OnSignal registers the handler for relay-routed signal frames.
func (c *Client) OnSignal(fn func(from, kind string, body []byte)) {
	c.mu.Lock()
	c.onSignal = fn
	c.mu.Unlock()
}

// Open dials the relay and claims localID. The relay answers with a
// welcome frame, or an id_taken error when the id is held by someone
// else.
func (c *Client) Open(ctx context.Context, localID string) error {
	u, err := wsURL(c.relayURL)
	if err != nil {
		return err
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	q := u.Query()
	q.Set("peer_id", localID)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("wsrelay: dial: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}
	var first Frame
	if err := conn.ReadJSON(&first); err != nil {
		conn.Close()
		return fmt.Errorf("wsrelay: handshake: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})
	if first.Type == "error" {
		conn.Close()
		if reason(first.Body) == reasonIDTaken {
			return transport.ErrIDTaken
		}
		return fmt.Errorf("wsrelay: relay refused: %s", reason(first.Body))
	}
	if first.Type != "welcome" {
		conn.Close()
		return fmt.Errorf("wsrelay: unexpected handshake frame %q", first.Type)
	}

	c.mu.Lock()
	c.conn = conn
	c.localID = localID
	c.send = make(chan Frame, sendDepth)
	c.mu.Unlock()

	go c.writePump()
	go c.readPump()
	log.Debug().Str("module", "wsrelay").Str("peer_id", localID).Msg("endpoint open")
	return nil
}

// Connect asks the relay to pair us with remoteID and waits for the ack.
func (c *Client) Connect(ctx context.Context, remoteID string) (transport.Channel, error) {
	ack := make(chan error, 1)
	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return nil, errors.New("wsrelay: not open")
	}
	c.pending[remoteID] = ack
	c.mu.Unlock()

	if err := c.enqueue(Frame{Type: "connect", To: remoteID}); err != nil {
		c.dropPending(remoteID)
		return nil, err
	}

	select {
	case err := <-ack:
		if err != nil {
			return nil, err
		}
	case <-ctx.Done():
		c.dropPending(remoteID)
		return nil, ctx.Err()
	}

	c.mu.Lock()
	ch := c.chans[remoteID]
	c.mu.Unlock()
	if ch == nil {
		return nil, transport.ErrPeerNotFound
	}
	return ch, nil
}

// Signal sends a routed one-off frame (SDP, ICE) without opening a
// channel.
func (c *Client) Signal(to, kind string, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("wsrelay: marshal signal: %w", err)
	}
	return c.enqueue(Frame{Type: "signal", To: to, Kind: kind, Body: raw})
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	chans := c.chans
	c.chans = make(map[string]*channel)
	c.mu.Unlock()

	for _, ch := range chans {
		ch.closeLocal(false)
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (c *Client) writePump() {
	c.mu.Lock()
	conn, send := c.conn, c.send
	c.mu.Unlock()
	for f := range send {
		if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			log.Error().Err(err).Str("module", "wsrelay").Msg("writePump set deadline")
			return
		}
		if err := conn.WriteJSON(f); err != nil {
			log.Error().Err(err).Str("module", "wsrelay").Msg("writePump write error")
			return
		}
	}
}

func (c *Client) readPump() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	defer c.Close()

	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if !closed {
				log.Debug().Err(err).Str("module", "wsrelay").Msg("readPump read error")
			}
			return
		}
		c.handle(f)
	}
}

func (c *Client) handle(f Frame) {
	switch f.Type {
	case "connect":
		ch := c.adopt(f.From)
		c.mu.Lock()
		fn := c.onChannel
		c.mu.Unlock()
		// Hand the channel out before acking so its handlers are in
		// place when the first frame from the remote lands.
		if fn != nil {
			fn(ch)
		}
		_ = c.enqueue(Frame{Type: "connect_ack", To: f.From})
	case "connect_ack":
		c.adopt(f.From)
		if ack := c.takePending(f.From); ack != nil {
			ack <- nil
		}
	case "data":
		if ch := c.channelFor(f.From); ch != nil {
			var payload any
			if err := json.Unmarshal(f.Body, &payload); err != nil {
				ch.fireError(fmt.Errorf("wsrelay: bad payload: %w", err))
				return
			}
			ch.fireData(payload)
		}
	case "signal":
		c.mu.Lock()
		fn := c.onSignal
		c.mu.Unlock()
		if fn != nil {
			fn(f.From, f.Kind, f.Body)
		}
	case "close":
		c.mu.Lock()
		ch := c.chans[f.From]
		delete(c.chans, f.From)
		c.mu.Unlock()
		if ch != nil {
			ch.closeLocal(false)
		}
	case "error":
		if ack := c.takePending(f.From); ack != nil {
			if reason(f.Body) == reasonNoSuchPeer {
				ack <- transport.ErrPeerNotFound
			} else {
				ack <- fmt.Errorf("wsrelay: relay error: %s", reason(f.Body))
			}
			return
		}
		log.Warn().Str("module", "wsrelay").Str("reason", reason(f.Body)).Msg("relay error")
	default:
		log.Warn().Str("module", "wsrelay").Str("type", f.Type).Msg("unknown frame")
	}
}

// adopt returns the channel to remote, creating it in the open state.
func (c *Client) adopt(remote string) *channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.chans[remote]; ok {
		return ch
	}
	ch := &channel{c: c, remote: remote}
	c.chans[remote] = ch
	return ch
}

func (c *Client) channelFor(remote string) *channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chans[remote]
}

func (c *Client) takePending(remote string) chan error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ack := c.pending[remote]
	delete(c.pending, remote)
	return ack
}

func (c *Client) dropPending(remote string) {
	c.mu.Lock()
	delete(c.pending, remote)
	c.mu.Unlock()
}

func (c *Client) enqueue(f Frame) error {
	c.mu.Lock()
	send, closed := c.send, c.closed
	c.mu.Unlock()
	if closed || send == nil {
		return errors.New("wsrelay: closed")
	}
	select {
	case send <- f:
		return nil
	default:
		return errBackpressure
	}
}

type channel struct {
	c      *Client
	remote string

	mu      sync.Mutex
	onData  func(any)
	onClose func()
	onError func(error)
	closed  bool
}

var _ transport.Channel = (*channel)(nil)

func (ch *channel) Send(payload any) error {
	ch.mu.Lock()
	closed := ch.closed
	ch.mu.Unlock()
	if closed {
		return errors.New("wsrelay: channel closed")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("wsrelay: marshal payload: %w", err)
	}
	return ch.c.enqueue(Frame{Type: "data", To: ch.remote, Body: raw})
}

func (ch *channel) OnData(fn func(any)) {
	ch.mu.Lock()
	ch.onData = fn
	ch.mu.Unlock()
}

func (ch *channel) OnClose(fn func()) {
	ch.mu.Lock()
	ch.onClose = fn
	ch.mu.Unlock()
}

func (ch *channel) OnError(fn func(error)) {
	ch.mu.Lock()
	ch.onError = fn
	ch.mu.Unlock()
}

func (ch *channel) Close() error {
	ch.c.mu.Lock()
	delete(ch.c.chans, ch.remote)
	ch.c.mu.Unlock()
	ch.closeLocal(true)
	return nil
}

func (ch *channel) closeLocal(notifyRemote bool) {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	ch.closed = true
	fn := ch.onClose
	ch.mu.Unlock()

	if notifyRemote {
		_ = ch.c.enqueue(Frame{Type: "close", To: ch.remote})
	}
	if fn != nil {
		fn()
	}
}

func (ch *channel) fireData(payload any) {
	ch.mu.Lock()
	fn := ch.onData
	ch.mu.Unlock()
	if fn != nil {
		fn(payload)
	}
}

func (ch *channel) fireError(err error) {
	ch.mu.Lock()
	fn := ch.onError
	ch.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func wsURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("wsrelay: bad relay url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("wsrelay: unsupported scheme %q", u.Scheme)
	}
	return u, nil
}

func reason(body json.RawMessage) string {
	var s string
	if err := json.Unmarshal(body, &s); err != nil {
		return string(body)
	}
	return s
}
