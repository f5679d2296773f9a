// Package memstore is an in-process Store backend. One Store is the shared
// tree; every participant gets its own Client handle via Connect, so the
// store-side disconnect hook can be exercised per participant.
package memstore

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Duo/store"
)

const (
	kindValue = iota
	kindAppend
)

type subscription struct {
	token  store.Token
	path   string
	kind   int
	fnVal  func(any)
	fnApp  func(string, any)
	owner  *Client
	active bool
}

type effect struct {
	path   string
	value  any
	remove bool
}

// Store is the shared backing tree plus a single dispatcher goroutine that
// serializes all subscriber callbacks in notification order.
type Store struct {
	mu     sync.Mutex
	cond   *sync.Cond
	root   map[string]any
	subs   map[store.Token]*subscription
	queue  []func()
	nextID int
	closed bool
}

func New() *Store {
	s := &Store{
		root: make(map[string]any),
		subs: make(map[store.Token]*subscription),
	}
	s.cond = sync.NewCond(&s.mu)
	go s.dispatch()
	return s
}

// Close stops the dispatcher. Pending notifications are dropped.
func (s *Store) Close() {
	s.mu.Lock()
	s.closed = true
	s.cond.Signal()
	s.mu.Unlock()
}

func (s *Store) dispatch() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		fn := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		fn()
	}
}

func (s *Store) enqueue(fn func()) {
	s.queue = append(s.queue, fn)
	s.cond.Signal()
}

// Connect hands out a participant-scoped handle. Each Client owns its
// subscriptions and on-disconnect effects.
func (s *Store) Connect() *Client {
	return &Client{s: s}
}

// Client implements store.Store for one participant.
type Client struct {
	s       *Store
	mu      sync.Mutex
	effects []*effect
	gone    bool
}

var _ store.Store = (*Client)(nil)

func (c *Client) ReadOnce(_ context.Context, path string) (any, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	return deepCopy(c.s.get(split(path))), nil
}

func (c *Client) Write(_ context.Context, path string, v any) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	c.s.set(split(path), deepCopy(v))
	c.s.notifyValue(path)
	return nil
}

func (c *Client) Append(_ context.Context, path string, v any) (string, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	parts := split(path)
	list, _ := c.s.get(parts).([]any)
	key := strconv.Itoa(len(list))
	entry := deepCopy(v)
	c.s.set(parts, append(list, entry))
	for _, sub := range c.s.subs {
		if !sub.active {
			continue
		}
		if sub.kind == kindAppend && sub.path == path {
			fn, val := sub.fnApp, deepCopy(entry)
			tok := sub.token
			c.s.enqueue(func() { c.s.deliverApp(tok, fn, key, val) })
		}
	}
	c.s.notifyValue(path)
	return key, nil
}

func (c *Client) SubscribeValue(path string, fn func(any)) store.Token {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	sub := c.s.register(&subscription{path: path, kind: kindValue, fnVal: fn, owner: c})
	val := deepCopy(c.s.get(split(path)))
	tok := sub.token
	c.s.enqueue(func() { c.s.deliverVal(tok, fn, val) })
	return sub.token
}

func (c *Client) SubscribeAppended(path string, fn func(string, any)) store.Token {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	sub := c.s.register(&subscription{path: path, kind: kindAppend, fnApp: fn, owner: c})
	list, _ := c.s.get(split(path)).([]any)
	tok := sub.token
	for i, v := range list {
		key, val := strconv.Itoa(i), deepCopy(v)
		c.s.enqueue(func() { c.s.deliverApp(tok, fn, key, val) })
	}
	return sub.token
}

func (c *Client) Unsubscribe(token store.Token) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if sub, ok := c.s.subs[token]; ok {
		sub.active = false
		delete(c.s.subs, token)
	}
}

func (c *Client) OnDisconnectSet(path string, v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.effects = append(c.effects, &effect{path: path, value: deepCopy(v)})
	return nil
}

func (c *Client) OnDisconnectRemove(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.effects = append(c.effects, &effect{path: path, remove: true})
	return nil
}

func (c *Client) CancelOnDisconnect(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.effects[:0]
	for _, e := range c.effects {
		if e.path != path {
			kept = append(kept, e)
		}
	}
	c.effects = kept
	return nil
}

// Disconnect models this participant's connection dropping: the store
// applies the registered effects and the client's subscriptions go dead.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.gone {
		c.mu.Unlock()
		return
	}
	c.gone = true
	effects := c.effects
	c.effects = nil
	c.mu.Unlock()

	log.Debug().Str("module", "memstore").Int("effects", len(effects)).Msg("client disconnected")

	c.s.mu.Lock()
	for tok, sub := range c.s.subs {
		if sub.owner == c {
			sub.active = false
			delete(c.s.subs, tok)
		}
	}
	for _, e := range effects {
		if e.remove {
			c.s.set(split(e.path), nil)
		} else {
			c.s.set(split(e.path), e.value)
		}
		c.s.notifyValue(e.path)
	}
	c.s.mu.Unlock()
}

// register assumes s.mu is held.
func (s *Store) register(sub *subscription) *subscription {
	s.nextID++
	sub.token = store.Token(fmt.Sprintf("sub-%d", s.nextID))
	sub.active = true
	s.subs[sub.token] = sub
	return sub
}

// notifyValue assumes s.mu is held. A write at path wakes every value
// subscription at the path, beneath it, or above it (subtree semantics,
// needed by room listings).
func (s *Store) notifyValue(path string) {
	for _, sub := range s.subs {
		if !sub.active || sub.kind != kindValue {
			continue
		}
		if !related(sub.path, path) {
			continue
		}
		fn, val := sub.fnVal, deepCopy(s.get(split(sub.path)))
		tok := sub.token
		s.enqueue(func() { s.deliverVal(tok, fn, val) })
	}
}

// deliverVal re-checks liveness at delivery time so an unsubscribed token
// never hears a queued notification.
func (s *Store) deliverVal(tok store.Token, fn func(any), v any) {
	s.mu.Lock()
	_, live := s.subs[tok]
	s.mu.Unlock()
	if live {
		fn(v)
	}
}

func (s *Store) deliverApp(tok store.Token, fn func(string, any), key string, v any) {
	s.mu.Lock()
	_, live := s.subs[tok]
	s.mu.Unlock()
	if live {
		fn(key, v)
	}
}

// get assumes s.mu is held.
func (s *Store) get(parts []string) any {
	var cur any = s.root
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[p]
		if !ok {
			return nil
		}
	}
	return cur
}

// set assumes s.mu is held. A nil value deletes the node and prunes empty
// parents.
func (s *Store) set(parts []string, v any) {
	if len(parts) == 0 {
		return
	}
	if v == nil {
		s.remove(s.root, parts)
		return
	}
	m := s.root
	for _, p := range parts[:len(parts)-1] {
		next, ok := m[p].(map[string]any)
		if !ok {
			next = make(map[string]any)
			m[p] = next
		}
		m = next
	}
	m[parts[len(parts)-1]] = v
}

func (s *Store) remove(m map[string]any, parts []string) bool {
	if len(parts) == 1 {
		delete(m, parts[0])
		return len(m) == 0
	}
	child, ok := m[parts[0]].(map[string]any)
	if !ok {
		return false
	}
	if s.remove(child, parts[1:]) {
		delete(m, parts[0])
	}
	return len(m) == 0
}

func split(path string) []string {
	return strings.Split(strings.Trim(path, "/"), "/")
}

func related(a, b string) bool {
	if a == b {
		return true
	}
	return strings.HasPrefix(b, a+"/") || strings.HasPrefix(a, b+"/")
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = deepCopy(vv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = deepCopy(vv)
		}
		return out
	default:
		return v
	}
}
