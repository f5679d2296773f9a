// Package redistore backs the Store contract with Redis: leaf values as
// JSON strings, append logs as lists, change notification over pub/sub.
//
// Redis has no server-applied disconnect hook, so on-disconnect effects
// are recorded locally and applied by Close. A client that dies without
// closing leaks its presence flag until the room is deleted; see the
// consistency notes in DESIGN.md.
package redistore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Duo/store"
)

const prefix = "duo"

type effect struct {
	path   string
	value  any
	remove bool
}

type sub struct {
	pubsub *redis.PubSub
	done   chan struct{}
}

type Store struct {
	rdb *redis.Client

	mu      sync.Mutex
	subs    map[store.Token]*sub
	effects []effect
	nextID  int
	closed  bool
}

var _ store.Store = (*Store)(nil)

func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb, subs: make(map[store.Token]*sub)}
}

func (s *Store) key(path string) string  { return prefix + ":k:" + path }
func (s *Store) lkey(path string) string { return prefix + ":l:" + path }
func valChan(path string) string         { return prefix + ":val:" + path }
func appChan(path string) string         { return prefix + ":app:" + path }

func (s *Store) ReadOnce(ctx context.Context, path string) (any, error) {
	raw, err := s.rdb.Get(ctx, s.key(path)).Result()
	if err == nil {
		return decode(raw)
	}
	if err != redis.Nil {
		return nil, fmt.Errorf("redistore: get: %w", err)
	}
	return s.readSubtree(ctx, path)
}

// readSubtree assembles a nested map from every leaf key and list below
// path. Returns nil when nothing is there.
func (s *Store) readSubtree(ctx context.Context, path string) (any, error) {
	node := make(map[string]any)

	iter := s.rdb.Scan(ctx, 0, s.key(path)+"/*", 0).Iterator()
	for iter.Next(ctx) {
		full := iter.Val()
		rel := strings.TrimPrefix(full, s.key(path)+"/")
		raw, err := s.rdb.Get(ctx, full).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("redistore: get %s: %w", full, err)
		}
		v, err := decode(raw)
		if err != nil {
			return nil, err
		}
		put(node, strings.Split(rel, "/"), v)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redistore: scan: %w", err)
	}

	liter := s.rdb.Scan(ctx, 0, s.lkey(path)+"*", 0).Iterator()
	for liter.Next(ctx) {
		full := liter.Val()
		rel := strings.TrimPrefix(full, s.lkey(path))
		rel = strings.TrimPrefix(rel, "/")
		entries, err := s.readList(ctx, full)
		if err != nil {
			return nil, err
		}
		if rel == "" {
			if len(node) == 0 {
				return entries, nil
			}
			continue
		}
		put(node, strings.Split(rel, "/"), entries)
	}
	if err := liter.Err(); err != nil {
		return nil, fmt.Errorf("redistore: scan lists: %w", err)
	}

	if len(node) == 0 {
		return nil, nil
	}
	return node, nil
}

func (s *Store) readList(ctx context.Context, fullKey string) ([]any, error) {
	raws, err := s.rdb.LRange(ctx, fullKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redistore: lrange: %w", err)
	}
	entries := make([]any, 0, len(raws))
	for _, raw := range raws {
		v, err := decode(raw)
		if err != nil {
			return nil, err
		}
		entries = append(entries, v)
	}
	return entries, nil
}

func (s *Store) Write(ctx context.Context, path string, v any) error {
	touched, err := s.clear(ctx, path)
	if err != nil {
		return err
	}
	if v != nil {
		leafPaths, err := s.writeLeaves(ctx, path, v)
		if err != nil {
			return err
		}
		touched = append(touched, leafPaths...)
	}
	if len(touched) == 0 {
		touched = []string{path}
	}
	s.publishValues(ctx, touched)
	return nil
}

// writeLeaves flattens map values into one Redis key per leaf so fields
// stay individually addressable.
func (s *Store) writeLeaves(ctx context.Context, path string, v any) ([]string, error) {
	if m, ok := v.(map[string]any); ok {
		var touched []string
		for k, vv := range m {
			if vv == nil {
				continue
			}
			sub, err := s.writeLeaves(ctx, path+"/"+k, vv)
			if err != nil {
				return nil, err
			}
			touched = append(touched, sub...)
		}
		return touched, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("redistore: marshal: %w", err)
	}
	if err := s.rdb.Set(ctx, s.key(path), raw, 0).Err(); err != nil {
		return nil, fmt.Errorf("redistore: set: %w", err)
	}
	return []string{path}, nil
}

// clear deletes the leaf, every descendant leaf and every list below the
// path, returning the paths whose subscribers must be woken.
func (s *Store) clear(ctx context.Context, path string) ([]string, error) {
	var touched []string
	var doomed []string

	if n, err := s.rdb.Exists(ctx, s.key(path)).Result(); err != nil {
		return nil, fmt.Errorf("redistore: exists: %w", err)
	} else if n > 0 {
		doomed = append(doomed, s.key(path))
		touched = append(touched, path)
	}
	for _, pattern := range []string{s.key(path) + "/*", s.lkey(path), s.lkey(path) + "/*"} {
		iter := s.rdb.Scan(ctx, 0, pattern, 0).Iterator()
		for iter.Next(ctx) {
			full := iter.Val()
			doomed = append(doomed, full)
			touched = append(touched, keyPath(full))
		}
		if err := iter.Err(); err != nil {
			return nil, fmt.Errorf("redistore: scan: %w", err)
		}
	}
	if len(doomed) > 0 {
		if err := s.rdb.Del(ctx, doomed...).Err(); err != nil {
			return nil, fmt.Errorf("redistore: del: %w", err)
		}
	}
	return touched, nil
}

func (s *Store) Append(ctx context.Context, path string, v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("redistore: marshal: %w", err)
	}
	n, err := s.rdb.RPush(ctx, s.lkey(path), raw).Result()
	if err != nil {
		return "", fmt.Errorf("redistore: rpush: %w", err)
	}
	idx := n - 1
	note, _ := json.Marshal(map[string]any{"i": idx, "v": json.RawMessage(raw)})
	if err := s.rdb.Publish(ctx, appChan(path), note).Err(); err != nil {
		return "", fmt.Errorf("redistore: publish: %w", err)
	}
	s.publishValues(ctx, []string{path})
	return strconv.FormatInt(idx, 10), nil
}

// publishValues wakes subscribers at each touched path and every
// ancestor, so a subscription above a room hears field writes inside it.
func (s *Store) publishValues(ctx context.Context, paths []string) {
	seen := make(map[string]struct{})
	for _, p := range paths {
		for p != "" {
			if _, dup := seen[p]; dup {
				break
			}
			seen[p] = struct{}{}
			if err := s.rdb.Publish(ctx, valChan(p), "1").Err(); err != nil {
				log.Error().Err(err).Str("module", "redistore").Str("path", p).Msg("publish failed")
			}
			i := strings.LastIndexByte(p, '/')
			if i < 0 {
				break
			}
			p = p[:i]
		}
	}
}

func (s *Store) SubscribeValue(path string, fn func(any)) store.Token {
	ctx := context.Background()
	pubsub := s.rdb.Subscribe(ctx, valChan(path))
	tok, entry := s.addSub(pubsub)

	go func() {
		v, err := s.ReadOnce(ctx, path)
		if err != nil {
			log.Error().Err(err).Str("module", "redistore").Str("path", path).Msg("initial read failed")
		}
		fn(v)
		for range pubsub.Channel() {
			v, err := s.ReadOnce(ctx, path)
			if err != nil {
				log.Error().Err(err).Str("module", "redistore").Str("path", path).Msg("read failed")
				continue
			}
			select {
			case <-entry.done:
				return
			default:
			}
			fn(v)
		}
	}()
	return tok
}

func (s *Store) SubscribeAppended(path string, fn func(string, any)) store.Token {
	ctx := context.Background()
	pubsub := s.rdb.Subscribe(ctx, appChan(path))
	tok, entry := s.addSub(pubsub)

	go func() {
		// Backfill, then stream; the published index skips duplicates
		// that race the backfill.
		delivered := int64(0)
		entries, err := s.readList(ctx, s.lkey(path))
		if err != nil {
			log.Error().Err(err).Str("module", "redistore").Str("path", path).Msg("backfill failed")
		}
		for i, v := range entries {
			fn(strconv.Itoa(i), v)
			delivered++
		}
		for msg := range pubsub.Channel() {
			var note struct {
				I int64           `json:"i"`
				V json.RawMessage `json:"v"`
			}
			if err := json.Unmarshal([]byte(msg.Payload), &note); err != nil {
				log.Error().Err(err).Str("module", "redistore").Msg("bad append note")
				continue
			}
			if note.I < delivered {
				continue
			}
			v, err := decode(string(note.V))
			if err != nil {
				log.Error().Err(err).Str("module", "redistore").Msg("bad append payload")
				continue
			}
			select {
			case <-entry.done:
				return
			default:
			}
			delivered = note.I + 1
			fn(strconv.FormatInt(note.I, 10), v)
		}
	}()
	return tok
}

func (s *Store) Unsubscribe(token store.Token) {
	s.mu.Lock()
	entry, ok := s.subs[token]
	delete(s.subs, token)
	s.mu.Unlock()
	if !ok {
		return
	}
	close(entry.done)
	_ = entry.pubsub.Close()
}

func (s *Store) OnDisconnectSet(path string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.effects = append(s.effects, effect{path: path, value: v})
	return nil
}

func (s *Store) OnDisconnectRemove(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.effects = append(s.effects, effect{path: path, remove: true})
	return nil
}

func (s *Store) CancelOnDisconnect(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.effects[:0]
	for _, e := range s.effects {
		if e.path != path {
			kept = append(kept, e)
		}
	}
	s.effects = kept
	return nil
}

// Close applies pending disconnect effects and drops every subscription.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	effects := s.effects
	s.effects = nil
	subs := s.subs
	s.subs = make(map[store.Token]*sub)
	s.mu.Unlock()

	ctx := context.Background()
	for _, e := range effects {
		var err error
		if e.remove {
			err = s.Write(ctx, e.path, nil)
		} else {
			err = s.Write(ctx, e.path, e.value)
		}
		if err != nil {
			log.Error().Err(err).Str("module", "redistore").Str("path", e.path).Msg("disconnect effect failed")
		}
	}
	for _, entry := range subs {
		close(entry.done)
		_ = entry.pubsub.Close()
	}
	return nil
}

func (s *Store) addSub(pubsub *redis.PubSub) (store.Token, *sub) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	tok := store.Token(fmt.Sprintf("rsub-%d", s.nextID))
	entry := &sub{pubsub: pubsub, done: make(chan struct{})}
	s.subs[tok] = entry
	return tok, entry
}

func decode(raw string) (any, error) {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("redistore: decode: %w", err)
	}
	return v, nil
}

func put(node map[string]any, parts []string, v any) {
	for _, p := range parts[:len(parts)-1] {
		next, ok := node[p].(map[string]any)
		if !ok {
			next = make(map[string]any)
			node[p] = next
		}
		node = next
	}
	node[parts[len(parts)-1]] = v
}

func keyPath(fullKey string) string {
	for _, pre := range []string{prefix + ":k:", prefix + ":l:"} {
		if strings.HasPrefix(fullKey, pre) {
			return strings.TrimPrefix(fullKey, pre)
		}
	}
	return fullKey
}
