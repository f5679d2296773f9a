package duo

import (
	"sync"

	"github.com/dkeye/Duo/store"
)

// subscriptionSet scopes every store subscription a session makes to the
// session's lifetime. After close, adds unsubscribe immediately, so no
// exit path can leak a listener.
type subscriptionSet struct {
	st     store.Store
	mu     sync.Mutex
	toks   map[store.Token]struct{}
	closed bool
}

func newSubscriptionSet(st store.Store) *subscriptionSet {
	return &subscriptionSet{st: st, toks: make(map[store.Token]struct{})}
}

func (s *subscriptionSet) add(tok store.Token) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.st.Unsubscribe(tok)
		return
	}
	s.toks[tok] = struct{}{}
	s.mu.Unlock()
}

func (s *subscriptionSet) remove(tok store.Token) {
	s.mu.Lock()
	_, ok := s.toks[tok]
	delete(s.toks, tok)
	s.mu.Unlock()
	if ok {
		s.st.Unsubscribe(tok)
	}
}

func (s *subscriptionSet) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	toks := s.toks
	s.toks = make(map[store.Token]struct{})
	s.mu.Unlock()
	for tok := range toks {
		s.st.Unsubscribe(tok)
	}
}
