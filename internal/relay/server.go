// Package relay is the rendezvous point for the direct transport
// backends: endpoints register under an id and the relay routes frames
// between them. It never inspects frame bodies.
package relay

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Duo/transport/wsrelay"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Server struct {
	readLimit int64

	mu       sync.Mutex
	peers    map[string]*peer
	contacts map[string]map[string]struct{}
}

func NewServer(readLimit int64) *Server {
	return &Server{
		readLimit: readLimit,
		peers:     make(map[string]*peer),
		contacts:  make(map[string]map[string]struct{}),
	}
}

// PeerCount reports connected endpoints, for the health endpoint.
func (s *Server) PeerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

func (s *Server) HandleWS(c *gin.Context) {
	id := c.Query("peer_id")
	if id == "" {
		c.String(http.StatusBadRequest, "peer_id required")
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("ws upgrade")
		return
	}
	if s.readLimit > 0 {
		ws.SetReadLimit(s.readLimit)
	}

	p := newPeer(id, ws)
	if !s.register(p) {
		log.Warn().Str("module", "relay").Str("peer_id", id).Msg("id already taken")
		_ = ws.WriteJSON(wsrelay.Frame{Type: "error", Body: reasonBody("id_taken")})
		_ = ws.Close()
		return
	}

	go p.writePump()
	_ = p.TrySend(wsrelay.Frame{Type: "welcome"})
	log.Info().Str("module", "relay").Str("peer_id", id).Msg("peer registered")

	s.readPump(p)
}

func (s *Server) readPump(p *peer) {
	defer func() {
		s.unregister(p)
		p.Close()
	}()
	for {
		var f wsrelay.Frame
		if err := p.conn.ReadJSON(&f); err != nil {
			log.Debug().Err(err).Str("module", "relay").Str("peer_id", p.id).Msg("readPump done")
			return
		}
		s.route(p, f)
	}
}

// route forwards a frame to its addressee, stamping the sender. An
// unreachable addressee bounces an error frame back, correlated by From.
func (s *Server) route(from *peer, f wsrelay.Frame) {
	switch f.Type {
	case "connect", "connect_ack", "data", "signal", "close":
	default:
		log.Warn().Str("module", "relay").Str("type", f.Type).Str("peer_id", from.id).Msg("unknown frame type")
		return
	}
	if f.To == "" {
		return
	}

	s.mu.Lock()
	to := s.peers[f.To]
	if to != nil {
		s.touch(from.id, f.To)
	}
	s.mu.Unlock()

	if to == nil {
		_ = from.TrySend(wsrelay.Frame{Type: "error", From: f.To, Body: reasonBody("no_such_peer")})
		return
	}

	f.From = from.id
	if err := to.TrySend(f); err != nil {
		log.Warn().Err(err).Str("module", "relay").Str("to", f.To).Msg("drop frame")
	}
}

func (s *Server) register(p *peer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.peers[p.id]; taken {
		return false
	}
	s.peers[p.id] = p
	return true
}

// unregister drops the peer and tells everyone it talked to that it is
// gone, so half-open channels do not linger.
func (s *Server) unregister(p *peer) {
	s.mu.Lock()
	if s.peers[p.id] != p {
		s.mu.Unlock()
		return
	}
	delete(s.peers, p.id)
	known := s.contacts[p.id]
	delete(s.contacts, p.id)
	others := make([]*peer, 0, len(known))
	for id := range known {
		if other, ok := s.peers[id]; ok {
			others = append(others, other)
		}
	}
	s.mu.Unlock()

	for _, other := range others {
		_ = other.TrySend(wsrelay.Frame{Type: "close", From: p.id})
	}
	log.Info().Str("module", "relay").Str("peer_id", p.id).Msg("peer gone")
}

// touch assumes s.mu is held.
func (s *Server) touch(a, b string) {
	for _, pair := range [][2]string{{a, b}, {b, a}} {
		set, ok := s.contacts[pair[0]]
		if !ok {
			set = make(map[string]struct{})
			s.contacts[pair[0]] = set
		}
		set[pair[1]] = struct{}{}
	}
}

func reasonBody(reason string) json.RawMessage {
	b, _ := json.Marshal(reason)
	return b
}
