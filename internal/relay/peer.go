package relay

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Duo/transport/wsrelay"
)

var ErrBackpressure = errors.New("backpressure")

// peer is one connected endpoint. The write pump owns the socket writes;
// everything else goes through TrySend.
type peer struct {
	id   string
	conn *websocket.Conn
	send chan wsrelay.Frame

	mu     sync.Mutex
	closed bool
}

func newPeer(id string, conn *websocket.Conn) *peer {
	return &peer{
		id:   id,
		conn: conn,
		send: make(chan wsrelay.Frame, 32),
	}
}

func (p *peer) TrySend(f wsrelay.Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("peer closed")
	}
	select {
	case p.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (p *peer) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.send)
	_ = p.conn.Close()
	p.mu.Unlock()
}

func (p *peer) writePump() {
	for f := range p.send {
		if err := p.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
			log.Error().Err(err).Str("module", "relay").Str("peer_id", p.id).Msg("writePump set deadline")
			return
		}
		if err := p.conn.WriteJSON(f); err != nil {
			log.Error().Err(err).Str("module", "relay").Str("peer_id", p.id).Msg("writePump write error")
			return
		}
	}
}
