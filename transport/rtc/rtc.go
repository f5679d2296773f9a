// Package rtc implements the direct transport over WebRTC datachannels.
// Endpoints still meet through a relay, but only SDP and ICE candidates
// travel through it; game traffic flows peer to peer.
package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Duo/transport"
)

// Signaler is the only surface rtc needs from the relay layer; the
// wsrelay client satisfies it.
type Signaler interface {
	Open(ctx context.Context, localID string) error
	Signal(to, kind string, body any) error
	OnSignal(fn func(from, kind string, body []byte))
	Close() error
}

func DefaultConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: []string{"stun:stun.l.google.com:19302"},
			},
		},
	}
}

type Transport struct {
	sig Signaler
	cfg webrtc.Configuration

	mu        sync.Mutex
	localID   string
	onChannel func(transport.Channel)
	conns     map[string]*peerConn
	closed    bool
}

var _ transport.Transport = (*Transport)(nil)

func New(sig Signaler) *Transport {
	return NewWithConfig(sig, DefaultConfig())
}

func NewWithConfig(sig Signaler, cfg webrtc.Configuration) *Transport {
	t := &Transport{sig: sig, cfg: cfg, conns: make(map[string]*peerConn)}
	sig.OnSignal(t.onSignal)
	return t
}

func (t *Transport) OnChannel(fn func(transport.Channel)) {
	t.mu.Lock()
	t.onChannel = fn
	t.mu.Unlock()
}

func (t *Transport) Open(ctx context.Context, localID string) error {
	if err := t.sig.Open(ctx, localID); err != nil {
		return err
	}
	t.mu.Lock()
	t.localID = localID
	t.mu.Unlock()
	return nil
}

// Connect offers a datachannel to the remote endpoint and waits for it to
// open. A remote that never answers surfaces as ctx expiry.
func (t *Transport) Connect(ctx context.Context, remoteID string) (transport.Channel, error) {
	pc, err := webrtc.NewPeerConnection(t.cfg)
	if err != nil {
		return nil, fmt.Errorf("rtc: new peer connection: %w", err)
	}
	t.track(remoteID, pc)

	dc, err := pc.CreateDataChannel("duo", nil)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("rtc: create datachannel: %w", err)
	}
	ch := newChannel(dc, pc, remoteID)
	opened := make(chan struct{})
	dc.OnOpen(func() {
		log.Debug().Str("module", "rtc").Str("remote", remoteID).Msg("datachannel open")
		close(opened)
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("rtc: create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		pc.Close()
		return nil, fmt.Errorf("rtc: set local description: %w", err)
	}
	if err := t.sig.Signal(remoteID, "offer", offer); err != nil {
		pc.Close()
		return nil, fmt.Errorf("rtc: signal offer: %w", err)
	}

	select {
	case <-opened:
		return ch, nil
	case <-ctx.Done():
		pc.Close()
		t.untrack(remoteID)
		return nil, ctx.Err()
	}
}

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conns := t.conns
	t.conns = make(map[string]*peerConn)
	t.mu.Unlock()

	for _, conn := range conns {
		_ = conn.pc.Close()
	}
	return t.sig.Close()
}

func (t *Transport) onSignal(from, kind string, body []byte) {
	switch kind {
	case "offer":
		t.handleOffer(from, body)
	case "answer":
		t.handleAnswer(from, body)
	case "candidate":
		t.handleCandidate(from, body)
	default:
		log.Warn().Str("module", "rtc").Str("kind", kind).Msg("unknown signal")
	}
}

func (t *Transport) handleOffer(from string, body []byte) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(body, &offer); err != nil {
		log.Error().Err(err).Str("module", "rtc").Msg("bad offer")
		return
	}

	pc, err := webrtc.NewPeerConnection(t.cfg)
	if err != nil {
		log.Error().Err(err).Str("module", "rtc").Msg("new peer connection")
		return
	}
	conn := t.track(from, pc)

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		ch := newChannel(dc, pc, from)
		dc.OnOpen(func() {
			t.mu.Lock()
			fn := t.onChannel
			t.mu.Unlock()
			if fn != nil {
				fn(ch)
			}
		})
	})

	if err := pc.SetRemoteDescription(offer); err != nil {
		log.Error().Err(err).Str("module", "rtc").Msg("set remote description")
		pc.Close()
		return
	}
	conn.remoteSet()

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		log.Error().Err(err).Str("module", "rtc").Msg("create answer")
		pc.Close()
		return
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		log.Error().Err(err).Str("module", "rtc").Msg("set local description")
		pc.Close()
		return
	}
	if err := t.sig.Signal(from, "answer", answer); err != nil {
		log.Error().Err(err).Str("module", "rtc").Msg("signal answer")
	}
}

func (t *Transport) handleAnswer(from string, body []byte) {
	var answer webrtc.SessionDescription
	if err := json.Unmarshal(body, &answer); err != nil {
		log.Error().Err(err).Str("module", "rtc").Msg("bad answer")
		return
	}
	conn := t.conn(from)
	if conn == nil {
		log.Warn().Str("module", "rtc").Str("from", from).Msg("answer without offer")
		return
	}
	if err := conn.pc.SetRemoteDescription(answer); err != nil {
		log.Error().Err(err).Str("module", "rtc").Msg("set remote description")
		return
	}
	conn.remoteSet()
}

func (t *Transport) handleCandidate(from string, body []byte) {
	var cand webrtc.ICECandidateInit
	if err := json.Unmarshal(body, &cand); err != nil {
		log.Error().Err(err).Str("module", "rtc").Msg("bad candidate")
		return
	}
	conn := t.conn(from)
	if conn == nil {
		return
	}
	conn.addCandidate(cand)
}

// track registers the peer connection and wires ICE trickle to the
// signaler.
func (t *Transport) track(remote string, pc *webrtc.PeerConnection) *peerConn {
	conn := &peerConn{pc: pc}
	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		if err := t.sig.Signal(remote, "candidate", cand.ToJSON()); err != nil {
			log.Error().Err(err).Str("module", "rtc").Msg("signal candidate")
		}
	})
	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "rtc").Str("remote", remote).Str("ice_state", s.String()).Msg("ICE state")
	})
	t.mu.Lock()
	t.conns[remote] = conn
	t.mu.Unlock()
	return conn
}

func (t *Transport) untrack(remote string) {
	t.mu.Lock()
	delete(t.conns, remote)
	t.mu.Unlock()
}

func (t *Transport) conn(remote string) *peerConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conns[remote]
}

// peerConn buffers trickle candidates that race ahead of the remote
// description.
type peerConn struct {
	pc *webrtc.PeerConnection

	mu      sync.Mutex
	ready   bool
	pending []webrtc.ICECandidateInit
}

func (c *peerConn) addCandidate(cand webrtc.ICECandidateInit) {
	c.mu.Lock()
	if !c.ready {
		c.pending = append(c.pending, cand)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	if err := c.pc.AddICECandidate(cand); err != nil {
		log.Error().Err(err).Str("module", "rtc").Msg("add ice candidate")
	}
}

func (c *peerConn) remoteSet() {
	c.mu.Lock()
	c.ready = true
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, cand := range pending {
		if err := c.pc.AddICECandidate(cand); err != nil {
			log.Error().Err(err).Str("module", "rtc").Msg("add buffered candidate")
		}
	}
}

type channel struct {
	dc     *webrtc.DataChannel
	pc     *webrtc.PeerConnection
	remote string

	mu      sync.Mutex
	onData  func(any)
	onClose func()
	onError func(error)
	closed  bool
}

var _ transport.Channel = (*channel)(nil)

func newChannel(dc *webrtc.DataChannel, pc *webrtc.PeerConnection, remote string) *channel {
	ch := &channel{dc: dc, pc: pc, remote: remote}
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		var payload any
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			ch.emitError(fmt.Errorf("rtc: bad payload: %w", err))
			return
		}
		ch.mu.Lock()
		fn := ch.onData
		ch.mu.Unlock()
		if fn != nil {
			fn(payload)
		}
	})
	dc.OnClose(func() {
		ch.mu.Lock()
		if ch.closed {
			ch.mu.Unlock()
			return
		}
		ch.closed = true
		fn := ch.onClose
		ch.mu.Unlock()
		if fn != nil {
			fn()
		}
	})
	dc.OnError(func(err error) {
		ch.emitError(err)
	})
	return ch
}

func (ch *channel) Send(payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("rtc: marshal payload: %w", err)
	}
	if err := ch.dc.SendText(string(b)); err != nil {
		return fmt.Errorf("rtc: send: %w", err)
	}
	return nil
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
	err := ch.dc.Close()
	if pcErr := ch.pc.Close(); err == nil {
		err = pcErr
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("rtc: close: %w", err)
	}
	return nil
}

func (ch *channel) emitError(err error) {
	ch.mu.Lock()
	fn := ch.onError
	ch.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}
