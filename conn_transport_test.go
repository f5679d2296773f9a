package duo

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Duo/internal/config"
	"github.com/dkeye/Duo/internal/relay"
	"github.com/dkeye/Duo/transport/wsrelay"
)

func newRelay(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := &config.Config{Mode: "release", Secret: "test-secret"}
	ts := httptest.NewServer(relay.SetupRouter(cfg, relay.NewServer(1<<20)))
	t.Cleanup(ts.Close)
	return ts
}

func relayConn(t *testing.T, ts *httptest.Server, rec *recorder) *Conn {
	t.Helper()
	c, err := New(Options{
		GameID:    "chess",
		Transport: wsrelay.New(ts.URL),
		Handlers:  rec.handlers(),
	})
	require.NoError(t, err)
	return c
}

func TestTransportCreateAndJoin(t *testing.T) {
	ts := newRelay(t)
	hostRec, guestRec := &recorder{}, &recorder{}
	host := relayConn(t, ts, hostRec)
	guest := relayConn(t, ts, guestRec)
	defer host.Destroy()
	defer guest.Destroy()

	code, err := host.CreateGame(context.Background())
	require.NoError(t, err)
	require.Len(t, code, 6)

	require.NoError(t, guest.JoinGame(context.Background(), strings.ToLower(code)))

	require.Eventually(t, func() bool {
		hc, _, _, _ := hostRec.snapshot()
		gc, _, _, _ := guestRec.snapshot()
		return hc == 1 && gc == 1
	}, waitFor, poll)

	// Both directions, no echo. Numbers come back as float64 off the wire.
	require.NoError(t, host.Send(map[string]any{"move": "e2e4", "clock": 42}))
	require.NoError(t, guest.Send("e7e5"))

	require.Eventually(t, func() bool {
		_, _, _, hd := hostRec.snapshot()
		_, _, _, gd := guestRec.snapshot()
		return len(hd) == 1 && len(gd) == 1
	}, waitFor, poll)

	_, _, _, hostData := hostRec.snapshot()
	_, _, _, guestData := guestRec.snapshot()
	assert.Equal(t, []any{"e7e5"}, hostData)
	assert.Equal(t, []any{map[string]any{"move": "e2e4", "clock": float64(42)}}, guestData)
}

func TestTransportJoinUnknownRoom(t *testing.T) {
	ts := newRelay(t)
	rec := &recorder{}
	guest := relayConn(t, ts, rec)
	defer guest.Destroy()

	err := guest.JoinGame(context.Background(), "ZZZZZZ")
	assert.ErrorIs(t, err, ErrRoomNotFound)
	assert.ErrorIs(t, rec.lastErr(), ErrRoomNotFound)
}

func TestTransportCodeCollision(t *testing.T) {
	ts := newRelay(t)

	first := relayConn(t, ts, &recorder{})
	defer first.Destroy()
	first.genCode = func() string { return "AB23XZ" }
	_, err := first.CreateGame(context.Background())
	require.NoError(t, err)

	second := relayConn(t, ts, &recorder{})
	defer second.Destroy()
	codes := []string{"AB23XZ", "CD45QR"}
	second.genCode = func() string { c := codes[0]; codes = codes[1:]; return c }
	code, err := second.CreateGame(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "CD45QR", code, "regenerates once on a taken endpoint")

	third := relayConn(t, ts, &recorder{})
	defer third.Destroy()
	third.genCode = func() string { return "AB23XZ" }
	_, err = third.CreateGame(context.Background())
	assert.ErrorIs(t, err, ErrIDCollision)
}

func TestTransportJoinFullRoom(t *testing.T) {
	ts := newRelay(t)
	host := relayConn(t, ts, &recorder{})
	guest := relayConn(t, ts, &recorder{})
	defer host.Destroy()
	defer guest.Destroy()

	code, err := host.CreateGame(context.Background())
	require.NoError(t, err)
	require.NoError(t, guest.JoinGame(context.Background(), code))

	late := relayConn(t, ts, &recorder{})
	defer late.Destroy()
	assert.ErrorIs(t, late.JoinGame(context.Background(), code), ErrRoomFull)
}

func TestTransportRequestAccepted(t *testing.T) {
	ts := newRelay(t)
	hostRec, reqRec := &recorder{}, &recorder{}
	host := relayConn(t, ts, hostRec)
	requester := relayConn(t, ts, reqRec)
	defer host.Destroy()
	defer requester.Destroy()

	code, err := host.CreateGame(context.Background())
	require.NoError(t, err)

	result := make(chan error, 1)
	go func() { result <- requester.RequestToJoin(context.Background(), code) }()

	require.Eventually(t, func() bool {
		_, _, jr, _ := hostRec.snapshot()
		return jr == 1
	}, waitFor, poll)

	require.NoError(t, host.AcceptJoinRequest())
	require.NoError(t, <-result)

	require.Eventually(t, func() bool {
		hc, _, _, _ := hostRec.snapshot()
		rc, _, _, _ := reqRec.snapshot()
		return hc == 1 && rc == 1
	}, waitFor, poll)

	require.NoError(t, requester.Send("ready"))
	require.Eventually(t, func() bool {
		_, _, _, hd := hostRec.snapshot()
		return len(hd) == 1 && hd[0] == "ready"
	}, waitFor, poll)
}

func TestTransportRequestRejected(t *testing.T) {
	ts := newRelay(t)
	hostRec := &recorder{}
	host := relayConn(t, ts, hostRec)
	requester := relayConn(t, ts, &recorder{})
	defer host.Destroy()
	defer requester.Destroy()

	code, err := host.CreateGame(context.Background())
	require.NoError(t, err)

	result := make(chan error, 1)
	go func() { result <- requester.RequestToJoin(context.Background(), code) }()

	require.Eventually(t, func() bool {
		_, _, jr, _ := hostRec.snapshot()
		return jr == 1
	}, waitFor, poll)

	require.NoError(t, host.RejectJoinRequest())
	assert.ErrorIs(t, <-result, ErrRequestRejected)

	hc, _, _, _ := hostRec.snapshot()
	assert.Zero(t, hc, "a rejected requester never connects")
}

func TestTransportRequestConflict(t *testing.T) {
	ts := newRelay(t)
	hostRec := &recorder{}
	host := relayConn(t, ts, hostRec)
	defer host.Destroy()

	code, err := host.CreateGame(context.Background())
	require.NoError(t, err)

	first := relayConn(t, ts, &recorder{})
	defer first.Destroy()
	res1 := make(chan error, 1)
	go func() { res1 <- first.RequestToJoin(context.Background(), code) }()
	require.Eventually(t, func() bool {
		_, _, jr, _ := hostRec.snapshot()
		return jr == 1
	}, waitFor, poll)

	second := relayConn(t, ts, &recorder{})
	defer second.Destroy()
	assert.ErrorIs(t, second.RequestToJoin(context.Background(), code), ErrRequestConflict)

	require.NoError(t, host.AcceptJoinRequest())
	require.NoError(t, <-res1)
}

func TestTransportHostVanishesDuringRequest(t *testing.T) {
	ts := newRelay(t)
	hostRec := &recorder{}
	host := relayConn(t, ts, hostRec)
	requester := relayConn(t, ts, &recorder{})
	defer requester.Destroy()

	code, err := host.CreateGame(context.Background())
	require.NoError(t, err)

	result := make(chan error, 1)
	go func() { result <- requester.RequestToJoin(context.Background(), code) }()
	require.Eventually(t, func() bool {
		_, _, jr, _ := hostRec.snapshot()
		return jr == 1
	}, waitFor, poll)

	host.Destroy()
	assert.ErrorIs(t, <-result, ErrHostDisconnected)
}

func TestTransportPeerDisconnect(t *testing.T) {
	ts := newRelay(t)
	hostRec := &recorder{}
	host := relayConn(t, ts, hostRec)
	guest := relayConn(t, ts, &recorder{})
	defer host.Destroy()

	code, err := host.CreateGame(context.Background())
	require.NoError(t, err)
	require.NoError(t, guest.JoinGame(context.Background(), code))
	require.Eventually(t, func() bool {
		hc, _, _, _ := hostRec.snapshot()
		return hc == 1
	}, waitFor, poll)

	guest.Destroy()

	require.Eventually(t, func() bool {
		_, hd, _, _ := hostRec.snapshot()
		return hd == 1
	}, waitFor, poll)
}

func TestTransportOpenTimeout(t *testing.T) {
	ts := newRelay(t)

	// A registered endpoint that never completes the handshake.
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?peer_id=duo.chess.MUTE23"
	ws, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	defer ws.Close()

	guest, err := New(Options{
		GameID:      "chess",
		Transport:   wsrelay.New(ts.URL),
		OpenTimeout: 300 * time.Millisecond,
	})
	require.NoError(t, err)
	defer guest.Destroy()

	err = guest.JoinGame(context.Background(), "MUTE23")
	assert.ErrorIs(t, err, ErrTimeout)
}
