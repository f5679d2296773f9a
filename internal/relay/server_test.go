package relay

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Duo/internal/config"
	"github.com/dkeye/Duo/transport/wsrelay"
)

func newTestRelay(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := &config.Config{Mode: "release", Secret: "test-secret"}
	ts := httptest.NewServer(SetupRouter(cfg, NewServer(1 << 20)))
	t.Cleanup(ts.Close)
	return ts
}

func dialPeer(t *testing.T, ts *httptest.Server, id string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?peer_id=" + id
	ws, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })

	var f wsrelay.Frame
	require.NoError(t, ws.ReadJSON(&f))
	require.Equal(t, "welcome", f.Type)
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) wsrelay.Frame {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f wsrelay.Frame
	require.NoError(t, ws.ReadJSON(&f))
	return f
}

func TestRegisterRejectsMissingPeerID(t *testing.T) {
	ts := newTestRelay(t)
	resp, err := http.Get(ts.URL + "/ws")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRegisterRejectsDuplicateID(t *testing.T) {
	ts := newTestRelay(t)
	dialPeer(t, ts, "alpha")

	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?peer_id=alpha"
	ws, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f wsrelay.Frame
	require.NoError(t, ws.ReadJSON(&f))
	assert.Equal(t, "error", f.Type)
	var reason string
	require.NoError(t, json.Unmarshal(f.Body, &reason))
	assert.Equal(t, "id_taken", reason)
}

func TestRouteStampsSender(t *testing.T) {
	ts := newTestRelay(t)
	a := dialPeer(t, ts, "alpha")
	b := dialPeer(t, ts, "beta")

	body, _ := json.Marshal("ping")
	require.NoError(t, a.WriteJSON(wsrelay.Frame{Type: "data", To: "beta", From: "forged", Body: body}))

	f := readFrame(t, b)
	assert.Equal(t, "data", f.Type)
	assert.Equal(t, "alpha", f.From, "relay overwrites the sender id")
	var payload string
	require.NoError(t, json.Unmarshal(f.Body, &payload))
	assert.Equal(t, "ping", payload)
}

func TestRouteBouncesUnknownAddressee(t *testing.T) {
	ts := newTestRelay(t)
	a := dialPeer(t, ts, "alpha")

	require.NoError(t, a.WriteJSON(wsrelay.Frame{Type: "connect", To: "ghost"}))

	f := readFrame(t, a)
	assert.Equal(t, "error", f.Type)
	assert.Equal(t, "ghost", f.From, "bounce is correlated by addressee")
	var reason string
	require.NoError(t, json.Unmarshal(f.Body, &reason))
	assert.Equal(t, "no_such_peer", reason)
}

func TestRouteDropsUnknownFrameTypes(t *testing.T) {
	ts := newTestRelay(t)
	a := dialPeer(t, ts, "alpha")
	b := dialPeer(t, ts, "beta")

	require.NoError(t, a.WriteJSON(wsrelay.Frame{Type: "shenanigans", To: "beta"}))
	require.NoError(t, a.WriteJSON(wsrelay.Frame{Type: "data", To: "beta"}))

	// Only the valid frame comes through.
	f := readFrame(t, b)
	assert.Equal(t, "data", f.Type)
}

func TestPeerGoneNotifiesContacts(t *testing.T) {
	ts := newTestRelay(t)
	a := dialPeer(t, ts, "alpha")
	b := dialPeer(t, ts, "beta")

	require.NoError(t, a.WriteJSON(wsrelay.Frame{Type: "connect", To: "beta"}))
	f := readFrame(t, b)
	require.Equal(t, "connect", f.Type)

	require.NoError(t, b.Close())

	f = readFrame(t, a)
	assert.Equal(t, "close", f.Type)
	assert.Equal(t, "beta", f.From)
}

func TestHealthzReportsPeers(t *testing.T) {
	ts := newTestRelay(t)
	dialPeer(t, ts, "alpha")
	dialPeer(t, ts, "beta")

	var status struct {
		Status string `json:"status"`
		Peers  int    `json:"peers"`
	}
	require.Eventually(t, func() bool {
		resp, err := http.Get(ts.URL + "/healthz")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
			return false
		}
		return status.Peers == 2
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, "ok", status.Status)
}
