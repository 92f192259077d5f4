package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zde37/overlay/internal/config"
	"github.com/zde37/overlay/internal/network"
	"github.com/zde37/overlay/pkg"
	"github.com/zde37/overlay/pkg/entropy"
)

func newTestServer(t *testing.T) (*Server, *WebSocketHub, *network.Network, *httptest.Server) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Protocol = config.ProtocolRing
	cfg.M = 8

	hub := NewWebSocketHub(pkg.Nop())
	net, err := network.New(cfg, pkg.Nop(), entropy.New(5), nil, network.WithBroadcaster(hub))
	require.NoError(t, err)

	s, err := NewServer(net, hub, pkg.Nop())
	require.NoError(t, err)

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		require.NoError(t, s.Stop())
		_ = net.Close()
	})
	return s, hub, net, ts
}

func TestNewServer(t *testing.T) {
	_, err := NewServer(nil, NewWebSocketHub(pkg.Nop()), pkg.Nop())
	assert.Error(t, err)
}

func TestHealth(t *testing.T) {
	_, _, _, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRingSnapshot(t *testing.T) {
	ctx := context.Background()
	_, _, net, ts := newTestServer(t)

	first, err := net.AddNodeWithKey(ctx, net.Space().Key(10), "", false)
	require.NoError(t, err)
	_, err = net.AddNodeWithKey(ctx, net.Space().Key(130), first.Address(), true)
	require.NoError(t, err)
	for i := 0; i < 12 && net.CheckRing() != nil; i++ {
		_, err := net.StabilizeRound(ctx, 1)
		require.NoError(t, err)
	}

	resp, err := http.Get(ts.URL + "/api/ring")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	var body RingResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, config.ProtocolRing, body.Protocol)
	assert.True(t, body.Consistent)
	assert.Empty(t, body.Problem)
	require.Len(t, body.Nodes, 2)
	assert.Equal(t, body.Nodes[1].Address, body.Nodes[0].Successor)

	post, err := http.Post(ts.URL+"/api/ring", "application/json", nil)
	require.NoError(t, err)
	post.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, post.StatusCode)
}

func TestWebSocketReceivesRingUpdates(t *testing.T) {
	_, hub, net, ts := newTestServer(t)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	_, err = net.AddNodeWithKey(context.Background(), net.Space().Key(42), "", false)
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev network.RingUpdateEvent
	require.NoError(t, json.Unmarshal(msg, &ev))
	assert.Equal(t, network.EventNodeJoin, ev.Type)
	assert.Equal(t, 1, ev.Nodes)
	assert.Equal(t, "node-0001", ev.Address)
}

func TestBroadcastWithoutClients(t *testing.T) {
	hub := NewWebSocketHub(pkg.Nop())
	hub.Start()
	defer hub.Stop()

	assert.NoError(t, hub.BroadcastRingUpdate(network.RingUpdateEvent{Type: network.EventStabilization}))
	assert.Error(t, hub.BroadcastRingUpdate(func() {}), "functions do not encode")
	assert.Zero(t, hub.ClientCount())
}
