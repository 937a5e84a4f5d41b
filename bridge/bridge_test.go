package bridge

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elly2178/lc2-curapacs/bus"
	"github.com/elly2178/lc2-curapacs/config"
)

func startedBus(t *testing.T) *bus.Bus {
	t.Helper()
	b := bus.New("test-bus")
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { _ = b.Stop(time.Second) })
	return b
}

func freePort(t *testing.T) int {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := listener.Addr().(*net.TCPAddr).Port
	require.NoError(t, listener.Close())
	return port
}

func socketPath(t *testing.T) string {
	t.Helper()
	return t.TempDir() + "/bridge.sock"
}

func startBridge(t *testing.T, cfg config.BridgeConfig, messageBus *bus.Bus) *Bridge {
	t.Helper()
	b, err := New("test-bridge", cfg, messageBus)
	require.NoError(t, err)
	require.NoError(t, b.Initialize())
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { _ = b.Stop(2 * time.Second) })
	return b
}

// dialPeer connects a test websocket client to a server-role bridge
func dialPeer(t *testing.T, port int, path, username, password string) *websocket.Conn {
	t.Helper()
	url := fmt.Sprintf("ws://127.0.0.1:%d%s", port, path)

	headers := http.Header{}
	if username != "" {
		req, _ := http.NewRequest(http.MethodGet, "http://ignored", nil)
		req.SetBasicAuth(username, password)
		headers.Set("Authorization", req.Header.Get("Authorization"))
	}

	var conn *websocket.Conn
	require.Eventually(t, func() bool {
		c, resp, err := websocket.DefaultDialer.Dial(url, headers)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			return false
		}
		conn = c
		return true
	}, 2*time.Second, 20*time.Millisecond, "could not connect to bridge")

	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestBridge_RoleSelection(t *testing.T) {
	messageBus := startedBus(t)

	server, err := New("b", config.BridgeConfig{
		ListenPort: 8082, Path: "/ws", SocketPath: socketPath(t),
	}, messageBus)
	require.NoError(t, err)
	assert.Equal(t, RoleServer, server.Role())

	client, err := New("b", config.BridgeConfig{
		ParentURL: "ws://parent:8082/ws", SocketPath: socketPath(t),
	}, messageBus)
	require.NoError(t, err)
	assert.Equal(t, RoleClient, client.Role())
}

func TestBridge_ClientRetriesAtFixedInterval(t *testing.T) {
	messageBus := startedBus(t)
	bridge := startBridge(t, config.BridgeConfig{
		ParentURL:     fmt.Sprintf("ws://127.0.0.1:%d/ws", freePort(t)),
		SocketPath:    socketPath(t),
		ReconnectWait: 20 * time.Millisecond,
	}, messageBus)

	require.Eventually(t, func() bool {
		return bridge.reconnectAttempts.Load() >= 3
	}, 3*time.Second, 10*time.Millisecond, "client gave up instead of retrying")

	assert.False(t, bridge.Health().Healthy, "client without a parent link is unhealthy")
}

func TestBridge_RedialsPromptlyAfterServerClose(t *testing.T) {
	messageBus := startedBus(t)

	// The parent accepts the handshake and drops the link straight away
	var upgrades atomic.Int64
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		upgrades.Add(1)
		conn.Close()
	}))
	t.Cleanup(server.Close)

	startBridge(t, config.BridgeConfig{
		ParentURL:     "ws" + strings.TrimPrefix(server.URL, "http"),
		SocketPath:    socketPath(t),
		ReconnectWait: 50 * time.Millisecond,
		KeepAlive:     30 * time.Second,
	}, messageBus)

	// The redial must follow within the reconnect wait; the write side may
	// not sit out a keep-alive interval before noticing the dead link.
	require.Eventually(t, func() bool {
		return upgrades.Load() >= 3
	}, 2*time.Second, 10*time.Millisecond, "client did not redial after losing the link")
}

func TestBridge_StopClosesLivePeerConnections(t *testing.T) {
	messageBus := startedBus(t)
	port := freePort(t)
	bridge := startBridge(t, config.BridgeConfig{
		ListenPort: port,
		Path:       "/ws",
		SocketPath: socketPath(t),
	}, messageBus)

	dialPeer(t, port, "/ws", "", "")
	require.Eventually(t, func() bool {
		return bridge.connectionsActive.Load() == 1
	}, 2*time.Second, 10*time.Millisecond, "peer never registered")

	start := time.Now()
	require.NoError(t, bridge.Stop(2*time.Second), "idle peer must not hold up shutdown")
	assert.Less(t, time.Since(start), time.Second)
}

func TestBridge_IngressPublishesToBus(t *testing.T) {
	messageBus := startedBus(t)
	sub := messageBus.Subscribe()
	t.Cleanup(func() { messageBus.Unsubscribe(sub) })

	path := socketPath(t)
	startBridge(t, config.BridgeConfig{
		ParentURL:     "ws://127.0.0.1:1/ws",
		SocketPath:    path,
		ReconnectWait: time.Hour,
	}, messageBus)

	sent, err := bus.NewWorklistEnvelope("wl-ingress")
	require.NoError(t, err)
	require.NoError(t, NewNotifier(path).Notify(context.Background(), sent))

	select {
	case received := <-sub.C():
		assert.Equal(t, sent, received)
	case <-time.After(2 * time.Second):
		t.Fatal("envelope never reached the bus")
	}
}

func TestBridge_IngressServesConcurrentCallers(t *testing.T) {
	messageBus := startedBus(t)
	sub := messageBus.Subscribe()
	t.Cleanup(func() { messageBus.Unsubscribe(sub) })

	path := socketPath(t)
	startBridge(t, config.BridgeConfig{
		ParentURL:     "ws://127.0.0.1:1/ws",
		SocketPath:    path,
		ReconnectWait: time.Hour,
	}, messageBus)

	// A caller that dials and then stalls must not delay the next one
	stalled, err := net.Dial("unix", path)
	require.NoError(t, err)
	t.Cleanup(func() { stalled.Close() })

	sent, err := bus.NewWorklistEnvelope("wl-concurrent")
	require.NoError(t, err)
	require.NoError(t, NewNotifier(path).Notify(context.Background(), sent))

	select {
	case received := <-sub.C():
		assert.Equal(t, sent, received)
	case <-time.After(2 * time.Second):
		t.Fatal("stalled caller blocked the ingress socket")
	}
}

func TestBridge_IngressRejectsMalformedEnvelope(t *testing.T) {
	messageBus := startedBus(t)
	sub := messageBus.Subscribe()
	t.Cleanup(func() { messageBus.Unsubscribe(sub) })

	path := socketPath(t)
	startBridge(t, config.BridgeConfig{
		ParentURL:     "ws://127.0.0.1:1/ws",
		SocketPath:    path,
		ReconnectWait: time.Hour,
	}, messageBus)

	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	_, err = conn.Write([]byte(`{"type":"not_a_thing","id":"x"}`))
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	select {
	case envelope := <-sub.C():
		t.Fatalf("malformed envelope leaked to the bus: %+v", envelope)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestBridge_BroadcastsBusEnvelopesToAllPeers(t *testing.T) {
	messageBus := startedBus(t)
	port := freePort(t)
	bridge := startBridge(t, config.BridgeConfig{
		ListenPort: port,
		Path:       "/ws",
		SocketPath: socketPath(t),
	}, messageBus)

	first := dialPeer(t, port, "/ws", "", "")
	second := dialPeer(t, port, "/ws", "", "")
	require.Eventually(t, func() bool {
		return bridge.connectionsActive.Load() == 2
	}, 2*time.Second, 10*time.Millisecond, "peers never registered")

	sent, err := bus.NewWorklistEnvelope("wl-broadcast")
	require.NoError(t, err)
	require.NoError(t, messageBus.Publish(sent))

	for _, conn := range []*websocket.Conn{first, second} {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)

		received, err := bus.Decode(data)
		require.NoError(t, err)
		assert.Equal(t, sent, received)
	}
}

func TestBridge_ServerRequiresCredentials(t *testing.T) {
	messageBus := startedBus(t)
	port := freePort(t)
	startBridge(t, config.BridgeConfig{
		ListenPort: port,
		Path:       "/ws",
		SocketPath: socketPath(t),
		Username:   "orthanc",
		Password:   "orthanc",
	}, messageBus)

	// Authorized peer connects fine
	dialPeer(t, port, "/ws", "orthanc", "orthanc")

	// Unauthenticated dial is rejected with a bad handshake
	url := fmt.Sprintf("ws://127.0.0.1:%d/ws", port)
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

type recordingStore struct {
	mu  sync.Mutex
	ids []string
}

func (s *recordingStore) MaterializeWorklist(_ context.Context, worklistID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = append(s.ids, worklistID)
	return nil
}

func (s *recordingStore) recorded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.ids...)
}

func TestBridge_DispatchesWorklistEnvelopes(t *testing.T) {
	messageBus := startedBus(t)
	port := freePort(t)

	bridge, err := New("test-bridge", config.BridgeConfig{
		ListenPort: port,
		Path:       "/ws",
		SocketPath: socketPath(t),
	}, messageBus)
	require.NoError(t, err)

	store := &recordingStore{}
	bridge.Handle(bus.TypeNewWorklist, NewWorklistHandler(store, nil))

	require.NoError(t, bridge.Start(context.Background()))
	t.Cleanup(func() { _ = bridge.Stop(2 * time.Second) })

	peer := dialPeer(t, port, "/ws", "", "")
	envelope, err := bus.NewWorklistEnvelope("wl-dispatch")
	require.NoError(t, err)
	data, err := envelope.Encode()
	require.NoError(t, err)
	require.NoError(t, peer.WriteMessage(websocket.TextMessage, data))

	require.Eventually(t, func() bool {
		ids := store.recorded()
		return len(ids) == 1 && ids[0] == "wl-dispatch"
	}, 2*time.Second, 20*time.Millisecond, "worklist handler never ran")
}

func TestBridge_UnhandledTypeDoesNotKillConnection(t *testing.T) {
	messageBus := startedBus(t)
	port := freePort(t)
	bridge := startBridge(t, config.BridgeConfig{
		ListenPort: port,
		Path:       "/ws",
		SocketPath: socketPath(t),
	}, messageBus)

	peer := dialPeer(t, port, "/ws", "", "")
	require.Eventually(t, func() bool {
		return bridge.connectionsActive.Load() == 1
	}, 2*time.Second, 10*time.Millisecond, "peer never registered")

	// No handler registered for new_worklist; the envelope is logged and
	// dropped, the link stays up.
	envelope, err := bus.NewWorklistEnvelope("wl-nohandler")
	require.NoError(t, err)
	data, err := envelope.Encode()
	require.NoError(t, err)
	require.NoError(t, peer.WriteMessage(websocket.TextMessage, data))

	sent, err := bus.NewWorklistEnvelope("wl-still-alive")
	require.NoError(t, err)
	require.NoError(t, messageBus.Publish(sent))

	require.NoError(t, peer.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err = peer.ReadMessage()
	require.NoError(t, err)
	received, err := bus.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, sent, received)
}
