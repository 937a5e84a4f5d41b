package bridge

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/elly2178/lc2-curapacs/bus"
	"github.com/elly2178/lc2-curapacs/component"
	"github.com/elly2178/lc2-curapacs/config"
	"github.com/elly2178/lc2-curapacs/errors"
	"github.com/elly2178/lc2-curapacs/metric"
)

// Role selects how this bridge joins the federation
type Role string

const (
	// RoleServer listens for incoming peer connections
	RoleServer Role = "server"
	// RoleClient dials the configured parent and keeps the link alive
	RoleClient Role = "client"
)

const writeTimeout = 10 * time.Second

// Bridge relays bus envelopes between federated instances over a persistent
// websocket link. A configured parent URL selects client role; otherwise the
// bridge serves peer connections on the configured port and path. Inbound
// envelopes are dispatched to registered handlers; outbound traffic is
// whatever crosses the local bus.
type Bridge struct {
	name   string
	cfg    config.BridgeConfig
	bus    *bus.Bus
	logger *slog.Logger

	role Role

	// Server role
	httpServer *http.Server
	upgrader   websocket.Upgrader

	// Client role
	reconnectAttempts atomic.Int32
	connected         atomic.Bool

	// Ingress socket
	ingress *ingressListener

	handlers   map[string]Handler
	handlersMu sync.RWMutex

	shutdown     chan struct{}
	shutdownOnce sync.Once
	started      atomic.Bool
	startTime    time.Time
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	lifecycleMu  sync.Mutex

	connectionsActive atomic.Int64
	connectionsTotal  atomic.Int64
	errorCount        atomic.Int64

	metrics *Metrics
}

var _ component.Lifecycle = (*Bridge)(nil)

// Option is a functional option for configuring the Bridge
type Option func(*Bridge)

// WithLogger sets a custom structured logger for the bridge
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bridge) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithMetrics registers bridge metrics with the given registry
func WithMetrics(registry *metric.Registry) Option {
	return func(b *Bridge) {
		b.metrics = newMetrics(registry, b.name)
	}
}

// New creates a bridge over the given bus. The role is fixed at construction
// from the configuration and never changes at runtime.
func New(name string, cfg config.BridgeConfig, messageBus *bus.Bus, opts ...Option) (*Bridge, error) {
	if messageBus == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "bridge", "New", "bus required")
	}

	role := RoleServer
	if cfg.ParentURL != "" {
		role = RoleClient
	}
	if role == RoleServer && (cfg.ListenPort <= 0 || cfg.Path == "") {
		return nil, errors.WrapFatal(errors.ErrInvalidConfig, "bridge", "New",
			"server role needs listen port and path")
	}
	if cfg.SocketPath == "" {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "bridge", "New",
			"ingress socket path required")
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 5 * time.Second
	}

	b := &Bridge{
		name:     name,
		cfg:      cfg,
		bus:      messageBus,
		logger:   slog.Default(),
		role:     role,
		handlers: make(map[string]Handler),
		shutdown: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}

	if role == RoleServer {
		b.upgrader = websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(_ *http.Request) bool { return true },
		}
	}
	return b, nil
}

// Name returns the component name
func (b *Bridge) Name() string {
	return b.name
}

// Role returns the role fixed at construction
func (b *Bridge) Role() Role {
	return b.role
}

// Handle registers the handler invoked for inbound envelopes of the given
// type. Registration must finish before Start; there is no handler removal.
func (b *Bridge) Handle(messageType string, handler Handler) {
	b.handlersMu.Lock()
	b.handlers[messageType] = handler
	b.handlersMu.Unlock()
}

// Initialize is a no-op; listeners are created in Start
func (b *Bridge) Initialize() error {
	return nil
}

// Start opens the ingress socket and begins serving the websocket role
func (b *Bridge) Start(ctx context.Context) error {
	b.lifecycleMu.Lock()
	defer b.lifecycleMu.Unlock()

	if b.started.Load() {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "bridge", "Start", "check started state")
	}

	bridgeCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	ingress, err := newIngressListener(b.cfg.SocketPath, b.bus, b.logger, b.metrics)
	if err != nil {
		cancel()
		return err
	}
	b.ingress = ingress
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ingress.acceptLoop(bridgeCtx)
	}()

	if b.role == RoleServer {
		if err := b.startServer(bridgeCtx); err != nil {
			cancel()
			ingress.close()
			return err
		}
	} else {
		b.wg.Add(1)
		go b.clientConnectLoop(bridgeCtx)
	}

	b.startTime = time.Now()
	b.started.Store(true)
	b.logger.Info("bridge started", "role", string(b.role), "socket", b.cfg.SocketPath)
	return nil
}

// Stop tears down the websocket link, the ingress socket and all goroutines
func (b *Bridge) Stop(timeout time.Duration) error {
	b.lifecycleMu.Lock()
	defer b.lifecycleMu.Unlock()

	if !b.started.Load() {
		return nil
	}

	b.shutdownOnce.Do(func() {
		close(b.shutdown)
	})
	b.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if b.httpServer != nil {
		_ = b.httpServer.Shutdown(ctx)
	}
	if b.ingress != nil {
		b.ingress.close()
	}

	doneCh := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
	case <-time.After(timeout):
		return errors.WrapTransient(errors.New("shutdown timeout"), "bridge", "Stop",
			"wait for goroutines")
	}

	b.started.Store(false)
	return nil
}

// Health reports link state. A server is healthy while listening, with or
// without peers; a client is healthy only while its parent link is up.
func (b *Bridge) Health() component.HealthStatus {
	started := b.started.Load()
	healthy := started
	if b.role == RoleClient {
		healthy = started && b.connected.Load()
	}

	uptime := time.Duration(0)
	if started && !b.startTime.IsZero() {
		uptime = time.Since(b.startTime)
	}
	return component.HealthStatus{
		Healthy:    healthy,
		LastCheck:  time.Now(),
		ErrorCount: int(b.errorCount.Load()),
		Uptime:     uptime,
	}
}

// startServer brings up the websocket endpoint (server role)
func (b *Bridge) startServer(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc(b.cfg.Path, func(w http.ResponseWriter, r *http.Request) {
		b.handlePeer(ctx, w, r)
	})

	b.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", b.cfg.ListenPort),
		Handler: mux,
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if err := b.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			b.trackError("server_error")
			b.logger.Error("bridge server stopped", "error", err)
		}
	}()
	return nil
}

// handlePeer authenticates and upgrades one incoming peer connection
func (b *Bridge) handlePeer(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	if !b.authenticate(r) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		b.trackError("auth_failed")
		return
	}

	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.trackError("upgrade_error")
		return
	}

	b.logger.Info("peer connected", "remote", r.RemoteAddr)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.serveConn(ctx, conn)
		b.logger.Info("peer disconnected", "remote", r.RemoteAddr)
	}()
}

// authenticate checks basic-auth credentials when they are configured
func (b *Bridge) authenticate(r *http.Request) bool {
	if b.cfg.Username == "" {
		return true
	}
	reqUser, reqPass, ok := r.BasicAuth()
	if !ok {
		return false
	}
	userMatch := subtle.ConstantTimeCompare([]byte(reqUser), []byte(b.cfg.Username)) == 1
	passMatch := subtle.ConstantTimeCompare([]byte(reqPass), []byte(b.cfg.Password)) == 1
	return userMatch && passMatch
}

// authHeaders builds the credential header sent when dialing the parent
func (b *Bridge) authHeaders() http.Header {
	headers := http.Header{}
	if b.cfg.Username != "" {
		auth := b.cfg.Username + ":" + b.cfg.Password
		headers.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(auth)))
	}
	return headers
}

// clientConnectLoop dials the parent and retries forever at a fixed interval.
// There is no backoff and no retry cap: a child instance keeps knocking until
// its parent comes back.
func (b *Bridge) clientConnectLoop(ctx context.Context) {
	defer b.wg.Done()

	dialer := &websocket.Dialer{HandshakeTimeout: 45 * time.Second}

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.shutdown:
			return
		default:
		}

		conn, resp, err := dialer.DialContext(ctx, b.cfg.ParentURL, b.authHeaders())
		if err != nil {
			if resp != nil {
				resp.Body.Close()
			}
			b.reconnectAttempts.Add(1)
			if b.metrics != nil {
				b.metrics.reconnectAttempts.Inc()
			}
			b.trackError("connect_error")
			b.logger.Warn("parent unreachable, retrying",
				"parent", b.cfg.ParentURL, "wait", b.cfg.ReconnectWait)

			select {
			case <-time.After(b.cfg.ReconnectWait):
			case <-b.shutdown:
				return
			case <-ctx.Done():
				return
			}
			continue
		}

		b.reconnectAttempts.Store(0)
		b.connected.Store(true)
		b.logger.Info("connected to parent", "parent", b.cfg.ParentURL)

		b.serveConn(ctx, conn)

		b.connected.Store(false)
		b.logger.Warn("parent link lost", "parent", b.cfg.ParentURL)

		select {
		case <-time.After(b.cfg.ReconnectWait):
		case <-b.shutdown:
			return
		case <-ctx.Done():
			return
		}
	}
}

// serveConn runs one websocket link until it breaks: the connection becomes a
// bus subscriber whose envelopes are written out, while inbound frames are
// decoded and dispatched. Both roles share this path.
func (b *Bridge) serveConn(ctx context.Context, conn *websocket.Conn) {
	sub := b.bus.Subscribe()
	defer b.bus.Unsubscribe(sub)
	defer conn.Close()

	b.connectionsTotal.Add(1)
	b.connectionsActive.Add(1)
	defer b.connectionsActive.Add(-1)
	if b.metrics != nil {
		b.metrics.connectionsTotal.Inc()
		b.metrics.connectionsActive.Inc()
		defer b.metrics.connectionsActive.Dec()
	}

	readDone := make(chan struct{})
	writeDone := make(chan struct{})
	go b.writeLoop(ctx, conn, sub, readDone, writeDone)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		envelope, err := bus.Decode(data)
		if err != nil {
			b.trackError("decode_error")
			b.logger.Warn("dropping undecodable envelope", "error", err)
			continue
		}
		if b.metrics != nil {
			b.metrics.messagesReceived.WithLabelValues(envelope.Type).Inc()
		}
		b.dispatch(ctx, envelope)
	}

	// The read side is the first to notice a dead connection; the write loop
	// must not sit out a keep-alive interval before following.
	close(readDone)
	conn.Close()
	<-writeDone
}

// writeLoop pumps bus envelopes out on the connection and keeps the link
// alive with pings. A write failure closes the connection, which in turn ends
// the read loop; on shutdown the loop closes the connection itself so the
// blocked read unblocks.
func (b *Bridge) writeLoop(ctx context.Context, conn *websocket.Conn, sub *bus.Subscriber, readDone, done chan struct{}) {
	defer close(done)

	keepAlive := b.cfg.KeepAlive
	if keepAlive <= 0 {
		keepAlive = 30 * time.Second
	}
	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close()
			return
		case <-b.shutdown:
			conn.Close()
			return
		case <-readDone:
			return
		case envelope, ok := <-sub.C():
			if !ok {
				conn.Close()
				return
			}
			data, err := envelope.Encode()
			if err != nil {
				b.trackError("encode_error")
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				b.trackError("write_error")
				conn.Close()
				return
			}
			if b.metrics != nil {
				b.metrics.messagesSent.Inc()
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil,
				time.Now().Add(writeTimeout)); err != nil {
				b.trackError("ping_error")
				conn.Close()
				return
			}
		}
	}
}

// dispatch routes one inbound envelope to its registered handler
func (b *Bridge) dispatch(ctx context.Context, envelope bus.Envelope) {
	b.handlersMu.RLock()
	handler, ok := b.handlers[envelope.Type]
	b.handlersMu.RUnlock()

	if !ok {
		b.logger.Warn("no handler for envelope type", "type", envelope.Type)
		b.trackError("unhandled_type")
		return
	}

	if err := handler(ctx, envelope); err != nil {
		b.trackError("handler_error")
		b.logger.Error("envelope handler failed",
			"type", envelope.Type, "message", envelope.ID, "error", err)
		return
	}
	if b.metrics != nil {
		b.metrics.messagesHandled.WithLabelValues(envelope.Type).Inc()
	}
}

func (b *Bridge) trackError(errorType string) {
	b.errorCount.Add(1)
	if b.metrics != nil {
		b.metrics.errorsTotal.WithLabelValues(errorType).Inc()
	}
}
