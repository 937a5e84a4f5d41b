package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/elly2178/lc2-curapacs/archive"
	"github.com/elly2178/lc2-curapacs/bus"
	"github.com/elly2178/lc2-curapacs/component"
	"github.com/elly2178/lc2-curapacs/config"
	"github.com/elly2178/lc2-curapacs/errors"
	"github.com/elly2178/lc2-curapacs/federation"
	"github.com/elly2178/lc2-curapacs/metric"
)

// maxRequestBody bounds enhance-query and change bodies
const maxRequestBody = 1 << 20

// QueryAnswerer answers a federated query from a raw request body
type QueryAnswerer interface {
	AnswerQuery(ctx context.Context, rawBody []byte) ([]archive.TagSnapshot, error)
}

// ChangeHandler reacts to archive change events
type ChangeHandler interface {
	OnChange(ctx context.Context, change federation.Change) error
}

// Notifier hands an envelope to the bridge's ingress socket
type Notifier interface {
	Notify(ctx context.Context, envelope bus.Envelope) error
}

// Gateway is the local HTTP surface of the federator: the enhance-query
// endpoint the archive host calls back into, the change webhook, health and
// metrics.
type Gateway struct {
	name   string
	cfg    config.GatewayConfig
	engine QueryAnswerer
	logger *slog.Logger

	forwarder ChangeHandler
	notifier  Notifier

	registry   *metric.Registry
	components []component.Lifecycle

	httpServer *http.Server

	shutdown     chan struct{}
	shutdownOnce sync.Once
	started      atomic.Bool
	startTime    time.Time
	wg           sync.WaitGroup
	lifecycleMu  sync.Mutex

	errorCount atomic.Int64

	metrics *gatewayMetrics
}

var _ component.Lifecycle = (*Gateway)(nil)

type gatewayMetrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

func newGatewayMetrics(registry *metric.Registry, componentName string) *gatewayMetrics {
	if registry == nil {
		return nil
	}
	m := &gatewayMetrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "gateway",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status",
		}, []string{"route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metric.Namespace,
			Subsystem: "gateway",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration by route",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}, []string{"route"}),
	}
	registry.MustRegister(componentName, "requests_total", m.requestsTotal)
	registry.MustRegister(componentName, "request_duration", m.requestDuration)
	return m
}

// Option is a functional option for configuring the Gateway
type Option func(*Gateway)

// WithLogger sets a custom structured logger for the gateway
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithChangeHandling wires the change webhook: forwarder for new instances,
// notifier for worklist announcements
func WithChangeHandling(forwarder ChangeHandler, notifier Notifier) Option {
	return func(g *Gateway) {
		g.forwarder = forwarder
		g.notifier = notifier
	}
}

// WithMetricRegistry exposes the registry at /metrics and registers the
// gateway's own request metrics with it
func WithMetricRegistry(registry *metric.Registry) Option {
	return func(g *Gateway) {
		g.registry = registry
		g.metrics = newGatewayMetrics(registry, g.name)
	}
}

// WithHealthChecks aggregates the given components under /healthz
func WithHealthChecks(components ...component.Lifecycle) Option {
	return func(g *Gateway) {
		g.components = append(g.components, components...)
	}
}

// New creates the gateway serving the given engine
func New(name string, cfg config.GatewayConfig, engine QueryAnswerer, opts ...Option) (*Gateway, error) {
	if engine == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "gateway", "New", "engine required")
	}

	g := &Gateway{
		name:     name,
		cfg:      cfg,
		engine:   engine,
		logger:   slog.Default(),
		shutdown: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Name returns the component name
func (g *Gateway) Name() string {
	return g.name
}

// Initialize is a no-op; the server is built in Start
func (g *Gateway) Initialize() error {
	return nil
}

// Start brings up the HTTP server
func (g *Gateway) Start(ctx context.Context) error {
	g.lifecycleMu.Lock()
	defer g.lifecycleMu.Unlock()

	if g.started.Load() {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "gateway", "Start", "check started state")
	}

	g.httpServer = &http.Server{
		Addr:        fmt.Sprintf(":%d", g.cfg.Port),
		Handler:     g.routes(),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if err := g.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			g.errorCount.Add(1)
			g.logger.Error("gateway server stopped", "error", err)
		}
	}()

	g.startTime = time.Now()
	g.started.Store(true)
	g.logger.Info("gateway started", "port", g.cfg.Port)
	return nil
}

// Stop shuts the HTTP server down gracefully
func (g *Gateway) Stop(timeout time.Duration) error {
	g.lifecycleMu.Lock()
	defer g.lifecycleMu.Unlock()

	if !g.started.Load() {
		return nil
	}

	g.shutdownOnce.Do(func() {
		close(g.shutdown)
	})

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := g.httpServer.Shutdown(ctx); err != nil {
		return errors.WrapTransient(err, "gateway", "Stop", "shutdown server")
	}

	g.wg.Wait()
	g.started.Store(false)
	return nil
}

// Health reports whether the HTTP server is up
func (g *Gateway) Health() component.HealthStatus {
	started := g.started.Load()
	uptime := time.Duration(0)
	if started && !g.startTime.IsZero() {
		uptime = time.Since(g.startTime)
	}
	return component.HealthStatus{
		Healthy:    started,
		LastCheck:  time.Now(),
		ErrorCount: int(g.errorCount.Load()),
		Uptime:     uptime,
	}
}

// routes builds the HTTP mux. Split out so tests can drive the handlers
// through httptest without binding a port.
func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /enhancequery", g.instrument("enhancequery", g.handleEnhanceQuery))
	mux.HandleFunc("POST /changes", g.instrument("changes", g.handleChange))
	mux.HandleFunc("GET /healthz", g.instrument("healthz", g.handleHealth))
	if g.registry != nil {
		mux.Handle("GET /metrics", g.registry.Handler())
	}
	return mux
}

// statusRecorder captures the status code written by a handler
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (g *Gateway) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next(recorder, r)
		if g.metrics != nil {
			g.metrics.requestsTotal.WithLabelValues(route, fmt.Sprintf("%d", recorder.status)).Inc()
			g.metrics.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		}
	}
}

// handleEnhanceQuery answers a federated query. Invalid input maps to 400,
// a failed local archive to 502; a degraded peer still answers 200 with
// local-only results.
func (g *Gateway) handleEnhanceQuery(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		g.writeError(w, http.StatusBadRequest, err)
		return
	}

	answers, err := g.engine.AnswerQuery(r.Context(), body)
	if err != nil {
		if errors.IsInvalid(err) {
			g.writeError(w, http.StatusBadRequest, err)
		} else {
			g.writeError(w, http.StatusBadGateway, err)
		}
		return
	}

	g.writeJSON(w, http.StatusOK, answers)
}

// handleChange reacts to one archive change event: new instances replicate to
// the peer, new worklists are announced over the bridge. Unknown change types
// are acknowledged and ignored.
func (g *Gateway) handleChange(w http.ResponseWriter, r *http.Request) {
	var change federation.Change
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&change); err != nil {
		g.writeError(w, http.StatusBadRequest,
			errors.WrapInvalid(errors.ErrMalformedRequest, "gateway", "handleChange", "decode change"))
		return
	}
	if change.ID == "" {
		g.writeError(w, http.StatusBadRequest,
			errors.WrapInvalid(errors.ErrMalformedRequest, "gateway", "handleChange", "change missing id"))
		return
	}

	switch change.Type {
	case federation.ChangeNewWorklist:
		if g.notifier == nil {
			break
		}
		envelope, err := bus.NewWorklistEnvelope(change.ID)
		if err != nil {
			g.writeError(w, http.StatusInternalServerError, err)
			return
		}
		if err := g.notifier.Notify(r.Context(), envelope); err != nil {
			g.errorCount.Add(1)
			g.logger.Error("worklist announcement failed", "resource", change.ID, "error", err)
			g.writeError(w, http.StatusBadGateway, err)
			return
		}
	default:
		if g.forwarder == nil {
			break
		}
		if err := g.forwarder.OnChange(r.Context(), change); err != nil {
			g.errorCount.Add(1)
			g.logger.Error("change handling failed",
				"change", string(change.Type), "resource", change.ID, "error", err)
			g.writeError(w, http.StatusBadGateway, err)
			return
		}
	}

	g.writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

// healthReport is the /healthz response body
type healthReport struct {
	Healthy    bool                              `json:"healthy"`
	Components map[string]component.HealthStatus `json:"components"`
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	report := healthReport{
		Healthy:    true,
		Components: make(map[string]component.HealthStatus, len(g.components)),
	}
	for _, c := range g.components {
		status := c.Health()
		report.Components[c.Name()] = status
		if !status.Healthy {
			report.Healthy = false
		}
	}

	status := http.StatusOK
	if !report.Healthy {
		status = http.StatusServiceUnavailable
	}
	g.writeJSON(w, status, report)
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		g.logger.Error("response encoding failed", "error", err)
	}
}

func (g *Gateway) writeError(w http.ResponseWriter, status int, err error) {
	g.logger.Warn("request failed", "status", status, "error", err)
	g.writeJSON(w, status, map[string]string{"error": err.Error()})
}
