package bus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elly2178/lc2-curapacs/component"
	"github.com/elly2178/lc2-curapacs/errors"
	"github.com/elly2178/lc2-curapacs/metric"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	// publishQueueSize bounds the FIFO queue between publishers and dispatch
	publishQueueSize = 256
	// subscriberQueueSize bounds each subscriber's delivery channel
	subscriberQueueSize = 64
)

// Bus is the process-local broadcast bus between the synchronous gateway side
// and the bridge. Envelopes published from any goroutine are delivered in
// publish order to every subscriber registered at delivery time. A subscriber
// that cannot keep up loses messages; it never stalls dispatch or the other
// subscribers.
type Bus struct {
	name   string
	logger *slog.Logger

	publishCh chan Envelope

	subscribers   map[*Subscriber]struct{}
	subscribersMu sync.RWMutex

	shutdown     chan struct{}
	shutdownOnce sync.Once
	started      atomic.Bool
	startTime    time.Time
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	lifecycleMu  sync.Mutex

	errorCount atomic.Int64

	metrics *busMetrics
}

// Subscriber is one registered receiver. Envelopes arrive on C in publish
// order; the channel is closed on Unsubscribe and on bus shutdown.
type Subscriber struct {
	ch chan Envelope
}

// C returns the subscriber's delivery channel
func (s *Subscriber) C() <-chan Envelope {
	return s.ch
}

type busMetrics struct {
	published   prometheus.Counter
	delivered   prometheus.Counter
	dropped     prometheus.Counter
	subscribers prometheus.Gauge
}

func newBusMetrics(registry *metric.Registry, componentName string) *busMetrics {
	if registry == nil {
		return nil
	}
	m := &busMetrics{
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "bus",
			Name:      "messages_published_total",
			Help:      "Envelopes accepted for dispatch",
		}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "bus",
			Name:      "messages_delivered_total",
			Help:      "Envelope deliveries across all subscribers",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "bus",
			Name:      "messages_dropped_total",
			Help:      "Deliveries dropped because a subscriber queue was full",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "bus",
			Name:      "subscribers",
			Help:      "Currently registered subscribers",
		}),
	}
	registry.MustRegister(componentName, "messages_published", m.published)
	registry.MustRegister(componentName, "messages_delivered", m.delivered)
	registry.MustRegister(componentName, "messages_dropped", m.dropped)
	registry.MustRegister(componentName, "subscribers", m.subscribers)
	return m
}

// Option is a functional option for configuring the Bus
type Option func(*Bus)

// WithLogger sets a custom structured logger for the bus
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithMetrics registers bus metrics with the given registry
func WithMetrics(registry *metric.Registry) Option {
	return func(b *Bus) {
		b.metrics = newBusMetrics(registry, b.name)
	}
}

// New creates a message bus
func New(name string, opts ...Option) *Bus {
	b := &Bus{
		name:        name,
		logger:      slog.Default(),
		publishCh:   make(chan Envelope, publishQueueSize),
		subscribers: make(map[*Subscriber]struct{}),
		shutdown:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

var _ component.Lifecycle = (*Bus)(nil)

// Name returns the component name
func (b *Bus) Name() string {
	return b.name
}

// Initialize is a no-op; all setup happens in New and Start
func (b *Bus) Initialize() error {
	return nil
}

// Start launches the dispatch loop
func (b *Bus) Start(ctx context.Context) error {
	b.lifecycleMu.Lock()
	defer b.lifecycleMu.Unlock()

	if b.started.Load() {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "bus", "Start", "check started state")
	}

	busCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	b.wg.Add(1)
	go b.dispatchLoop(busCtx)

	b.startTime = time.Now()
	b.started.Store(true)
	return nil
}

// Stop shuts down dispatch and closes every subscriber channel
func (b *Bus) Stop(timeout time.Duration) error {
	b.lifecycleMu.Lock()
	defer b.lifecycleMu.Unlock()

	if !b.started.Load() {
		return nil
	}

	b.shutdownOnce.Do(func() {
		close(b.shutdown)
	})
	b.cancel()

	doneCh := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
	case <-time.After(timeout):
		return errors.WrapTransient(errors.New("shutdown timeout"), "bus", "Stop",
			"wait for dispatch loop")
	}

	b.subscribersMu.Lock()
	for sub := range b.subscribers {
		close(sub.ch)
	}
	b.subscribers = make(map[*Subscriber]struct{})
	b.subscribersMu.Unlock()

	b.started.Store(false)
	return nil
}

// Health reports whether the dispatch loop is running
func (b *Bus) Health() component.HealthStatus {
	started := b.started.Load()
	uptime := time.Duration(0)
	if started && !b.startTime.IsZero() {
		uptime = time.Since(b.startTime)
	}
	return component.HealthStatus{
		Healthy:    started,
		LastCheck:  time.Now(),
		ErrorCount: int(b.errorCount.Load()),
		Uptime:     uptime,
	}
}

// Publish queues an envelope for broadcast. Safe from any goroutine; blocks
// only when the publish queue is full, and returns once the bus shuts down.
func (b *Bus) Publish(envelope Envelope) error {
	if !b.started.Load() {
		return errors.WrapFatal(errors.ErrNotStarted, "bus", "Publish", "check started state")
	}

	select {
	case <-b.shutdown:
		return errors.WrapTransient(errors.ErrShuttingDown, "bus", "Publish", "enqueue envelope")
	case b.publishCh <- envelope:
		if b.metrics != nil {
			b.metrics.published.Inc()
		}
		return nil
	}
}

// Subscribe registers a new receiver. Only envelopes published after the
// registration are delivered; there is no replay.
func (b *Bus) Subscribe() *Subscriber {
	sub := &Subscriber{ch: make(chan Envelope, subscriberQueueSize)}

	b.subscribersMu.Lock()
	b.subscribers[sub] = struct{}{}
	b.subscribersMu.Unlock()

	if b.metrics != nil {
		b.metrics.subscribers.Inc()
	}
	return sub
}

// Unsubscribe removes a receiver and closes its channel. Idempotent.
func (b *Bus) Unsubscribe(sub *Subscriber) {
	b.subscribersMu.Lock()
	_, registered := b.subscribers[sub]
	if registered {
		delete(b.subscribers, sub)
		close(sub.ch)
	}
	b.subscribersMu.Unlock()

	if registered && b.metrics != nil {
		b.metrics.subscribers.Dec()
	}
}

// dispatchLoop owns broadcast: a single goroutine drains the publish queue in
// FIFO order and fans each envelope out to the current subscriber set. Sends
// never block; a full subscriber queue drops that delivery only.
func (b *Bus) dispatchLoop(ctx context.Context) {
	defer b.wg.Done()

	for {
		select {
		case <-b.shutdown:
			return
		case <-ctx.Done():
			return
		case envelope := <-b.publishCh:
			b.broadcast(envelope)
		}
	}
}

func (b *Bus) broadcast(envelope Envelope) {
	b.subscribersMu.RLock()
	defer b.subscribersMu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub.ch <- envelope:
			if b.metrics != nil {
				b.metrics.delivered.Inc()
			}
		default:
			b.errorCount.Add(1)
			if b.metrics != nil {
				b.metrics.dropped.Inc()
			}
			b.logger.Warn("dropping envelope for slow subscriber",
				"type", envelope.Type, "message", envelope.ID)
		}
	}
}
