// Package metric manages registration and exposure of Prometheus metrics for
// curapacs components. Every component receives the shared registry at
// construction time and registers its own collectors under a namespaced key;
// the gateway exposes the registry on /metrics.
package metric

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/elly2178/lc2-curapacs/errors"
)

// Namespace prefixes every metric exported by this process
const Namespace = "curapacs"

// Registry manages the registration and lifecycle of metrics
type Registry struct {
	prometheusRegistry *prometheus.Registry
	registeredMetrics  map[string]prometheus.Collector
	mu                 sync.RWMutex
}

// NewRegistry creates a new metrics registry including Go runtime collectors
func NewRegistry() *Registry {
	prometheusRegistry := prometheus.NewRegistry()

	prometheusRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Registry{
		prometheusRegistry: prometheusRegistry,
		registeredMetrics:  make(map[string]prometheus.Collector),
	}
}

// PrometheusRegistry returns the underlying Prometheus registry
func (r *Registry) PrometheusRegistry() *prometheus.Registry {
	return r.prometheusRegistry
}

// Handler returns an HTTP handler serving the registry in exposition format
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.prometheusRegistry, promhttp.HandlerOpts{})
}

// Register adds a collector under "component/metric". Registering the same
// key twice returns an invalid error; duplicate collector registrations from
// the underlying registry are surfaced unchanged.
func (r *Registry) Register(componentName, metricName string, collector prometheus.Collector) error {
	key := fmt.Sprintf("%s/%s", componentName, metricName)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.registeredMetrics[key]; exists {
		return errors.WrapInvalid(
			stderrors.New("metric already registered"),
			"Registry", "Register", key)
	}

	if err := r.prometheusRegistry.Register(collector); err != nil {
		return errors.Wrap(err, "Registry", "Register", key)
	}

	r.registeredMetrics[key] = collector
	return nil
}

// MustRegister registers a collector and panics on failure. Intended for
// component constructors where a registration failure is a programming error.
func (r *Registry) MustRegister(componentName, metricName string, collector prometheus.Collector) {
	if err := r.Register(componentName, metricName, collector); err != nil {
		panic(err)
	}
}

// Unregister removes a collector previously registered under the key
func (r *Registry) Unregister(componentName, metricName string) bool {
	key := fmt.Sprintf("%s/%s", componentName, metricName)

	r.mu.Lock()
	defer r.mu.Unlock()

	collector, exists := r.registeredMetrics[key]
	if !exists {
		return false
	}

	delete(r.registeredMetrics, key)
	return r.prometheusRegistry.Unregister(collector)
}
