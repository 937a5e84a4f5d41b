package metric

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCounter(name string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "test",
		Name:      name,
		Help:      "test counter",
	})
}

func TestRegistry_Register(t *testing.T) {
	registry := NewRegistry()

	counter := newTestCounter("ops_total")
	require.NoError(t, registry.Register("bus", "ops", counter))

	// Same key twice is rejected
	err := registry.Register("bus", "ops", newTestCounter("other_total"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bus/ops")
}

func TestRegistry_Unregister(t *testing.T) {
	registry := NewRegistry()

	counter := newTestCounter("gone_total")
	require.NoError(t, registry.Register("bridge", "gone", counter))

	assert.True(t, registry.Unregister("bridge", "gone"))
	assert.False(t, registry.Unregister("bridge", "gone"))

	// Key can be reused after unregistration
	require.NoError(t, registry.Register("bridge", "gone", newTestCounter("gone_total")))
}

func TestRegistry_Handler(t *testing.T) {
	registry := NewRegistry()

	counter := newTestCounter("served_total")
	require.NoError(t, registry.Register("gateway", "served", counter))
	counter.Add(3)

	server := httptest.NewServer(registry.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	buf := new(strings.Builder)
	_, err = io.Copy(buf, resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "curapacs_test_served_total 3")
}
