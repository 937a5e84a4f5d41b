package federation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elly2178/lc2-curapacs/archive"
)

type storeDouble struct {
	mu       sync.Mutex
	requests []struct {
		peer      string
		resources []string
	}
}

func (d *storeDouble) client(t *testing.T) *archive.Client {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /peers/{peer}/store", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Resources    []string `json:"Resources"`
			Asynchronous bool     `json:"Asynchronous"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.True(t, body.Asynchronous, "peer stores must run as asynchronous jobs")

		d.mu.Lock()
		d.requests = append(d.requests, struct {
			peer      string
			resources []string
		}{r.PathValue("peer"), body.Resources})
		d.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"ID": "job-7", "Path": "/jobs/job-7"})
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return archive.NewClient(server.URL)
}

func TestForwarder_NewInstanceStoresToPeer(t *testing.T) {
	double := &storeDouble{}
	forwarder := NewForwarder(double.client(t), "c0100-orthanc", nil)

	err := forwarder.OnChange(context.Background(), Change{
		Type:  ChangeNewInstance,
		Level: "Instance",
		ID:    "inst-1",
	})
	require.NoError(t, err)

	require.Len(t, double.requests, 1)
	assert.Equal(t, "c0100-orthanc", double.requests[0].peer)
	assert.Equal(t, []string{"inst-1"}, double.requests[0].resources)
}

func TestForwarder_IgnoresOtherChangeTypes(t *testing.T) {
	double := &storeDouble{}
	forwarder := NewForwarder(double.client(t), "c0100-orthanc", nil)

	for _, changeType := range []ChangeType{ChangeNewStudy, ChangeNewSeries, ChangeNewPatient, "StableStudy"} {
		err := forwarder.OnChange(context.Background(), Change{Type: changeType, ID: "x"})
		require.NoError(t, err)
	}
	assert.Empty(t, double.requests)
}

func TestForwarder_PeerStoreFailure(t *testing.T) {
	unreachable := archive.NewClient("http://127.0.0.1:1")
	forwarder := NewForwarder(unreachable, "c0100-orthanc", nil)

	err := forwarder.OnChange(context.Background(), Change{Type: ChangeNewInstance, ID: "inst-1"})
	require.Error(t, err)
}
