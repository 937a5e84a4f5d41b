package federation

import (
	"context"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/elly2178/lc2-curapacs/archive"
	"github.com/elly2178/lc2-curapacs/dicomtag"
	"github.com/elly2178/lc2-curapacs/errors"
	"github.com/elly2178/lc2-curapacs/metric"
	"github.com/prometheus/client_golang/prometheus"
)

// Engine answers one federated query by merging the result sets of the local
// and the peer archive node.
//
// Trust assumption, deliberate: when a resource ID exists on both nodes its
// content is treated as identical and the local copy answers. A desynchronized
// resource would answer with stale local tags; verifying content equality
// would cost the remote fetch the reconciliation exists to avoid.
type Engine struct {
	local   *archive.Client
	peer    *archive.Client
	logger  *slog.Logger
	metrics *engineMetrics
}

type engineMetrics struct {
	queriesTotal  *prometheus.CounterVec
	peerDegraded  prometheus.Counter
	resourcesSent prometheus.Counter
}

func newEngineMetrics(registry *metric.Registry) *engineMetrics {
	if registry == nil {
		return nil
	}
	m := &engineMetrics{
		queriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "federation",
			Name:      "queries_total",
			Help:      "Federated queries answered, by outcome",
		}, []string{"outcome"}),
		peerDegraded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "federation",
			Name:      "peer_degraded_total",
			Help:      "Queries answered local-only because the peer was unreachable",
		}),
		resourcesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "federation",
			Name:      "resources_returned_total",
			Help:      "Resources returned across all federated answers",
		}),
	}
	registry.MustRegister("federation", "queries_total", m.queriesTotal)
	registry.MustRegister("federation", "peer_degraded", m.peerDegraded)
	registry.MustRegister("federation", "resources_returned", m.resourcesSent)
	return m
}

// EngineOption is a functional option for configuring the Engine
type EngineOption func(*Engine)

// WithLogger sets a custom structured logger for the engine
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics registers engine metrics with the given registry
func WithMetrics(registry *metric.Registry) EngineOption {
	return func(e *Engine) {
		e.metrics = newEngineMetrics(registry)
	}
}

// NewEngine creates an engine over the local and peer archive clients
func NewEngine(local, peer *archive.Client, opts ...EngineOption) *Engine {
	e := &Engine{
		local:  local,
		peer:   peer,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AnswerQuery answers one federated query from a raw request body.
//
// Peer unreachability degrades the answer to local-only data and is logged,
// never raised. A local archive failure or a malformed body is terminal for
// the request and returned to the caller.
func (e *Engine) AnswerQuery(ctx context.Context, rawBody []byte) ([]archive.TagSnapshot, error) {
	body, err := DecodeRequest(rawBody)
	if err != nil {
		e.countQuery("invalid")
		return nil, err
	}
	level, err := ResolveLevel(body)
	if err != nil {
		e.countQuery("invalid")
		return nil, err
	}
	query := CollateFindQuery(body, level, e.logger)

	localResources, remoteResources, peerDown, err := e.queryBothNodes(ctx, query, level)
	if err != nil {
		e.countQuery("error")
		return nil, err
	}

	onlyLocal, onlyRemote, both := partition(resourceIDs(localResources), resourceIDs(remoteResources))
	e.logger.Debug("reconciled result sets",
		"level", level.String(),
		"only_local", len(onlyLocal), "only_remote", len(onlyRemote), "both", len(both))

	answers := make([]archive.TagSnapshot, 0, len(onlyLocal)+len(onlyRemote)+len(both))

	// Resources missing locally have to come from the peer. If the peer walk
	// already failed there is nothing to fetch and nothing new to report.
	if !peerDown {
		for _, id := range onlyRemote {
			snapshot, err := e.peer.TagSnapshot(ctx, id, level)
			if err != nil {
				if errors.IsTransient(err) {
					e.logger.Error("peer became unreachable while fetching tag data",
						"peer", e.peer.URL(), "resource", id, "error", err)
					peerDown = true
					break
				}
				e.countQuery("error")
				return nil, err
			}
			answers = append(answers, FilterSnapshot(snapshot, query, level))
		}
	}

	// Everything known locally answers from the local node, including IDs
	// present on both (see the trust assumption above).
	for _, id := range append(append([]string{}, onlyLocal...), both...) {
		snapshot, err := e.local.TagSnapshot(ctx, id, level)
		if err != nil {
			e.countQuery("error")
			return nil, errors.Wrap(err, "Engine", "AnswerQuery", "local tag fetch")
		}
		answers = append(answers, FilterSnapshot(snapshot, query, level))
	}

	if peerDown {
		e.countQuery("degraded")
		if e.metrics != nil {
			e.metrics.peerDegraded.Inc()
		}
	} else {
		e.countQuery("ok")
	}
	if e.metrics != nil {
		e.metrics.resourcesSent.Add(float64(len(answers)))
	}
	return answers, nil
}

// queryBothNodes runs the find-and-descend walk against the peer and the
// local archive concurrently. The local walk must succeed; a transient peer
// failure is collapsed here, once, into an empty remote set.
func (e *Engine) queryBothNodes(
	ctx context.Context,
	query archive.FindQuery,
	level dicomtag.Level,
) (localResources, remoteResources []archive.Resource, peerDown bool, err error) {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		resources, err := walk(gctx, e.local, query, level)
		if err != nil {
			return errors.Wrap(err, "Engine", "AnswerQuery", "local archive walk")
		}
		localResources = resources
		return nil
	})

	g.Go(func() error {
		resources, err := walk(gctx, e.peer, query, level)
		if err != nil {
			if errors.IsTransient(err) {
				e.logger.Error("failed to connect to peer to query for resources",
					"peer", e.peer.URL(), "error", err)
				peerDown = true
				return nil
			}
			return errors.Wrap(err, "Engine", "AnswerQuery", "peer archive walk")
		}
		remoteResources = resources
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, nil, false, err
	}
	return localResources, remoteResources, peerDown, nil
}

// walk finds resources at the requested level on one node and expands each
// find result down to that level. An instance-level query with no match terms
// is answered from the node's instance catalog directly; there is nothing to
// match, so a find round trip per hierarchy level would be wasted.
func walk(ctx context.Context, client *archive.Client, query archive.FindQuery, level dicomtag.Level) ([]archive.Resource, error) {
	if level == dicomtag.LevelInstance && len(query) == 0 {
		ids, err := client.Instances(ctx)
		if err != nil {
			return nil, err
		}
		catalog := make([]archive.Resource, 0, len(ids))
		for _, id := range ids {
			catalog = append(catalog, archive.Resource{ID: id, Type: "Instance"})
		}
		return catalog, nil
	}

	found, err := client.Find(ctx, query, level)
	if err != nil {
		return nil, err
	}
	var flattened []archive.Resource
	for _, res := range found {
		descendants, err := client.Subresources(ctx, res, level)
		if err != nil {
			return nil, err
		}
		flattened = append(flattened, descendants...)
	}
	return flattened, nil
}

// resourceIDs extracts the IDs of a resource list, dropping empties
func resourceIDs(resources []archive.Resource) []string {
	ids := make([]string, 0, len(resources))
	for _, res := range resources {
		if res.ID != "" {
			ids = append(ids, res.ID)
		}
	}
	return ids
}

// partition splits two ID lists into the three disjoint reconciliation sets:
// IDs only the local node holds, IDs only the remote node holds, and IDs both
// hold. The union of the three reconstructs the union of the inputs; results
// are sorted for deterministic answers.
func partition(localIDs, remoteIDs []string) (onlyLocal, onlyRemote, both []string) {
	local := make(map[string]struct{}, len(localIDs))
	for _, id := range localIDs {
		local[id] = struct{}{}
	}
	remote := make(map[string]struct{}, len(remoteIDs))
	for _, id := range remoteIDs {
		remote[id] = struct{}{}
	}

	for id := range local {
		if _, ok := remote[id]; ok {
			both = append(both, id)
		} else {
			onlyLocal = append(onlyLocal, id)
		}
	}
	for id := range remote {
		if _, ok := local[id]; !ok {
			onlyRemote = append(onlyRemote, id)
		}
	}

	sort.Strings(onlyLocal)
	sort.Strings(onlyRemote)
	sort.Strings(both)
	return onlyLocal, onlyRemote, both
}

func (e *Engine) countQuery(outcome string) {
	if e.metrics != nil {
		e.metrics.queriesTotal.WithLabelValues(outcome).Inc()
	}
}
