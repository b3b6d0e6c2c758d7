package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Resolve failure reasons.
const (
	ReasonNoHeader       = "no_header"
	ReasonTableNotReady  = "table_unavailable"
	ReasonNotInGroup     = "not_in_group"
	ReasonCreationFailed = "creation_failed"
)

// Registry holds the metrics of a data node.
type Registry struct {
	MembersHosted   prometheus.Gauge
	MembersCreated  prometheus.Counter
	MembersRetired  prometheus.Counter
	ResolveFailures *prometheus.CounterVec
	Dispatched      *prometheus.CounterVec

	RaftProposals    *prometheus.CounterVec
	SnapshotsPulled  prometheus.Counter
	RaftSendFailures prometheus.Counter

	registry *prometheus.Registry
}

// New builds a registry with its own prometheus.Registry, so tests can create
// as many as they like.
func New() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	r := &Registry{registry: reg}
	r.initDispatchMetrics()
	r.initMemberMetrics()
	return r
}

func (r *Registry) initDispatchMetrics() {
	r.MembersHosted = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "clusterdb_data_members_hosted",
			Help: "Number of data group members hosted by this node",
		},
	)

	r.MembersCreated = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "clusterdb_data_members_created_total",
			Help: "Total number of data group members created",
		},
	)

	r.MembersRetired = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "clusterdb_data_members_retired_total",
			Help: "Total number of data group members stopped after leaving their group",
		},
	)

	r.ResolveFailures = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "clusterdb_resolve_failures_total",
			Help: "Total number of header resolutions that failed",
		},
		[]string{"reason"},
	)

	r.Dispatched = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "clusterdb_dispatched_requests_total",
			Help: "Total number of group-scoped requests forwarded to a member",
		},
		[]string{"op"},
	)
}

func (r *Registry) initMemberMetrics() {
	r.RaftProposals = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "clusterdb_raft_proposals_total",
			Help: "Total number of plans proposed to data group logs",
		},
		[]string{"result"}, // ok, error
	)

	r.SnapshotsPulled = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "clusterdb_slot_snapshots_pulled_total",
			Help: "Total number of slot snapshots installed from previous holders",
		},
	)

	r.RaftSendFailures = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "clusterdb_raft_send_failures_total",
			Help: "Total number of raft messages that could not be delivered",
		},
	)
}

func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}
