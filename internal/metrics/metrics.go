// Package metrics centralizes the hub's Prometheus instrumentation,
// grounded on the teacher's internal/cache and internal/messaging
// newMetrics()/promauto patterns.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Hub bundles every counter/gauge/histogram the hub exposes.
type Hub struct {
	ClientsJoined   prometheus.Counter
	ClientsLeft     prometheus.Counter
	ClientsEvicted  prometheus.Counter
	RegistrySize    prometheus.Gauge
	BroadcastsTotal prometheus.Counter
	BroadcastFanout prometheus.Histogram

	BenchmarksStarted  prometheus.Counter
	BenchmarksResolved prometheus.Counter
	BenchmarkPending   prometheus.Gauge

	MapReducesStarted     prometheus.Counter
	MapReducesResolved    prometheus.Counter
	MapReduceTasksPending prometheus.Gauge

	KVPutTotal    prometheus.Counter
	KVGetTotal    prometheus.Counter
	KVExpireTotal prometheus.Counter
	KVKeys        prometheus.Gauge

	CommandsTotal *prometheus.CounterVec
}

// New registers every metric against reg and returns the bundle. Pass a
// fresh prometheus.Registerer per process (or per test) so repeated New()
// calls don't panic on duplicate registration.
func New(reg prometheus.Registerer) *Hub {
	factory := promauto.With(reg)
	return &Hub{
		ClientsJoined: factory.NewCounter(prometheus.CounterOpts{
			Name: "hub_clients_joined_total",
			Help: "Total number of clients that have successfully joined.",
		}),
		ClientsLeft: factory.NewCounter(prometheus.CounterOpts{
			Name: "hub_clients_left_total",
			Help: "Total number of clients removed by explicit disconnect.",
		}),
		ClientsEvicted: factory.NewCounter(prometheus.CounterOpts{
			Name: "hub_clients_evicted_total",
			Help: "Total number of clients removed after a dead-session delivery failure.",
		}),
		RegistrySize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "hub_registry_size",
			Help: "Current number of registered clients.",
		}),
		BroadcastsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "hub_broadcasts_total",
			Help: "Total number of broadcast() invocations.",
		}),
		BroadcastFanout: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "hub_broadcast_fanout_seconds",
			Help:    "Wall-clock time to fan a broadcast out to every recipient.",
			Buckets: prometheus.DefBuckets,
		}),
		BenchmarksStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "hub_benchmarks_started_total",
			Help: "Total number of benchmark coordinators started.",
		}),
		BenchmarksResolved: factory.NewCounter(prometheus.CounterOpts{
			Name: "hub_benchmarks_resolved_total",
			Help: "Total number of benchmark coordinators resolved (completed, timed out, or drained).",
		}),
		BenchmarkPending: factory.NewGauge(prometheus.GaugeOpts{
			Name: "hub_benchmarks_pending",
			Help: "Number of benchmark coordinators currently awaiting responses.",
		}),
		MapReducesStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "hub_mapreduces_started_total",
			Help: "Total number of map-reduce coordinators started.",
		}),
		MapReducesResolved: factory.NewCounter(prometheus.CounterOpts{
			Name: "hub_mapreduces_resolved_total",
			Help: "Total number of map-reduce coordinators resolved.",
		}),
		MapReduceTasksPending: factory.NewGauge(prometheus.GaugeOpts{
			Name: "hub_mapreduce_tasks_pending",
			Help: "Number of map-reduce tasks currently incomplete across all pending coordinators.",
		}),
		KVPutTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "hub_kv_put_total",
			Help: "Total number of KV put operations.",
		}),
		KVGetTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "hub_kv_get_total",
			Help: "Total number of KV get operations.",
		}),
		KVExpireTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "hub_kv_expired_total",
			Help: "Total number of KV entries removed by lazy expiry or alarm sweep.",
		}),
		KVKeys: factory.NewGauge(prometheus.GaugeOpts{
			Name: "hub_kv_keys",
			Help: "Current number of live KV keys.",
		}),
		CommandsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hub_router_commands_total",
			Help: "Total number of commands dispatched by verb.",
		}, []string{"verb"}),
	}
}
