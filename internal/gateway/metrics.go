package gateway

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry is the Prometheus registry for all hivecodex metrics.
var Registry = prometheus.NewRegistry()

// Metrics holds all Prometheus metrics for the sync gateway.
type Metrics struct {
	ConnectionsActive prometheus.Gauge
	MessagesTotal     *prometheus.CounterVec // labels: type
	EditsTotal        *prometheus.CounterVec // labels: result
	TreeMutations     *prometheus.CounterVec // labels: op, result
	BroadcastDropped  prometheus.Counter
}

var (
	metricsOnce sync.Once
	metrics     *Metrics
)

func init() {
	// Register standard Go metrics
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// InitMetrics initializes the gateway metrics exactly once; later calls
// return the same set so tests can build multiple servers.
func InitMetrics() *Metrics {
	metricsOnce.Do(func() {
		metrics = &Metrics{
			ConnectionsActive: promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
				Name: "hivecodex_connections_active",
				Help: "Currently open websocket connections",
			}),
			MessagesTotal: promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
				Name: "hivecodex_messages_total",
				Help: "Inbound websocket messages by type",
			}, []string{"type"}),
			EditsTotal: promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
				Name: "hivecodex_edits_total",
				Help: "Edit submissions by result",
			}, []string{"result"}),
			TreeMutations: promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
				Name: "hivecodex_tree_mutations_total",
				Help: "File-tree mutations by operation and result",
			}, []string{"op", "result"}),
			BroadcastDropped: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
				Name: "hivecodex_broadcast_dropped_total",
				Help: "Messages dropped because a connection's write queue was full",
			}),
		}
	})
	return metrics
}
