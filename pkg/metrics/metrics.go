package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SchedulingTicks counts completed scheduling ticks.
	SchedulingTicks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cc_scheduling_ticks_total",
		Help: "Total number of completed scheduling ticks",
	})

	// SchedulingDuration observes the wall time of one scheduling tick.
	SchedulingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cc_scheduling_tick_duration_seconds",
		Help:    "Duration of scheduling ticks",
		Buckets: prometheus.DefBuckets,
	})

	// CallbacksReceived counts accepted callbacks by collection.
	CallbacksReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cc_callbacks_received_total",
		Help: "Total number of accepted container callbacks",
	}, []string{"collection"})

	// ContainersCreated counts engine containers created by collection.
	ContainersCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cc_containers_created_total",
		Help: "Total number of engine containers created",
	}, []string{"collection"})

	// TasksFailed counts tasks that reached the failed state.
	TasksFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cc_tasks_failed_total",
		Help: "Total number of tasks that ended in the failed state",
	})

	// NodesOnline tracks the number of online cluster nodes.
	NodesOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cc_nodes_online",
		Help: "Number of online cluster nodes",
	})
)

// Handler returns the prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
