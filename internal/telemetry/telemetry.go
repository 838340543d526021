package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the prometheus collectors for the query pipeline. They are
// exposed on /metrics by the HTTP server.
type Metrics struct {
	QueriesTotal     *prometheus.CounterVec
	StageDuration    *prometheus.HistogramVec
	SuspensionsTotal *prometheus.CounterVec
	GapsDetected     prometheus.Counter
	ApprovalTimeouts prometheus.Counter
}

// NewMetrics registers the pipeline collectors on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		QueriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "engineiq_queries_total",
			Help: "Queries processed, labelled by terminal outcome.",
		}, []string{"outcome"}),
		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "engineiq_stage_duration_seconds",
			Help:    "Wall time spent in each pipeline stage.",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage"}),
		SuspensionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "engineiq_suspensions_total",
			Help: "Sessions suspended for a human decision, labelled by kind.",
		}, []string{"kind"}),
		GapsDetected: factory.NewCounter(prometheus.CounterOpts{
			Name: "engineiq_gaps_detected_total",
			Help: "Knowledge gap detections, including merges into existing gaps.",
		}),
		ApprovalTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "engineiq_approval_timeouts_total",
			Help: "Sessions auto-rejected because an approval expired.",
		}),
	}
}
