package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ota"

// Metrics holds the agent's collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	BlocksReceived   prometheus.Counter
	BlocksDuplicate  prometheus.Counter
	BlocksRejected   prometheus.Counter
	StatusPublished  *prometheus.CounterVec
	PublishFailures  prometheus.Counter
	EncodeFailures   *prometheus.CounterVec
	DownloadProgress prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		BlocksReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_received_total",
			Help:      "Image blocks written to disk.",
		}),
		BlocksDuplicate: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_duplicate_total",
			Help:      "Image blocks received more than once.",
		}),
		BlocksRejected: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_rejected_total",
			Help:      "Stream messages that failed validation.",
		}),
		StatusPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_published_total",
			Help:      "Job status updates published, by status.",
		}, []string{"status"}),
		PublishFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_failures_total",
			Help:      "MQTT publishes that failed.",
		}),
		EncodeFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "encode_failures_total",
			Help:      "Topics or payloads that did not fit their fixed buffer, by message kind.",
		}, []string{"kind"}),
		DownloadProgress: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "download_progress_ratio",
			Help:      "Received blocks over total blocks of the active job.",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
