package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "docsync"

var (
	// DocumentsLoaded counts canonical documents held in memory
	DocumentsLoaded = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "documents_loaded",
		Help:      "Number of canonical documents currently loaded",
	})

	// Connections counts attached consumers by kind (websocket, direct)
	Connections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connections",
		Help:      "Number of connections attached to loaded documents",
	}, []string{"kind"})

	PushSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "push_subscribers",
		Help:      "Number of open server-sent event streams",
	})

	// Merges counts updates that changed a canonical document, by source
	Merges = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "merges_total",
		Help:      "Updates merged into canonical documents",
	}, []string{"source"})

	PollRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "poll_requests_total",
		Help:      "Requests served by the poll endpoints",
	}, []string{"endpoint", "status"})

	PersistenceQueueLength = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "persistence_queue_length",
		Help:      "Pending persistence jobs",
	})

	RelayMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "relay_messages_total",
		Help:      "Messages exchanged with other instances",
	}, []string{"direction"})
)

// MetricsHandler exposes the default registry
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
