package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the ambient prometheus instrumentation exposed on its own
// listener (cfg.MetricsAddr), separate from the chat protocol's TCP socket.
type Metrics struct {
	ConnectionsActive prometheus.Gauge
	LoginsTotal        prometheus.Counter
	MessagesTotal      *prometheus.CounterVec
}

// NewMetrics registers the chat server's counters/gauges against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatcore",
			Name:      "connections_active",
			Help:      "Number of authenticated clients currently connected.",
		}),
		LoginsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "chatcore",
			Name:      "logins_total",
			Help:      "Total number of successful logins.",
		}),
		MessagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatcore",
			Name:      "messages_total",
			Help:      "Total number of message-phase client frames processed, by action.",
		}, []string{"action"}),
	}
}

// ServeMetrics starts an HTTP server exposing /metrics on addr. It blocks
// until the listener fails or is closed by the caller; run it in its own
// goroutine.
func ServeMetrics(addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	return srv.ListenAndServe()
}
