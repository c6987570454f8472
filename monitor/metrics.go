package monitor

import (
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const namespace = "xenmon"

// Metrics counts dispatcher activity.
type Metrics struct {
	Received  *prometheus.CounterVec
	Answered  *prometheus.CounterVec
	Unhandled *prometheus.CounterVec
	Wakes     *prometheus.CounterVec
	Doorbells prometheus.Counter
}

// NewMetrics registers the dispatcher counters on reg. A nil reg gets a
// private registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	f := promauto.With(reg)

	return &Metrics{
		Received: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_received_total",
			Help:      "Requests consumed from the ring.",
		}, []string{"reason"}),
		Answered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_sent_total",
			Help:      "Responses published to the ring.",
		}, []string{"reason"}),
		Unhandled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_unhandled_total",
			Help:      "Requests with no registered handler.",
		}, []string{"reason"}),
		Wakes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "waits_total",
			Help:      "Wait results by outcome.",
		}, []string{"outcome"}),
		Doorbells: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "doorbells_total",
			Help:      "Notifications sent to the hypervisor.",
		}),
	}
}

// ServeMetrics exposes g under /metrics on l in the background. The caller
// stops it with Shutdown or Close on the returned server.
func ServeMetrics(l net.Listener, g prometheus.Gatherer, log *zap.Logger) *http.Server {
	if log == nil {
		log = zap.NewNop()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("metrics listener stopped", zap.Error(err))
		}
	}()

	log.Info("serving metrics", zap.Stringer("addr", l.Addr()))

	return srv
}
