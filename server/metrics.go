package server

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/evilmartians/clinicsync/config"
)

var (
	requestsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Number of requests.",
	}, []string{"method"})

	requestsDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_response_time_seconds",
		Help:    "Response time.",
		Buckets: []float64{.05, .1, .5, 1, 2.5, 5},
	}, []string{"method"})
)

// PendingCounter is anything that can tell how many calls are queued.
type PendingCounter interface {
	PendingCount() int
}

type Metrics struct {
	server *http.Server
}

type httpHandler struct {
	prometheus http.Handler
	path       string
}

// NewMetrics registers the queue gauge on the given registerer and serves
// the default gatherer, which also holds the package level metrics.
func NewMetrics(cfg *config.Config, queue PendingCounter, reg prometheus.Registerer) *Metrics {
	promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "offline_queue_pending",
		Help: "Number of API calls waiting for connectivity.",
	}, func() float64 {
		return float64(queue.PendingCount())
	})

	return &Metrics{
		server: &http.Server{
			Addr:         cfg.Metrics.Bind,
			Handler:      httpHandler{prometheus: promhttp.Handler(), path: cfg.Metrics.Path},
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
		},
	}
}

func (m *Metrics) Start() {
	go func() {
		if err := m.server.ListenAndServe(); err != http.ErrServerClosed {
			log.WithError(err).Warn("metrics error")
		}
	}()
}

func (m *Metrics) Shutdown(ctx context.Context) error {
	return m.server.Shutdown(ctx)
}

func (h httpHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log.WithFields(log.Fields{
		"ip":  r.RemoteAddr,
		"uri": r.RequestURI,
	}).Debug("metrics check")

	if r.URL.Path != h.path {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	h.prometheus.ServeHTTP(w, r)
}

// Middleware counts and times the requests served by next. Labelled by
// method only, paths carry record ids.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		trackRequest(r)

		start := time.Now()
		next.ServeHTTP(w, r)
		trackRequestDuration(start, r)
	})
}

func trackRequest(r *http.Request) {
	requestsCounter.WithLabelValues(r.Method).Inc()
}

func trackRequestDuration(start time.Time, r *http.Request) {
	requestsDuration.
		WithLabelValues(r.Method).
		Observe(time.Since(start).Seconds())
}
