package observability

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// TrackerCollector bundles the Prometheus metrics of the live map server.
type TrackerCollector struct {
	gatherer prometheus.Gatherer

	Fetches        *prometheus.CounterVec
	FetchDurations *prometheus.HistogramVec
	ActiveSessions prometheus.Gauge
	ViewerSockets  prometheus.Gauge
	HTTPRequests   *prometheus.CounterVec
}

// NewTrackerCollector registers tracker metrics against reg, defaulting to the
// global registry when nil.
func NewTrackerCollector(reg prometheus.Registerer) (*TrackerCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	fetches, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_fetches_total",
		Help: "Courier list fetches, labeled by outcome (success, failure, stale).",
	}, []string{"outcome"}), "courier_fetches_total")
	if err != nil {
		return nil, err
	}

	durations, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "courier_fetch_duration_seconds",
		Help:    "Courier list fetch latency in seconds.",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"outcome"}), "courier_fetch_duration_seconds")
	if err != nil {
		return nil, err
	}

	sessions, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tracking_sessions_active",
		Help: "Map views currently polling couriers.",
	}), "tracking_sessions_active")
	if err != nil {
		return nil, err
	}

	sockets, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "viewer_sockets_open",
		Help: "Open viewer WebSocket connections.",
	}), "viewer_sockets_open")
	if err != nil {
		return nil, err
	}

	requests, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "HTTP requests served, labeled by method and status code.",
	}, []string{"method", "code"}), "http_requests_total")
	if err != nil {
		return nil, err
	}

	return &TrackerCollector{
		gatherer:       gatherer,
		Fetches:        fetches,
		FetchDurations: durations,
		ActiveSessions: sessions,
		ViewerSockets:  sockets,
		HTTPRequests:   requests,
	}, nil
}

// ObserveFetch records one resolved fetch. It satisfies tracking.Recorder.
func (c *TrackerCollector) ObserveFetch(outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.Fetches.WithLabelValues(outcome).Inc()
	c.FetchDurations.WithLabelValues(outcome).Observe(d.Seconds())
}

func (c *TrackerCollector) SessionStarted() {
	if c == nil {
		return
	}
	c.ActiveSessions.Inc()
}

func (c *TrackerCollector) SessionStopped() {
	if c == nil {
		return
	}
	c.ActiveSessions.Dec()
}

func (c *TrackerCollector) SocketOpened() {
	if c == nil {
		return
	}
	c.ViewerSockets.Inc()
}

func (c *TrackerCollector) SocketClosed() {
	if c == nil {
		return
	}
	c.ViewerSockets.Dec()
}

func (c *TrackerCollector) ObserveRequest(method string, status int) {
	if c == nil {
		return
	}
	c.HTTPRequests.WithLabelValues(method, fmt.Sprint(status)).Inc()
}

// Handler exposes the collector's registry in the Prometheus text format.
func (c *TrackerCollector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
