package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestObserveFetchCountsByOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewTrackerCollector(reg)
	if err != nil {
		t.Fatalf("NewTrackerCollector: %v", err)
	}

	c.ObserveFetch("success", 20*time.Millisecond)
	c.ObserveFetch("success", 30*time.Millisecond)
	c.ObserveFetch("stale", 700*time.Millisecond)

	if got := testutil.ToFloat64(c.Fetches.WithLabelValues("success")); got != 2 {
		t.Fatalf("courier_fetches_total{outcome=success} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.Fetches.WithLabelValues("stale")); got != 1 {
		t.Fatalf("courier_fetches_total{outcome=stale} = %v, want 1", got)
	}
	if n := histogramSampleCount(t, reg, "courier_fetch_duration_seconds", "success"); n != 2 {
		t.Fatalf("duration sample_count = %d, want 2", n)
	}
}

func TestSessionAndSocketGauges(t *testing.T) {
	c, err := NewTrackerCollector(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("NewTrackerCollector: %v", err)
	}

	c.SocketOpened()
	c.SocketOpened()
	c.SessionStarted()
	c.SocketClosed()

	if got := testutil.ToFloat64(c.ViewerSockets); got != 1 {
		t.Fatalf("viewer_sockets_open = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.ActiveSessions); got != 1 {
		t.Fatalf("tracking_sessions_active = %v, want 1", got)
	}
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *TrackerCollector
	c.ObserveFetch("success", time.Millisecond)
	c.SessionStarted()
	c.SessionStopped()
	c.SocketOpened()
	c.SocketClosed()
	c.ObserveRequest(http.MethodGet, 200)
}

func TestRegisteringTwiceReusesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewTrackerCollector(reg)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := NewTrackerCollector(reg)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	first.ObserveFetch("failure", time.Millisecond)
	if got := testutil.ToFloat64(second.Fetches.WithLabelValues("failure")); got != 1 {
		t.Fatalf("second collector does not share counters: %v", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	c, err := NewTrackerCollector(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("NewTrackerCollector: %v", err)
	}
	c.ObserveFetch("success", time.Millisecond)
	c.ObserveRequest(http.MethodGet, http.StatusOK)

	rr := httptest.NewRecorder()
	c.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d", rr.Code)
	}
	body := rr.Body.String()
	for _, name := range []string{
		"courier_fetches_total",
		"courier_fetch_duration_seconds",
		"tracking_sessions_active",
		"viewer_sockets_open",
		"http_requests_total",
	} {
		if !strings.Contains(body, name) {
			t.Fatalf("expected %q in /metrics output", name)
		}
	}
}

func histogramSampleCount(t *testing.T, gatherer prometheus.Gatherer, name, outcome string) uint64 {
	t.Helper()

	families, err := gatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.Metric {
			if hasLabel(m.GetLabel(), "outcome", outcome) && m.GetHistogram() != nil {
				return m.GetHistogram().GetSampleCount()
			}
		}
	}
	return 0
}

func hasLabel(labels []*dto.LabelPair, name, value string) bool {
	for _, l := range labels {
		if l.GetName() == name && l.GetValue() == value {
			return true
		}
	}
	return false
}
