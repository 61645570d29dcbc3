package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordGroupsByStatusClass(t *testing.T) {
	c := New()
	c.Record(200, 10*time.Millisecond)
	c.Record(201, 10*time.Millisecond)
	c.Record(429, time.Millisecond)
	c.Record(503, time.Millisecond)

	if got := testutil.ToFloat64(c.httpRequests.WithLabelValues("2xx")); got != 2 {
		t.Fatalf("expected 2 2xx requests, got %v", got)
	}
	if got := testutil.ToFloat64(c.httpRequests.WithLabelValues("4xx")); got != 1 {
		t.Fatalf("expected 1 4xx request, got %v", got)
	}
	if got := testutil.ToFloat64(c.httpRequests.WithLabelValues("5xx")); got != 1 {
		t.Fatalf("expected 1 5xx request, got %v", got)
	}
}

func TestPolicyRunCounters(t *testing.T) {
	c := New()
	c.PolicyRun("sms_messages", 12, false)
	c.PolicyRun("sms_messages", 0, false)
	c.PolicyRun("email_events", 0, true)

	if got := testutil.ToFloat64(c.retentionCleaned.WithLabelValues("sms_messages")); got != 12 {
		t.Fatalf("expected 12 cleaned rows, got %v", got)
	}
	if got := testutil.ToFloat64(c.retentionFailures.WithLabelValues("email_events")); got != 1 {
		t.Fatalf("expected 1 failure, got %v", got)
	}
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	c.Record(200, time.Millisecond)
	c.RequestCreated("export")
	c.RequestTransition("export", "completed")
	c.DueDeletion("completed")
	c.PolicyRun("x", 1, true)
	c.SweepCompleted(time.Second)
	c.JobRun("retention_sweep", "completed")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 from nil collector, got %d", rec.Code)
	}
}

func TestHandlerExposesRegisteredMetrics(t *testing.T) {
	c := New()
	c.RequestCreated("deletion")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "booking_privacy_requests_created_total") {
		t.Fatalf("expected counter in exposition, got %s", rec.Body.String())
	}
}

func TestStatusClass(t *testing.T) {
	tests := map[int]string{200: "2xx", 302: "3xx", 404: "4xx", 500: "5xx", 0: "unknown", 700: "unknown"}
	for status, want := range tests {
		if got := statusClass(status); got != want {
			t.Fatalf("statusClass(%d) = %s, want %s", status, got, want)
		}
	}
}
