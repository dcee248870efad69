package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mnehpets/onerpc/endpoint"
)

// scrapeMetrics fetches the exposition output of the processor's registry.
func scrapeMetrics(t *testing.T, p *MetricsProcessor) string {
	t.Helper()
	w := httptest.NewRecorder()
	p.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("scrape status: got %d, want %d", w.Code, http.StatusOK)
	}
	return w.Body.String()
}

func TestMetricsProcessor_CountsRequests(t *testing.T) {
	p := NewMetricsProcessor("test")
	w := httptest.NewRecorder()
	r := httptest.NewRequest("POST", "/rpc", nil)

	next := func(w http.ResponseWriter, r *http.Request) error {
		w.WriteHeader(http.StatusOK)
		return nil
	}
	if err := p.Process(w, r, next); err != nil {
		t.Fatalf("Process returned error: %v", err)
	}

	body := scrapeMetrics(t, p)
	if !strings.Contains(body, `test_requests_total{code="2xx",method="POST"} 1`) {
		t.Errorf("requests_total sample missing:\n%s", body)
	}
	if !strings.Contains(body, `test_request_duration_seconds_count{method="POST"} 1`) {
		t.Errorf("duration histogram sample missing:\n%s", body)
	}
}

func TestMetricsProcessor_ErrorStatusClasses(t *testing.T) {
	p := NewMetricsProcessor("test")

	// EndpointError carries its own status.
	next4xx := func(w http.ResponseWriter, r *http.Request) error {
		return endpoint.Error(http.StatusBadRequest, "bad", nil)
	}
	if err := p.Process(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil), next4xx); err == nil {
		t.Fatal("expected error passthrough")
	}

	// Plain errors count as server errors.
	next5xx := func(w http.ResponseWriter, r *http.Request) error {
		return errors.New("boom")
	}
	if err := p.Process(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil), next5xx); err == nil {
		t.Fatal("expected error passthrough")
	}

	body := scrapeMetrics(t, p)
	if !strings.Contains(body, `test_requests_total{code="4xx",method="GET"} 1`) {
		t.Errorf("4xx sample missing:\n%s", body)
	}
	if !strings.Contains(body, `test_requests_total{code="5xx",method="GET"} 1`) {
		t.Errorf("5xx sample missing:\n%s", body)
	}
}

func TestMetricsProcessor_InFlightGauge(t *testing.T) {
	p := NewMetricsProcessor("test")
	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/", nil)

	next := func(w http.ResponseWriter, r *http.Request) error {
		// While the request is running the gauge reads 1.
		body := scrapeMetrics(t, p)
		if !strings.Contains(body, "test_in_flight_requests 1") {
			t.Errorf("in-flight gauge during request:\n%s", body)
		}
		return nil
	}
	if err := p.Process(w, r, next); err != nil {
		t.Fatalf("Process returned error: %v", err)
	}

	body := scrapeMetrics(t, p)
	if !strings.Contains(body, "test_in_flight_requests 0") {
		t.Errorf("in-flight gauge after request:\n%s", body)
	}
}

func TestMetricsProcessor_DefaultNamespace(t *testing.T) {
	p := NewMetricsProcessor("")
	next := func(w http.ResponseWriter, r *http.Request) error { return nil }
	if err := p.Process(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil), next); err != nil {
		t.Fatalf("Process returned error: %v", err)
	}

	body := scrapeMetrics(t, p)
	if !strings.Contains(body, "onerpc_requests_total") {
		t.Errorf("default namespace missing:\n%s", body)
	}
}

func TestStatusClass(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{100, "1xx"},
		{200, "2xx"},
		{204, "2xx"},
		{301, "3xx"},
		{404, "4xx"},
		{418, "4xx"},
		{500, "5xx"},
		{599, "5xx"},
		{0, "unknown"},
		{999, "unknown"},
	}
	for _, tt := range tests {
		if got := statusClass(tt.status); got != tt.want {
			t.Errorf("statusClass(%d) = %q, want %q", tt.status, got, tt.want)
		}
	}
}
