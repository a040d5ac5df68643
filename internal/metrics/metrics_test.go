package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("scrape status %d", rec.Code)
	}
	return rec.Body.String()
}

func TestMiddlewareRecordsRouteTemplate(t *testing.T) {
	m := New()
	router := mux.NewRouter()
	router.Use(m.Middleware)
	router.HandleFunc("/v1/accounts/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/accounts/alice", nil))

	want := `tapcoin_http_requests_total{method="GET",path="/v1/accounts/{id}",status="404"} 1`
	if body := scrape(t, m); !strings.Contains(body, want) {
		t.Fatalf("missing %q in exposition:\n%s", want, body)
	}
}

func TestObserveOperationAndRate(t *testing.T) {
	m := New()
	m.ObserveOperation("transfer", "ok", 3*time.Millisecond)
	m.ObserveOperation("transfer", "insufficient_funds", time.Millisecond)
	m.ObserveRate(1.35)

	body := scrape(t, m)
	for _, want := range []string{
		`tapcoin_ledger_operations_total{operation="transfer",outcome="ok"} 1`,
		`tapcoin_ledger_operations_total{operation="transfer",outcome="insufficient_funds"} 1`,
		`tapcoin_ratefeed_latest_rate 1.35`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in exposition", want)
		}
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.ObserveOperation("x", "ok", time.Second)
	m.ObserveAccrual(1, 1)
	m.ObserveRate(1)
	m.ObservePurge(3)

	called := false
	h := m.Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if !called {
		t.Fatal("nil metrics must pass requests through")
	}
}
