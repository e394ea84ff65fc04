package obs

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInstrumentLabelsRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Instrument)
	r.Get("/v1/orgs/{orgID}/modules/{module}/config", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/v1/orgs/{orgID}/modules/{module}/config", "418"))
	for _, org := range []string{"org-a", "org-b"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/orgs/"+org+"/modules/kb/config", nil))
		if rec.Code != http.StatusTeapot {
			t.Fatalf("unexpected status %d", rec.Code)
		}
	}
	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/v1/orgs/{orgID}/modules/{module}/config", "418"))
	if after-before != 2 {
		t.Fatalf("expected both requests under one route label, got delta %v", after-before)
	}
}

func TestRoutePatternWithoutRouter(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/anything", nil)
	if got := RoutePattern(req); got != "unmatched" {
		t.Fatalf("RoutePattern=%q, want unmatched", got)
	}
}

func TestAuthorizationCounters(t *testing.T) {
	before := testutil.ToFloat64(decisionsTotal.WithLabelValues("not-owner"))
	ObserveDecision("not-owner")
	if got := testutil.ToFloat64(decisionsTotal.WithLabelValues("not-owner")); got != before+1 {
		t.Fatalf("decisions counter=%v, want %v", got, before+1)
	}

	before = testutil.ToFloat64(authErrorsTotal.WithLabelValues("timeout"))
	ObserveAuthError("timeout")
	if got := testutil.ToFloat64(authErrorsTotal.WithLabelValues("timeout")); got != before+1 {
		t.Fatalf("errors counter=%v, want %v", got, before+1)
	}

	ObserveLookup("principal", 3*time.Millisecond, errors.New("boom"))
	if n := testutil.CollectAndCount(lookupDuration); n == 0 {
		t.Fatalf("expected lookup histogram series")
	}
}

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	if _, err := NewLogger("loud"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
	l, err := NewLogger("")
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	restore := SetLogger(l)
	defer restore()
	if Logger() != l {
		t.Fatalf("SetLogger did not replace the shared logger")
	}
}
