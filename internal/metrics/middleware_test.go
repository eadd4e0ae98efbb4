package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMiddleware(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/test", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/notfound", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	ts := httptest.NewServer(r)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/test")
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		if errInner := resp.Body.Close(); errInner != nil {
			t.Log(errInner)
		}
	}()

	resp, err = http.Get(ts.URL + "/notfound")
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		if errInner := resp.Body.Close(); errInner != nil {
			t.Log(errInner)
		}
	}()

	if got := testutil.CollectAndCount(httpRequestsTotal, "http_requests_total"); got < 2 {
		t.Fatalf("expected at least 2 http_requests_total series, got %d", got)
	}
	if got := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "200")); got != 1 {
		t.Fatalf("expected one GET 200 request, got %v", got)
	}
}

func TestObserveItemAndAttempt(t *testing.T) {
	Init()

	ObserveItem("succeeded")
	ObserveAttempt("direct_fetch", "accepted", 120*time.Millisecond)
	SetQuotaUsed("paid_api", 7)

	if got := testutil.ToFloat64(harvesterItemsTotal.WithLabelValues("succeeded")); got < 1 {
		t.Fatalf("expected succeeded transition to be counted, got %v", got)
	}
	if got := testutil.ToFloat64(harvesterQuotaUsed.WithLabelValues("paid_api")); got != 7 {
		t.Fatalf("expected quota gauge 7, got %v", got)
	}
}
