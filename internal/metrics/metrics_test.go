package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMiddlewareLabelsByRoutePattern(t *testing.T) {
	m := New()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/books/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	h := m.Middleware(mux)

	for _, id := range []string{"a", "b", "c"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/books/"+id, nil))
	}

	got := testutil.ToFloat64(m.requests.WithLabelValues("GET /api/books/{id}", http.MethodGet, "404"))
	if got != 3 {
		t.Fatalf("expected 3 requests under one route label, got %v", got)
	}
	if n := testutil.CollectAndCount(m.requests); n != 1 {
		t.Fatalf("expected a single series, got %d", n)
	}
}

func TestCountersAndHandler(t *testing.T) {
	m := New()
	m.BookEvent("book.checked_out")
	m.BookEvent("book.checked_out")
	m.EventPublishFailed()
	m.AuthEvent("login", "failure")

	if got := testutil.ToFloat64(m.bookEvents.WithLabelValues("book.checked_out")); got != 2 {
		t.Fatalf("expected 2 checkout events, got %v", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		`bookclub_book_events_total{type="book.checked_out"} 2`,
		`bookclub_event_publish_failures_total 1`,
		`bookclub_auth_events_total{event="login",outcome="failure"} 1`,
		"go_goroutines",
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}

func TestInstancesDoNotShareRegistry(t *testing.T) {
	a, b := New(), New()
	a.BookEvent("book.deleted")
	if got := testutil.ToFloat64(b.bookEvents.WithLabelValues("book.deleted")); got != 0 {
		t.Fatalf("expected isolated registries, got %v", got)
	}
}
