package http

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

func TestCorrelationIDMiddleware_GeneratesID(t *testing.T) {
	var gotCtxID string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if v := r.Context().Value("correlation_id"); v != nil {
			gotCtxID = v.(string)
		}
	})
	mw := CorrelationIDMiddleware(zap.NewNop())

	rec := httptest.NewRecorder()
	mw(inner).ServeHTTP(rec, httptest.NewRequest("GET", "/arrivals", nil))

	if gotCtxID == "" {
		t.Fatal("correlation_id missing from request context")
	}
	if hdr := rec.Header().Get("X-Correlation-ID"); hdr != gotCtxID {
		t.Errorf("X-Correlation-ID header = %q, want %q", hdr, gotCtxID)
	}
}

func TestCorrelationIDMiddleware_PropagatesHeader(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	mw := CorrelationIDMiddleware(zap.NewNop())

	req := httptest.NewRequest("GET", "/arrivals", nil)
	req.Header.Set("X-Correlation-ID", "caller-supplied-id")
	rec := httptest.NewRecorder()
	mw(inner).ServeHTTP(rec, req)

	if hdr := rec.Header().Get("X-Correlation-ID"); hdr != "caller-supplied-id" {
		t.Errorf("X-Correlation-ID header = %q, want caller-supplied-id", hdr)
	}
}

func TestRateLimitMiddleware_Denies(t *testing.T) {
	limiter := rate.NewLimiter(rate.Limit(1), 1)
	innerCalls := 0
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		innerCalls++
	})
	mw := RateLimitMiddleware(limiter)

	// First request consumes the burst; second is denied.
	rec := httptest.NewRecorder()
	mw(inner).ServeHTTP(rec, httptest.NewRequest("GET", "/arrivals", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	mw(inner).ServeHTTP(rec, httptest.NewRequest("GET", "/arrivals", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rec.Code)
	}
	if innerCalls != 1 {
		t.Errorf("inner handler calls = %d, want 1", innerCalls)
	}
}

func TestRateLimitMiddleware_NilLimiterPassesThrough(t *testing.T) {
	called := false
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	})
	mw := RateLimitMiddleware(nil)

	rec := httptest.NewRecorder()
	mw(inner).ServeHTTP(rec, httptest.NewRequest("GET", "/arrivals", nil))

	if !called {
		t.Error("inner handler not called with nil limiter")
	}
}

func TestTimeoutMiddleware_SetsDeadline(t *testing.T) {
	var hadDeadline bool
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, hadDeadline = r.Context().Deadline()
	})
	mw := TimeoutMiddleware(100 * time.Millisecond)

	rec := httptest.NewRecorder()
	mw(inner).ServeHTTP(rec, httptest.NewRequest("GET", "/arrivals", nil))

	if !hadDeadline {
		t.Error("request context has no deadline")
	}
}

func TestGetRoute(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/health", "/health"},
		{"/metrics", "/metrics"},
		{"/arrivals", "/arrivals"},
		{"/other", "/other"},
	}
	for _, tc := range tests {
		r := httptest.NewRequest("GET", tc.path, nil)
		if got := getRoute(r); got != tc.want {
			t.Errorf("getRoute(%q) = %q, want %q", tc.path, got, tc.want)
		}
	}
}

func TestStatusCodeString(t *testing.T) {
	if got := statusCodeString(200); got != "2xx" {
		t.Errorf("statusCodeString(200) = %q, want 2xx", got)
	}
	if got := statusCodeString(503); got != "5xx" {
		t.Errorf("statusCodeString(503) = %q, want 5xx", got)
	}
}
