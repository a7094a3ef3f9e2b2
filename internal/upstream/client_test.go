package upstream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewClient(srv.URL, 2*time.Second)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return c
}

func TestClient_Fetch_Success(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("x-api-key"); got != "secret" {
			t.Errorf("x-api-key header = %q, want secret", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"station":"Union Square","line":"L","direction":"N","trainId":"t-1","waitSeconds":90,"realtime":true,"lat":40.7356,"lon":-73.9906},
			{"station":"Union Square","line":"L","direction":"S","trainId":"t-2","waitSeconds":240,"realtime":false,"lat":40.7356,"lon":-73.9906}
		]`))
	})

	arrivals, err := c.Fetch(context.Background(), "secret")
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if len(arrivals) != 2 {
		t.Fatalf("Fetch() returned %d arrivals, want 2", len(arrivals))
	}
	if arrivals[0].TrainID != "t-1" || arrivals[0].WaitSeconds != 90 || !arrivals[0].Realtime {
		t.Errorf("Fetch()[0] = %+v, want decoded first record", arrivals[0])
	}
}

func TestClient_Fetch_MissingCredential(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("upstream called despite missing credential")
	})

	_, err := c.Fetch(context.Background(), "")
	if !errors.Is(err, ErrMissingCredential) {
		t.Fatalf("Fetch() error = %v, want ErrMissingCredential", err)
	}
}

func TestClient_Fetch_UpstreamError(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		body          string
		wantTransient bool
	}{
		{
			name:          "500 is transient",
			status:        http.StatusInternalServerError,
			body:          "internal error",
			wantTransient: true,
		},
		{
			name:          "503 is permanent",
			status:        http.StatusServiceUnavailable,
			body:          "maintenance window",
			wantTransient: false,
		},
		{
			name:          "401 is permanent",
			status:        http.StatusUnauthorized,
			body:          "bad key",
			wantTransient: false,
		},
		{
			name:          "429 is permanent",
			status:        http.StatusTooManyRequests,
			body:          "slow down",
			wantTransient: false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			})

			_, err := c.Fetch(context.Background(), "secret")
			if err == nil {
				t.Fatal("Fetch() error = nil, want upstream error")
			}
			var ue *Error
			if !errors.As(err, &ue) {
				t.Fatalf("Fetch() error = %v, want *Error", err)
			}
			if ue.StatusCode != tc.status {
				t.Errorf("StatusCode = %d, want %d", ue.StatusCode, tc.status)
			}
			if ue.Detail != tc.body {
				t.Errorf("Detail = %q, want %q", ue.Detail, tc.body)
			}
			if got := IsTransient(err); got != tc.wantTransient {
				t.Errorf("IsTransient() = %v, want %v", got, tc.wantTransient)
			}
		})
	}
}

func TestClient_Fetch_DetailTruncated(t *testing.T) {
	longBody := strings.Repeat("x", 2000)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(longBody))
	})

	_, err := c.Fetch(context.Background(), "secret")
	var ue *Error
	if !errors.As(err, &ue) {
		t.Fatalf("Fetch() error = %v, want *Error", err)
	}
	if len(ue.Detail) != maxDetailBytes {
		t.Errorf("Detail length = %d, want capped at %d", len(ue.Detail), maxDetailBytes)
	}
}

func TestClient_Fetch_MalformedResponse(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"not":"an array"`))
	})

	_, err := c.Fetch(context.Background(), "secret")
	if err == nil {
		t.Fatal("Fetch() error = nil, want parse failure")
	}
	if IsTransient(err) {
		t.Error("IsTransient() = true for malformed payload, want false")
	}
	if !strings.Contains(err.Error(), "parse") {
		t.Errorf("Fetch() error = %v, want parse error", err)
	}
}

func TestNewClient_RequiresURL(t *testing.T) {
	if _, err := NewClient("", time.Second); err == nil {
		t.Fatal("NewClient(\"\") error = nil, want error")
	}
}

func TestIsTransient_NonUpstreamError(t *testing.T) {
	if IsTransient(errors.New("connection refused")) {
		t.Error("IsTransient() = true for transport error, want false")
	}
	if IsTransient(nil) {
		t.Error("IsTransient(nil) = true, want false")
	}
}
