package gateway_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/basket/fleetrelay/internal/gateway"
	"github.com/basket/fleetrelay/internal/ratelimit"
)

func TestUpgradeLimiter_PerRemoteAddress(t *testing.T) {
	now := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	l := ratelimit.NewWithClock(func() time.Time { return now })
	handler := gateway.NewUpgradeLimiter(l, func() int { return 2 }).Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	do := func(remote string) int {
		req := httptest.NewRequest("GET", "/ws/client", nil)
		req.RemoteAddr = remote
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := do("10.0.0.1:5000"); code != http.StatusOK {
		t.Fatalf("first upgrade: %d", code)
	}
	// Same host, different source port shares the window.
	if code := do("10.0.0.1:5001"); code != http.StatusOK {
		t.Fatalf("second upgrade: %d", code)
	}
	if code := do("10.0.0.1:5002"); code != http.StatusTooManyRequests {
		t.Fatalf("third upgrade: expected 429, got %d", code)
	}
	if code := do("10.0.0.2:5000"); code != http.StatusOK {
		t.Fatalf("other host should have its own window, got %d", code)
	}

	now = now.Add(time.Minute)
	if code := do("10.0.0.1:5003"); code != http.StatusOK {
		t.Fatalf("window should have slid, got %d", code)
	}
}

func TestUpgradeLimiter_Disabled(t *testing.T) {
	handler := gateway.NewUpgradeLimiter(ratelimit.New(), func() int { return 0 }).Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	for i := 0; i < 100; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("GET", "/ws/agent", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d limited with limit disabled", i)
		}
	}
}
