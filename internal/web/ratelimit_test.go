package web

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func testLimiter(t *testing.T, limit int, window time.Duration) *RateLimiter {
	t.Helper()
	mr := miniredis.RunT(t)
	rl, err := NewRateLimiter("redis://"+mr.Addr(), limit, window)
	if err != nil {
		t.Fatalf("NewRateLimiter: %v", err)
	}
	t.Cleanup(func() { rl.Close() }) //nolint:errcheck // test cleanup
	return rl
}

func TestNewRateLimiter_BadURI(t *testing.T) {
	if _, err := NewRateLimiter("not-a-redis-uri", 10, time.Minute); err == nil {
		t.Fatal("expected error for invalid storage uri")
	}
}

func TestNewRateLimiter_Defaults(t *testing.T) {
	mr := miniredis.RunT(t)
	rl, err := NewRateLimiter("redis://"+mr.Addr(), 0, 0)
	if err != nil {
		t.Fatalf("NewRateLimiter: %v", err)
	}
	defer rl.Close() //nolint:errcheck // test cleanup

	if rl.limit != DefaultRateLimit {
		t.Errorf("limit = %d, want %d", rl.limit, DefaultRateLimit)
	}
	if rl.window != DefaultRateWindow {
		t.Errorf("window = %s, want %s", rl.window, DefaultRateWindow)
	}
}

func TestAllow_WithinLimit(t *testing.T) {
	rl := testLimiter(t, 5, time.Minute)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		ok, err := rl.Allow(ctx, "ratelimit:1.2.3.4")
		if err != nil {
			t.Fatalf("Allow #%d: %v", i+1, err)
		}
		if !ok {
			t.Fatalf("request %d denied, want allowed", i+1)
		}
	}
}

func TestAllow_OverLimit(t *testing.T) {
	rl := testLimiter(t, 3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if ok, err := rl.Allow(ctx, "ratelimit:1.2.3.4"); err != nil || !ok {
			t.Fatalf("request %d: ok=%v err=%v", i+1, ok, err)
		}
	}
	ok, err := rl.Allow(ctx, "ratelimit:1.2.3.4")
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if ok {
		t.Error("request over limit allowed, want denied")
	}
}

func TestAllow_KeysAreIndependent(t *testing.T) {
	rl := testLimiter(t, 1, time.Minute)
	ctx := context.Background()

	if ok, _ := rl.Allow(ctx, "ratelimit:1.2.3.4"); !ok { //nolint:errcheck // checked via ok
		t.Fatal("first client denied")
	}
	if ok, _ := rl.Allow(ctx, "ratelimit:5.6.7.8"); !ok { //nolint:errcheck // checked via ok
		t.Error("second client denied, keys should be independent")
	}
}

func TestMiddleware_TooManyRequests(t *testing.T) {
	rl := testLimiter(t, 2, time.Minute)
	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	var last *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/scan", nil)
		req.RemoteAddr = "1.2.3.4:5555"
		last = httptest.NewRecorder()
		handler.ServeHTTP(last, req)
	}

	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", last.Code, http.StatusTooManyRequests)
	}
	if last.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header on 429")
	}
}

func TestMiddleware_FailsOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	rl, err := NewRateLimiter("redis://"+mr.Addr(), 1, time.Minute)
	if err != nil {
		t.Fatalf("NewRateLimiter: %v", err)
	}
	defer rl.Close() //nolint:errcheck // test cleanup
	mr.Close()

	called := false
	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/scan", nil)
	req.RemoteAddr = "1.2.3.4:5555"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if !called {
		t.Error("handler not called, limiter must fail open when redis is down")
	}
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		remoteAddr string
		forwarded  string
		want       string
	}{
		{"1.2.3.4:5555", "", "1.2.3.4"},
		{"1.2.3.4:5555", "9.8.7.6", "9.8.7.6"},
		{"1.2.3.4:5555", "9.8.7.6, 10.0.0.1", "9.8.7.6"},
		{"[::1]:5555", "", "::1"},
	}
	for i, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = tt.remoteAddr
		if tt.forwarded != "" {
			req.Header.Set("X-Forwarded-For", tt.forwarded)
		}
		if got := clientIP(req); got != tt.want {
			t.Errorf("case %d: clientIP = %q, want %q", i, got, tt.want)
		}
	}
}

func TestAllow_WindowExpiry(t *testing.T) {
	mr := miniredis.RunT(t)
	rl, err := NewRateLimiter(fmt.Sprintf("redis://%s", mr.Addr()), 1, time.Second)
	if err != nil {
		t.Fatalf("NewRateLimiter: %v", err)
	}
	defer rl.Close() //nolint:errcheck // test cleanup
	ctx := context.Background()

	if ok, _ := rl.Allow(ctx, "ratelimit:1.2.3.4"); !ok { //nolint:errcheck // checked via ok
		t.Fatal("first request denied")
	}
	if ok, _ := rl.Allow(ctx, "ratelimit:1.2.3.4"); ok { //nolint:errcheck // checked via ok
		t.Fatal("second request allowed, want denied")
	}

	// Sliding window: entries older than the window are pruned on the next
	// check. miniredis needs its clock advanced for the key TTL, but the
	// ZREMRANGEBYSCORE prune uses wall time, so a real sleep works.
	time.Sleep(1100 * time.Millisecond)

	if ok, _ := rl.Allow(ctx, "ratelimit:1.2.3.4"); !ok { //nolint:errcheck // checked via ok
		t.Error("request after window denied, want allowed")
	}
}
