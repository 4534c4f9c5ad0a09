package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/oriys/quasar/internal/auth"
)

func TestLocalBackendExhausts(t *testing.T) {
	b := NewLocalTokenBucketBackend()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, _, err := b.CheckRateLimit(ctx, "k", 3, 0.1, 1)
		if err != nil {
			t.Fatalf("check %d: %v", i, err)
		}
		if !allowed {
			t.Fatalf("check %d should be allowed", i)
		}
	}

	allowed, remaining, _ := b.CheckRateLimit(ctx, "k", 3, 0.1, 1)
	if allowed {
		t.Fatal("fourth check should be denied")
	}
	if remaining != 0 {
		t.Fatalf("remaining = %d, want 0", remaining)
	}
}

func TestLocalBackendRefills(t *testing.T) {
	b := NewLocalTokenBucketBackend()
	ctx := context.Background()

	b.CheckRateLimit(ctx, "k", 2, 100.0, 2)

	time.Sleep(20 * time.Millisecond)
	allowed, _, _ := b.CheckRateLimit(ctx, "k", 2, 100.0, 1)
	if !allowed {
		t.Fatal("check should pass after refill window")
	}
}

type failingBackend struct{ calls int }

func (f *failingBackend) CheckRateLimit(context.Context, string, int, float64, int) (bool, int, error) {
	f.calls++
	return false, 0, errors.New("connection refused")
}

func TestFallbackDegradesToLocal(t *testing.T) {
	primary := &failingBackend{}
	fb := NewFallbackBackend(primary)
	ctx := context.Background()

	allowed, _, err := fb.CheckRateLimit(ctx, "k", 5, 1.0, 1)
	if err != nil {
		t.Fatalf("fallback must absorb primary errors: %v", err)
	}
	if !allowed {
		t.Fatal("local fallback should have tokens")
	}
	if !fb.Degraded() {
		t.Fatal("backend should be degraded after primary failure")
	}

	// Subsequent checks stay on the local path without hitting primary.
	before := primary.calls
	fb.CheckRateLimit(ctx, "k", 5, 1.0, 1)
	if primary.calls != before {
		t.Fatal("degraded mode must not call primary on the request path")
	}
}

func TestProvisionMiddlewareHeaders(t *testing.T) {
	limiter := NewProvisionLimiter(NewLocalTokenBucketBackend(), 2)
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/provision/acestream", nil)
	req.RemoteAddr = "10.0.0.1:54321"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get("X-RateLimit-Provisioning-Limit"); got != "2" {
		t.Fatalf("limit header = %q, want 2", got)
	}
	if got := rec.Header().Get("X-RateLimit-Provisioning-Remaining"); got != "1" {
		t.Fatalf("remaining header = %q, want 1", got)
	}

	handler.ServeHTTP(httptest.NewRecorder(), req.Clone(req.Context()))

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req.Clone(req.Context()))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("third request status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("429 must carry Retry-After")
	}
}

func TestProvisionMiddlewareKeysByIdentity(t *testing.T) {
	limiter := NewProvisionLimiter(NewLocalTokenBucketBackend(), 1)
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func(keyName string) int {
		req := httptest.NewRequest(http.MethodPost, "/provision/acestream", nil)
		req.RemoteAddr = "10.0.0.1:54321"
		if keyName != "" {
			ctx := auth.WithIdentity(req.Context(), &auth.Identity{Subject: "apikey:" + keyName, KeyName: keyName})
			req = req.WithContext(ctx)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := send("alpha"); code != http.StatusOK {
		t.Fatalf("alpha first request = %d, want 200", code)
	}
	if code := send("alpha"); code != http.StatusTooManyRequests {
		t.Fatalf("alpha second request = %d, want 429", code)
	}
	// A different key has its own bucket even from the same IP.
	if code := send("beta"); code != http.StatusOK {
		t.Fatalf("beta first request = %d, want 200", code)
	}
}

func TestProvisionMiddlewareDisabled(t *testing.T) {
	limiter := NewProvisionLimiter(nil, 0)
	called := false
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/provision", nil))
	if !called {
		t.Fatal("disabled limiter must pass requests through")
	}
}

func TestClientIPExtraction(t *testing.T) {
	cases := []struct {
		name   string
		setup  func(*http.Request)
		expect string
	}{
		{"x-forwarded-for single", func(r *http.Request) { r.Header.Set("X-Forwarded-For", "1.2.3.4") }, "1.2.3.4"},
		{"x-forwarded-for chain", func(r *http.Request) { r.Header.Set("X-Forwarded-For", "1.2.3.4, 5.6.7.8") }, "1.2.3.4"},
		{"x-real-ip", func(r *http.Request) { r.Header.Set("X-Real-IP", "9.9.9.9") }, "9.9.9.9"},
		{"remote addr", func(r *http.Request) { r.RemoteAddr = "10.0.0.7:1234" }, "10.0.0.7"},
		{"ipv6 remote addr", func(r *http.Request) { r.RemoteAddr = "[::1]:1234" }, "::1"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			tc.setup(req)
			if got := getClientIP(req); got != tc.expect {
				t.Fatalf("getClientIP = %q, want %q", got, tc.expect)
			}
		})
	}
}
