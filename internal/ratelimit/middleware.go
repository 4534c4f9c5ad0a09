package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/oriys/quasar/internal/auth"
	"github.com/oriys/quasar/internal/logging"
)

// ProvisionLimiter enforces a per-client provisioning budget. Clients are
// keyed by API key name when authenticated, by source IP otherwise.
type ProvisionLimiter struct {
	backend   Backend
	perMinute int
}

// NewProvisionLimiter builds a limiter allowing perMinute provision calls
// per client per minute. A zero or negative rate disables limiting.
func NewProvisionLimiter(backend Backend, perMinute int) *ProvisionLimiter {
	return &ProvisionLimiter{backend: backend, perMinute: perMinute}
}

// Enabled reports whether the limiter enforces anything.
func (l *ProvisionLimiter) Enabled() bool {
	return l != nil && l.backend != nil && l.perMinute > 0
}

// Middleware wraps provisioning handlers. Every response carries the
// X-RateLimit-Provisioning-{Limit,Remaining} headers; rejected requests
// get 429 with Retry-After.
func (l *ProvisionLimiter) Middleware(next http.Handler) http.Handler {
	if !l.Enabled() {
		return next
	}

	refillRate := float64(l.perMinute) / 60.0

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := KeyForProvision(clientKey(r))

		allowed, remaining, err := l.backend.CheckRateLimit(r.Context(), key, l.perMinute, refillRate, 1)
		if err != nil {
			// Fail open: a broken limiter must not block provisioning.
			logging.Op().Warn("rate limit check failed, allowing request", "error", err)
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Provisioning-Limit", strconv.Itoa(l.perMinute))
		w.Header().Set("X-RateLimit-Provisioning-Remaining", strconv.Itoa(remaining))

		if !allowed {
			retryAfter := int(math.Ceil(1.0 / refillRate))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"rate_limit_exceeded","message":"provisioning budget exhausted, retry later"}`))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// clientKey picks the bucket identity for a request.
func clientKey(r *http.Request) string {
	if id := auth.GetIdentity(r.Context()); id != nil && id.KeyName != "" {
		return "apikey:" + id.KeyName
	}
	return "ip:" + getClientIP(r)
}

// getClientIP extracts the client IP from the request.
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// Take the first IP in the chain.
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	ip := r.RemoteAddr
	if idx := strings.LastIndex(ip, ":"); idx != -1 {
		ip = ip[:idx]
	}
	// Remove brackets for IPv6.
	ip = strings.TrimPrefix(ip, "[")
	ip = strings.TrimSuffix(ip, "]")

	return ip
}
