package ratelimit

import "context"

// Backend is a token-bucket rate limiter. CheckRateLimit refills the
// bucket for key based on elapsed time, then tries to take `requested`
// tokens. It reports whether the take succeeded and how many tokens
// remain.
type Backend interface {
	CheckRateLimit(ctx context.Context, key string, maxTokens int, refillRate float64, requested int) (allowed bool, remaining int, err error)
}

// KeyForProvision returns the bucket key for provisioning requests from
// one client (API key name or IP).
func KeyForProvision(client string) string {
	return "provision:" + client
}
