// Package shield provides the HTTP middleware in front of scout's API:
// security headers, body limits, request tracing and per-client rate limits.
//
// Usage:
//
//	r := chi.NewRouter()
//	for _, mw := range shield.DefaultAPIStack(shield.NewRateLimiter(rules)) {
//	    r.Use(mw)
//	}
package shield

import "net/http"

type contextKey string

// LoggerKey is the context key for the per-request structured logger.
const LoggerKey contextKey = "shield_logger"

// DefaultMaxBody caps JSON request bodies (1 MiB).
const DefaultMaxBody int64 = 1 << 20

// DefaultAPIStack returns the standard middleware stack for a JSON API.
// Order: SecurityHeaders → MaxBody → TraceID → RateLimiter. A nil limiter
// is skipped.
func DefaultAPIStack(rl *RateLimiter) []func(http.Handler) http.Handler {
	stack := []func(http.Handler) http.Handler{
		SecurityHeaders(APIHeaders()),
		MaxBody(DefaultMaxBody),
		TraceID,
	}
	if rl != nil {
		stack = append(stack, rl.Middleware)
	}
	return stack
}
