package middleware

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/polysettle/internal/domain"
)

// RateLimit returns middleware that limits each client to limit requests per
// window. Clients are keyed by their authenticated caller address when there
// is one and by IP otherwise. Limiter errors fail open.
func RateLimit(limiter domain.RateLimiter, limit int, window time.Duration, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil || limit <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := rateKey(r)

			allowed, used, err := check(r.Context(), limiter, key, limit, window)
			if err != nil {
				if logger != nil {
					logger.WarnContext(r.Context(), "ratelimit: limiter failed, allowing",
						slog.String("error", err.Error()),
					)
				}
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
			if used >= 0 {
				w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(max(0, int64(limit)-used), 10))
			}
			if !allowed {
				w.Header().Set("Retry-After", strconv.Itoa(max(1, int(window.Seconds()))))
				writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// counter is implemented by limiters that also report the window's usage.
type counter interface {
	Check(ctx context.Context, key string, limit int, window time.Duration) (bool, int64, error)
}

// check returns the verdict and, when the limiter can tell, the number of
// requests counted so far in the window. used is -1 otherwise.
func check(ctx context.Context, l domain.RateLimiter, key string, limit int, window time.Duration) (allowed bool, used int64, err error) {
	if c, ok := l.(counter); ok {
		return c.Check(ctx, key, limit, window)
	}
	allowed, err = l.Allow(ctx, key, limit, window)
	return allowed, -1, err
}

// rateKey buckets authenticated callers by address and everyone else by IP.
func rateKey(r *http.Request) string {
	if caller, ok := Caller(r.Context()); ok {
		return "http:caller:" + strings.ToLower(caller.Hex())
	}
	return "http:ip:" + extractClientIP(r)
}

// extractClientIP attempts to determine the real client IP from standard
// proxy headers, falling back to the direct remote address.
func extractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ip, _, _ := strings.Cut(xff, ",")
		if ip = strings.TrimSpace(ip); ip != "" {
			return ip
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
