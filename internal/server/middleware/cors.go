package middleware

import (
	"net/http"
	"strings"

	"github.com/alanyoungcy/polysettle/internal/crypto"
)

var corsAllowHeaders = strings.Join([]string{
	"Content-Type", "Authorization", "X-API-Key",
	crypto.HeaderCaller, crypto.HeaderTimestamp, crypto.HeaderSignature,
	HeaderRequestID,
}, ", ")

// CORS echoes the request origin back when it is in allowedOrigins. An empty
// list or a "*" entry admits every origin. Preflight requests are answered
// here and never reach the router.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	allowAll := len(allowedOrigins) == 0
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		o = strings.ToLower(strings.TrimRight(o, "/"))
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Add("Vary", "Origin")

			origin := r.Header.Get("Origin")
			ok := origin != "" && (allowAll || allowed[strings.ToLower(origin)])
			if ok {
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Expose-Headers", HeaderRequestID)
			}

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				if ok {
					h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
					h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
					h.Set("Access-Control-Max-Age", "86400")
				}
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
