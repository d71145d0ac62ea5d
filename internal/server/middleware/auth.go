package middleware

import (
	"bytes"
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/polysettle/internal/crypto"
)

// maxSignedBody caps how much of a request body is buffered for signature
// verification.
const maxSignedBody = 1 << 20

const defaultMaxSkew = 5 * time.Minute

// AuthConfig configures the Auth middleware.
type AuthConfig struct {
	// APIKey, if set, must be presented as a Bearer token or X-API-Key.
	APIKey string
	// AllowUnsigned lets mutating requests act as an unproven X-Caller.
	// By default every mutating request must carry an X-Signature by its
	// caller over the request.
	AllowUnsigned bool
	// MaxSkew bounds the age of a signed request's X-Timestamp. Zero
	// selects 5m.
	MaxSkew time.Duration
	// Public paths skip authentication entirely.
	Public []string
	Now    func() time.Time
}

type callerKey struct{}

// Caller returns the authenticated caller address stored by Auth.
func Caller(ctx context.Context) (common.Address, bool) {
	a, ok := ctx.Value(callerKey{}).(common.Address)
	return a, ok
}

// WithCaller stores a caller address in ctx.
func WithCaller(ctx context.Context, a common.Address) context.Context {
	return context.WithValue(ctx, callerKey{}, a)
}

// Auth returns middleware that checks the API key and resolves the caller
// identity from X-Caller. Unless AllowUnsigned is set, mutating requests
// must name a caller and carry a valid EIP-191 signature by it.
func Auth(cfg AuthConfig) func(http.Handler) http.Handler {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	if cfg.MaxSkew <= 0 {
		cfg.MaxSkew = defaultMaxSkew
	}
	signed := !cfg.AllowUnsigned
	public := make(map[string]bool, len(cfg.Public))
	for _, p := range cfg.Public {
		public[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if public[r.URL.Path] || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			if cfg.APIKey != "" {
				token := extractToken(r)
				if token == "" {
					writeUnauthorized(w, "missing authentication token")
					return
				}
				if subtle.ConstantTimeCompare([]byte(token), []byte(cfg.APIKey)) != 1 {
					writeUnauthorized(w, "invalid authentication token")
					return
				}
			}

			raw := strings.TrimSpace(r.Header.Get(crypto.HeaderCaller))
			if raw == "" {
				if signed && mutating(r.Method) {
					writeUnauthorized(w, "missing "+crypto.HeaderCaller)
					return
				}
				next.ServeHTTP(w, r)
				return
			}
			if !common.IsHexAddress(raw) {
				writeUnauthorized(w, "malformed "+crypto.HeaderCaller)
				return
			}
			caller := common.HexToAddress(raw)

			if signed && mutating(r.Method) {
				if err := verify(r, caller, now(), cfg.MaxSkew); err != nil {
					writeUnauthorized(w, err.Error())
					return
				}
			}

			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
		})
	}
}

// verify checks the request signature and restores the consumed body.
func verify(r *http.Request, caller common.Address, now time.Time, maxSkew time.Duration) error {
	sig := r.Header.Get(crypto.HeaderSignature)
	if sig == "" {
		return errors.New("missing " + crypto.HeaderSignature)
	}
	ts, err := strconv.ParseInt(r.Header.Get(crypto.HeaderTimestamp), 10, 64)
	if err != nil {
		return errors.New("missing or malformed " + crypto.HeaderTimestamp)
	}

	var body []byte
	if r.Body != nil {
		body, err = io.ReadAll(io.LimitReader(r.Body, maxSignedBody+1))
		if err != nil {
			return errors.New("read body")
		}
		if len(body) > maxSignedBody {
			return errors.New("body too large")
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
	}

	if err := crypto.VerifyRequest(caller, r.Method, r.URL.Path, ts, body, sig, now, maxSkew); err != nil {
		return errors.New("invalid signature")
	}
	return nil
}

func mutating(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	}
	return true
}

// extractToken looks for a token in the Authorization header (Bearer scheme)
// or in the X-API-Key header.
func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

// writeUnauthorized sends a 401 response with a JSON error body.
func writeUnauthorized(w http.ResponseWriter, msg string) {
	writeJSONError(w, http.StatusUnauthorized, msg)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write([]byte(`{"error":` + strconv.Quote(msg) + `}`))
}
