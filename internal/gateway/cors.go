package gateway

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/basket/consultd/internal/config"
)

// corsPolicy is the precomputed response header set for cross-origin
// callers of the RPC and mandate endpoints.
type corsPolicy struct {
	allowAll bool
	origins  map[string]struct{}
	methods  string
	headers  string
	maxAge   string
}

func newCORSPolicy(cfg config.CORSConfig) corsPolicy {
	p := corsPolicy{origins: make(map[string]struct{})}
	for _, o := range cfg.AllowedOrigins {
		if o == "*" {
			p.allowAll = true
		}
		p.origins[o] = struct{}{}
	}

	methods := cfg.AllowedMethods
	if len(methods) == 0 {
		methods = []string{"GET", "POST", "OPTIONS"}
	}
	headers := cfg.AllowedHeaders
	if len(headers) == 0 {
		headers = []string{"Content-Type", "Authorization", "X-API-Key"}
	}
	maxAge := cfg.MaxAge
	if maxAge == 0 {
		maxAge = 3600
	}
	p.methods = strings.Join(methods, ", ")
	p.headers = strings.Join(headers, ", ")
	p.maxAge = strconv.Itoa(maxAge)
	return p
}

func (p corsPolicy) allows(origin string) bool {
	if origin == "" {
		return false
	}
	if p.allowAll {
		return true
	}
	_, ok := p.origins[origin]
	return ok
}

// NewCORSMiddleware wraps a handler with the configured CORS policy.
// Unlisted origins get no CORS headers at all; preflight requests are
// answered without reaching the RPC dispatcher.
func NewCORSMiddleware(cfg config.CORSConfig) func(http.Handler) http.Handler {
	if !cfg.Enabled {
		return func(next http.Handler) http.Handler { return next }
	}
	policy := newCORSPolicy(cfg)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if origin := r.Header.Get("Origin"); policy.allows(origin) {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Methods", policy.methods)
				h.Set("Access-Control-Allow-Headers", policy.headers)
				h.Set("Access-Control-Max-Age", policy.maxAge)
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequestSizeLimitMiddleware caps the request body. Oversized RPC bodies
// surface as parse errors from the dispatcher.
func RequestSizeLimitMiddleware(maxBytes int64) func(http.Handler) http.Handler {
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}
