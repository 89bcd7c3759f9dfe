package cors

import (
	"net/http"
	"strings"
)

// Config holds the CORS response values. Origin is either "*" or a comma
// separated allowlist; with an allowlist the request's Origin is echoed back
// only when it is listed.
type Config struct {
	Headers string
	Methods string
	Origin  string
}

func (c Config) allowedOrigin(requestOrigin string) string {
	if c.Origin == "" || c.Origin == "*" {
		return "*"
	}
	for _, allowed := range strings.Split(c.Origin, ",") {
		allowed = strings.TrimSpace(allowed)
		if allowed == "*" {
			return "*"
		}
		if requestOrigin != "" && strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}

// Middleware returns a mux-compatible middleware applying cfg.
func Middleware(cfg Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if w.Header().Get("Access-Control-Allow-Headers") == "" {
				w.Header().Set("Access-Control-Allow-Headers", cfg.Headers)
			}
			if w.Header().Get("Access-Control-Allow-Methods") == "" {
				w.Header().Set("Access-Control-Allow-Methods", cfg.Methods)
			}
			if w.Header().Get("Access-Control-Allow-Origin") == "" {
				if origin := cfg.allowedOrigin(r.Header.Get("Origin")); origin != "" {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					if origin != "*" {
						w.Header().Add("Vary", "Origin")
					}
				}
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// AllowsOrigin reports whether a request from requestOrigin is allowed. Requests
// without an Origin header are not cross-origin and always allowed.
func (c Config) AllowsOrigin(requestOrigin string) bool {
	return requestOrigin == "" || c.allowedOrigin(requestOrigin) != ""
}
