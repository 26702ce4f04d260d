// Package middleware carries the downstream auth checks: the API-key gate on
// the dialect routes and the admin bearer gate on /admin.
package middleware

import (
	"net/http"
	"strings"

	"github.com/pysugar/antigravity-relay/internal/config"
	"github.com/pysugar/antigravity-relay/internal/db"
)

// clientKey extracts the presented key from any of the header forms the
// three dialects use.
func clientKey(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(h[len("Bearer "):])
	}
	for _, name := range []string{"x-api-key", "x-goog-api-key", "anthropic-api-key"} {
		if v := r.Header.Get(name); v != "" {
			return v
		}
	}
	return ""
}

// APIKeyAuth gates the dialect routes. Accepted keys are the env-configured
// set plus any keys stored in the database; with no keys configured at all,
// the admin password is accepted instead.
func APIKeyAuth(cfg *config.Config, store *db.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := clientKey(r)
			if key == "" {
				unauthorized(w)
				return
			}
			for _, k := range cfg.APIKeys {
				if key == k {
					next.ServeHTTP(w, r)
					return
				}
			}
			if store.APIKeySet()[key] {
				next.ServeHTTP(w, r)
				return
			}
			if len(cfg.APIKeys) == 0 && cfg.AdminPassword != "" && key == cfg.AdminPassword {
				next.ServeHTTP(w, r)
				return
			}
			unauthorized(w)
		})
	}
}

// AdminAuth gates the admin routes with the bearer admin password.
func AdminAuth(cfg *config.Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.AdminPassword == "" {
				unauthorized(w)
				return
			}
			h := r.Header.Get("Authorization")
			if !strings.HasPrefix(h, "Bearer ") || strings.TrimSpace(h[len("Bearer "):]) != cfg.AdminPassword {
				unauthorized(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":{"type":"authentication_error","message":"invalid or missing api key"}}`))
}
