// Package auth authenticates orchestrator calls to the control plane API.
package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/AlexKimmel/accountgate/internal/config"
	"github.com/rs/zerolog/hlog"
)

type ctxKey int

const keyID ctxKey = 0

// Store is a static in-memory key store: secret -> keyID
type Store struct {
	header   string
	bySecret map[string]string
}

// NewStatic creates a new static key store.
// header: HTTP header to read the key from (e.g., "X-API-Key")
// pairs: map of secret -> keyID
func NewStatic(header string, pairs map[string]string) *Store {
	h := header
	if h == "" {
		h = "X-API-Key"
	}
	return &Store{header: h, bySecret: pairs}
}

// FromConfig builds a store from the configured keys, ignoring incomplete
// entries.
func FromConfig(a config.Auth) *Store {
	pairs := make(map[string]string, len(a.Keys))
	for _, k := range a.Keys {
		if k.Secret != "" && k.ID != "" {
			pairs[k.Secret] = k.ID
		}
	}
	return NewStatic(a.Header, pairs)
}

// Enabled reports whether any key is configured. A store without keys
// lets every request through.
func (s *Store) Enabled() bool { return len(s.bySecret) > 0 }

func (s *Store) keyIDFor(secret string) (string, bool) {
	id, ok := s.bySecret[secret]
	return id, ok
}

// secret reads the key from the configured header, falling back to a
// bearer token.
func (s *Store) secret(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get(s.header)); v != "" {
		return v
	}
	if v, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

// WithKeyID injects the key ID into context.
func WithKeyID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyID, id)
}

// KeyIDFrom extracts the key ID from context (if present).
func KeyIDFrom(ctx context.Context) (string, bool) {
	v := ctx.Value(keyID)
	if v == nil {
		return "", false
	}
	id, ok := v.(string)
	return id, ok
}

// Middleware validates the API key and writes JSON errors on failure.
// It skips authentication for any path in skipPaths.
func (s *Store) Middleware(skipPaths map[string]struct{}) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skipPaths[r.URL.Path]; ok || !s.Enabled() {
				next.ServeHTTP(w, r)
				return
			}

			secret := s.secret(r)
			if secret == "" {
				writeJSON(w, http.StatusUnauthorized, "missing_api_key", "Provide API key in "+s.header)
				return
			}
			id, ok := s.keyIDFor(secret)
			if !ok {
				hlog.FromRequest(r).Warn().Str("remote", r.RemoteAddr).Msg("rejected unknown api key")
				writeJSON(w, http.StatusUnauthorized, "invalid_api_key", "API key not recognized")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithKeyID(r.Context(), id)))
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, errCode, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": errCode, "message": msg},
	})
}
