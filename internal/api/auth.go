package api

import (
	"context"
	"net/http"
	"strings"
)

// Authenticator resolves a bearer token to the owner it acts for.
type Authenticator interface {
	Authenticate(token string) (ownerID string, ok bool)
}

// StaticTokens maps bearer tokens to owner ids.
type StaticTokens map[string]string

func (s StaticTokens) Authenticate(token string) (string, bool) {
	owner, ok := s[token]
	return owner, ok && owner != ""
}

type ownerKey struct{}

func ownerFrom(ctx context.Context) string {
	owner, _ := ctx.Value(ownerKey{}).(string)
	return owner
}

func requireOwner(auth Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := r.Header.Get("Authorization")
			token, found := strings.CutPrefix(h, "Bearer ")
			if !found || strings.TrimSpace(token) == "" {
				writeError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			owner, ok := auth.Authenticate(strings.TrimSpace(token))
			if !ok {
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ownerKey{}, owner)))
		})
	}
}
