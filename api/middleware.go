package api

import (
	"context"
	"net/http"

	"github.com/golang/glog"

	"github.com/msgrelay/msgrelay/auth"
	"github.com/msgrelay/msgrelay/identity"
)

type contextKey string

const IdentityContextKey contextKey = "identity"

// RequireAuth authenticates every request through client and stores the
// caller's identity in the request context.
func (h *Handler) RequireAuth(client auth.Client) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := client.Auth(r)
			if err != nil {
				glog.V(5).Infof("api: %s %s: authenticate error: %v", r.Method, r.URL.Path, err)
				h.Error(w, http.StatusUnauthorized, "authentication required")
				return
			}
			ctx := context.WithValue(r.Context(), IdentityContextKey, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAdmin rejects callers that are not admins. It must follow RequireAuth.
func (h *Handler) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := IdentityFromContext(r.Context())
		if !ok {
			h.Error(w, http.StatusUnauthorized, "authentication required")
			return
		}
		if !id.IsAdmin() {
			h.Error(w, http.StatusForbidden, "admin only")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// IdentityFromContext retrieves the authenticated identity from the request context.
func IdentityFromContext(ctx context.Context) (identity.Identity, bool) {
	id, ok := ctx.Value(IdentityContextKey).(identity.Identity)
	return id, ok && id.Valid()
}
