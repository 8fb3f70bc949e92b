package protocol

import (
	"context"
	"net/http"
)

type ownerIDKey struct{}

// WithOwnerID attaches the caller's identity to ctx, the way an upstream
// identity collaborator (out of scope per spec §1) would after
// authenticating the request.
func WithOwnerID(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, ownerIDKey{}, ownerID)
}

// OwnerIDFromContext returns the identity threaded through by the
// identity collaborator. The core never authenticates; it only reads
// what has already been verified upstream (spec §6.2).
func OwnerIDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ownerIDKey{}).(string)
	return v, ok && v != ""
}

// HeaderIdentityMiddleware is a minimal stand-in identity collaborator for
// standalone operation: it trusts an X-Owner-Id header verbatim. A real
// deployment replaces this with the platform's own authentication
// middleware, which must populate the same context key before the
// protocol handlers run.
func HeaderIdentityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ownerID := r.Header.Get("X-Owner-Id")
		if ownerID == "" {
			http.Error(w, `{"error":"missing X-Owner-Id"}`, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithOwnerID(r.Context(), ownerID)))
	})
}
