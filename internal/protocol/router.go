package protocol

import "net/http"

// NewRouter builds the full HTTP surface for the resumable session
// protocol (spec §6.1), wrapped with the identity and metrics middleware.
func (h *Handler) NewRouter() http.Handler {
	mux := http.NewServeMux()
	h.Routes(mux)
	return MetricsMiddleware(HeaderIdentityMiddleware(mux))
}
