package request

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// routePattern returns the chi route template so metrics labels stay bounded.
func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}
