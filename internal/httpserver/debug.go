package httpserver

import (
	"net/http"

	"github.com/azure-glades/groupwatch-server/internal/registry"
)

// DebugRoomsHandler dumps live room membership: every room with its member
// identities, or the rooms of one connection when ?id= is given. Identities
// are opaque server-assigned UUIDs, so nothing sensitive leaks, but the
// endpoint is for operators and should not be exposed publicly.
func DebugRoomsHandler(reg *registry.Registry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if reg == nil {
			http.Error(w, "registry not configured", http.StatusInternalServerError)
			return
		}

		if id := r.URL.Query().Get("id"); id != "" {
			WriteJSON(w, http.StatusOK, map[string]any{
				"id":         id,
				"registered": reg.Registered(id),
				"rooms":      reg.Rooms(id),
			})
			return
		}

		WriteJSON(w, http.StatusOK, map[string]any{"rooms": reg.Snapshot()})
	})
}
