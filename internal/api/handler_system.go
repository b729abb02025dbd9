package api

import (
	"net/http"

	"github.com/latencypoison/poisond/internal/service"
)

// HandleSystemInfo returns a handler for GET /api/system/info.
func HandleSystemInfo(info service.SystemInfo) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, info)
	}
}
