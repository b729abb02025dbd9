package api

import "net/http"

// HandleHealth returns a handler for GET /health.
// No authentication is required.
func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{"service": "poisond"})
	}
}
