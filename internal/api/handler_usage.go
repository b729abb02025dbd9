package api

import (
	"net/http"

	"github.com/latencypoison/poisond/internal/service"
)

// HandleUsageSummary returns a handler for GET /api/usage/summary.
func HandleUsageSummary(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, ok := requireOwnerQuery(w, r)
		if !ok {
			return
		}
		sum, err := cp.UsageSummary(owner)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, sum)
	}
}

// HandleUsageTimeline returns a handler for GET /api/usage/timeline.
// Defaults: group_by=day, period=7d.
func HandleUsageTimeline(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, ok := requireOwnerQuery(w, r)
		if !ok {
			return
		}
		groupBy := r.URL.Query().Get("group_by")
		if groupBy == "" {
			groupBy = "day"
		}
		period := r.URL.Query().Get("period")
		if period == "" {
			period = "7d"
		}
		tl, err := cp.UsageTimeline(owner, groupBy, period)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, tl)
	}
}
