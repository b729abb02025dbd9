package api

import (
	"net/http"

	"github.com/latencypoison/poisond/internal/service"
)

// NewHandler builds the admin API mux: the public health endpoint plus the
// Bearer-authenticated /api/ routes. The caller mounts it into the inbound
// mux alongside the proxy data plane.
func NewHandler(
	adminToken string,
	systemInfo service.SystemInfo,
	cp *service.ControlPlaneService,
	apiMaxBodyBytes int64,
) http.Handler {
	mux := http.NewServeMux()

	// Public (no auth)
	mux.Handle("GET /health", HandleHealth())

	// Authenticated routes
	authed := http.NewServeMux()
	authed.Handle("GET /api/system/info", HandleSystemInfo(systemInfo))

	authed.Handle("GET /api/config-keys", HandleListConfigKeys(cp))
	authed.Handle("POST /api/config-keys", HandleCreateConfigKey(cp))
	authed.Handle("GET /api/config-keys/{id}", HandleGetConfigKey(cp))
	authed.Handle("PATCH /api/config-keys/{id}", HandleUpdateConfigKey(cp))
	authed.Handle("DELETE /api/config-keys/{id}", HandleDeleteConfigKey(cp))

	authed.Handle("GET /api/usage/summary", HandleUsageSummary(cp))
	authed.Handle("GET /api/usage/timeline", HandleUsageTimeline(cp))

	limitedAuthed := RequestBodyLimitMiddleware(apiMaxBodyBytes, authed)
	mux.Handle("/api/", AuthMiddleware(adminToken, limitedAuthed))

	return mux
}
