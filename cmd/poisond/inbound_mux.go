package main

import (
	"net/http"
)

// newInboundMux routes the single listen port: the admin API and health
// endpoint, the keyless sandbox, and everything else as key-based routing.
// Literal /health, /sandbox, and /api/ segments win over the {key} wildcard
// under ServeMux precedence, so those three names are reserved and can never
// collide with a generated key slug (slugs always start with "lp_").
func newInboundMux(apiHandler, sandboxHandler, keyHandler http.Handler) http.Handler {
	if apiHandler == nil {
		apiHandler = http.NotFoundHandler()
	}
	if sandboxHandler == nil {
		sandboxHandler = http.NotFoundHandler()
	}
	if keyHandler == nil {
		keyHandler = http.NotFoundHandler()
	}

	mux := http.NewServeMux()
	mux.Handle("GET /health", apiHandler)
	mux.Handle("/api/", apiHandler)
	mux.Handle("GET /sandbox", sandboxHandler)
	mux.Handle("/{key}", keyHandler)
	mux.Handle("/{key}/{rest...}", keyHandler)
	return mux
}
