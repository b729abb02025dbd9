package api

import (
	"net/http"

	"github.com/latencypoison/poisond/internal/service"
)

// HandleListConfigKeys returns a handler for GET /api/config-keys.
func HandleListConfigKeys(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, ok := requireOwnerQuery(w, r)
		if !ok {
			return
		}
		keys, err := cp.ListConfigKeys(owner)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, keys)
	}
}

// HandleGetConfigKey returns a handler for GET /api/config-keys/{id}.
func HandleGetConfigKey(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := requireUUIDPathParam(w, r, "id")
		if !ok {
			return
		}
		k, err := cp.GetConfigKey(id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, k)
	}
}

// HandleCreateConfigKey returns a handler for POST /api/config-keys.
func HandleCreateConfigKey(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req service.CreateConfigKeyRequest
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		k, err := cp.CreateConfigKey(req)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, k)
	}
}

// HandleUpdateConfigKey returns a handler for PATCH /api/config-keys/{id}.
func HandleUpdateConfigKey(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := requireUUIDPathParam(w, r, "id")
		if !ok {
			return
		}
		var req service.UpdateConfigKeyRequest
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		k, err := cp.UpdateConfigKey(id, req)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, k)
	}
}

// HandleDeleteConfigKey returns a handler for DELETE /api/config-keys/{id}.
func HandleDeleteConfigKey(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := requireUUIDPathParam(w, r, "id")
		if !ok {
			return
		}
		if err := cp.DeleteConfigKey(id); err != nil {
			writeServiceError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
