// Package proxy implements the simulation data plane: sandbox and key-based
// request handling, chaos injection, and upstream forwarding.
package proxy

import (
	"context"
	"errors"
	"net/http"
	"os"

	"github.com/latencypoison/poisond/internal/quota"
	"github.com/latencypoison/poisond/internal/rule"
)

// ProxyError represents a structured proxy error response.
type ProxyError struct {
	HTTPCode    int
	PoisonError string // X-Poison-Error header value
	Message     string // plain-text body
}

// Predefined proxy errors.
var (
	ErrInvalidTargetURL = &ProxyError{
		HTTPCode:    http.StatusBadRequest,
		PoisonError: "INVALID_TARGET_URL",
		Message:     "Target URL is missing, malformed, or not http/https",
	}
	ErrInvalidParameter = &ProxyError{
		HTTPCode:    http.StatusBadRequest,
		PoisonError: "INVALID_PARAMETER",
		Message:     "Malformed simulation parameter",
	}
	ErrKeyNotFound = &ProxyError{
		HTTPCode:    http.StatusNotFound,
		PoisonError: "KEY_NOT_FOUND",
		Message:     "Config key not found",
	}
	ErrKeyInactive = &ProxyError{
		HTTPCode:    http.StatusForbidden,
		PoisonError: "KEY_INACTIVE",
		Message:     "Config key is deactivated",
	}
	ErrMethodNotAllowed = &ProxyError{
		HTTPCode:    http.StatusMethodNotAllowed,
		PoisonError: "METHOD_NOT_ALLOWED",
		Message:     "Config key does not accept this HTTP method",
	}
	ErrRequestsLimitExceeded = &ProxyError{
		HTTPCode:    http.StatusTooManyRequests,
		PoisonError: "REQUESTS_LIMIT_EXCEEDED",
		Message:     "Monthly request limit exceeded for this plan",
	}
	ErrRateLimited = &ProxyError{
		HTTPCode:    http.StatusTooManyRequests,
		PoisonError: "RATE_LIMITED",
		Message:     "Sandbox rate limit exceeded",
	}
	ErrUpstreamTimeout = &ProxyError{
		HTTPCode:    http.StatusGatewayTimeout,
		PoisonError: "UPSTREAM_TIMEOUT",
		Message:     "Upstream did not respond in time",
	}
	ErrUpstreamUnreachable = &ProxyError{
		HTTPCode:    http.StatusBadGateway,
		PoisonError: "UPSTREAM_UNREACHABLE",
		Message:     "Failed to reach upstream",
	}
	ErrInternalError = &ProxyError{
		HTTPCode:    http.StatusInternalServerError,
		PoisonError: "INTERNAL_ERROR",
		Message:     "Internal proxy error",
	}
)

// writeProxyError writes a standardised proxy error response.
func writeProxyError(w http.ResponseWriter, pe *ProxyError) {
	w.Header().Set("X-Poison-Error", pe.PoisonError)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(pe.HTTPCode)
	w.Write([]byte(pe.Message))
}

// classifyUpstreamError maps an upstream error to the appropriate ProxyError.
// Returns nil for context.Canceled (client-initiated cancellation is not an
// upstream failure and produces no response).
func classifyUpstreamError(err error) *ProxyError {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	// Timeout (context deadline or OS-level).
	if os.IsTimeout(err) || errors.Is(err, context.DeadlineExceeded) {
		return ErrUpstreamTimeout
	}
	// Everything else: dial failure, DNS failure, connection reset.
	return ErrUpstreamUnreachable
}

// mapResolveError translates a rule resolution error into a ProxyError.
func mapResolveError(err error) *ProxyError {
	switch {
	case errors.Is(err, rule.ErrKeyNotFound):
		return ErrKeyNotFound
	case errors.Is(err, rule.ErrKeyInactive):
		return ErrKeyInactive
	case errors.Is(err, rule.ErrInvalidTargetURL):
		return ErrInvalidTargetURL
	case errors.Is(err, rule.ErrInvalidParameter):
		return ErrInvalidParameter
	default:
		return ErrInternalError
	}
}

// mapQuotaError translates a quota gate error into a ProxyError. Gate
// failures are fail-closed, so an unavailable snapshot also rejects.
func mapQuotaError(err error) *ProxyError {
	if errors.Is(err, quota.ErrRequestsLimitExceeded) {
		return ErrRequestsLimitExceeded
	}
	return ErrInternalError
}
