// Package service implements the control plane operations behind the admin
// API: config key CRUD, usage queries, and system info.
package service

import (
	"time"
)

// SystemInfo contains version and runtime information.
type SystemInfo struct {
	Version   string    `json:"version"`
	GitCommit string    `json:"git_commit"`
	BuildTime string    `json:"build_time"`
	StartedAt time.Time `json:"started_at"`
}

// ServiceError is a typed error surfaced to the API layer, which maps the
// code to an HTTP status.
type ServiceError struct {
	Code    string // INVALID_ARGUMENT, NOT_FOUND, KEYS_LIMIT_EXCEEDED, INTERNAL
	Message string
	Err     error
}

func (e *ServiceError) Error() string { return e.Message }
func (e *ServiceError) Unwrap() error { return e.Err }

func invalidArg(msg string) *ServiceError {
	return &ServiceError{Code: "INVALID_ARGUMENT", Message: msg}
}

func notFound(msg string) *ServiceError {
	return &ServiceError{Code: "NOT_FOUND", Message: msg}
}

func keysLimitExceeded(msg string) *ServiceError {
	return &ServiceError{Code: "KEYS_LIMIT_EXCEEDED", Message: msg}
}

func internal(msg string, err error) *ServiceError {
	return &ServiceError{Code: "INTERNAL", Message: msg, Err: err}
}
