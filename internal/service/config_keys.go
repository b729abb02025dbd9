package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/latencypoison/poisond/internal/keystore"
	"github.com/latencypoison/poisond/internal/model"
	"github.com/latencypoison/poisond/internal/quota"
	"github.com/latencypoison/poisond/internal/rule"
	"github.com/latencypoison/poisond/internal/usagelog"
)

// ControlPlaneService holds the dependencies for admin API operations.
type ControlPlaneService struct {
	store     *keystore.Store
	gate      *quota.Gate
	usageRepo *usagelog.Repo
	limits    rule.Limits
}

// NewControlPlaneService creates the control plane service.
func NewControlPlaneService(store *keystore.Store, gate *quota.Gate, usageRepo *usagelog.Repo, limits rule.Limits) *ControlPlaneService {
	return &ControlPlaneService{store: store, gate: gate, usageRepo: usageRepo, limits: limits}
}

// ConfigKeyResponse is the API representation of a config key.
type ConfigKeyResponse struct {
	ID           string  `json:"id"`
	Key          string  `json:"key"`
	OwnerID      string  `json:"owner_id"`
	Name         string  `json:"name"`
	TargetURL    string  `json:"target_url"`
	FailRate     float64 `json:"fail_rate"`
	MinLatencyMs int     `json:"min_latency_ms"`
	MaxLatencyMs int     `json:"max_latency_ms"`
	FailCodes    []int   `json:"fail_codes"`
	Method       string  `json:"method"`
	IsActive     bool    `json:"is_active"`
	CreatedAt    string  `json:"created_at"`
	UpdatedAt    string  `json:"updated_at"`
}

// CreateConfigKeyRequest is the body for POST /api/config-keys.
// Omitted chaos fields fall back to a plain pass-through rule.
type CreateConfigKeyRequest struct {
	OwnerID      string   `json:"owner_id"`
	Name         string   `json:"name"`
	TargetURL    string   `json:"target_url"`
	FailRate     *float64 `json:"fail_rate"`
	MinLatencyMs *int     `json:"min_latency_ms"`
	MaxLatencyMs *int     `json:"max_latency_ms"`
	FailCodes    []int    `json:"fail_codes"`
	Method       *string  `json:"method"`
}

// UpdateConfigKeyRequest is the body for PATCH /api/config-keys/{id}.
// Only non-nil fields are applied.
type UpdateConfigKeyRequest struct {
	Name         *string  `json:"name"`
	TargetURL    *string  `json:"target_url"`
	FailRate     *float64 `json:"fail_rate"`
	MinLatencyMs *int     `json:"min_latency_ms"`
	MaxLatencyMs *int     `json:"max_latency_ms"`
	FailCodes    []int    `json:"fail_codes"`
	Method       *string  `json:"method"`
	IsActive     *bool    `json:"is_active"`
}

func toResponse(k model.ConfigKey) ConfigKeyResponse {
	codes := rule.DefaultFailCodes
	var parsed []int
	if err := json.Unmarshal([]byte(k.FailCodesJSON), &parsed); err == nil && len(parsed) > 0 {
		codes = parsed
	}
	return ConfigKeyResponse{
		ID:           k.ID,
		Key:          k.Key,
		OwnerID:      k.OwnerID,
		Name:         k.Name,
		TargetURL:    k.TargetURL,
		FailRate:     k.FailRate,
		MinLatencyMs: k.MinLatencyMs,
		MaxLatencyMs: k.MaxLatencyMs,
		FailCodes:    append([]int(nil), codes...),
		Method:       k.Method,
		IsActive:     k.IsActive,
		CreatedAt:    time.Unix(0, k.CreatedAtNs).UTC().Format(time.RFC3339),
		UpdatedAt:    time.Unix(0, k.UpdatedAtNs).UTC().Format(time.RFC3339),
	}
}

// allowedMethods are the method restrictions a config key may carry. ANY
// disables the restriction.
var allowedMethods = map[string]bool{
	"ANY":              true,
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodPost:    true,
	http.MethodPut:     true,
	http.MethodPatch:   true,
	http.MethodDelete:  true,
	http.MethodOptions: true,
}

func (s *ControlPlaneService) validateChaosFields(failRate float64, minMs, maxMs int, failCodes []int) error {
	if failRate < 0 || failRate > 1 {
		return invalidArg("fail_rate must be between 0 and 1")
	}
	if minMs < 0 || maxMs < 0 {
		return invalidArg("latency bounds must be non-negative")
	}
	if maxMs > s.limits.MaxInjectLatencyMs {
		return invalidArg(fmt.Sprintf("max_latency_ms must be <= %d", s.limits.MaxInjectLatencyMs))
	}
	if minMs > maxMs {
		return invalidArg("min_latency_ms must be <= max_latency_ms")
	}
	for _, c := range failCodes {
		if c < 100 || c > 599 {
			return invalidArg(fmt.Sprintf("fail_codes: %d out of range [100,599]", c))
		}
	}
	return nil
}

// ListConfigKeys returns an owner's keys, oldest first.
func (s *ControlPlaneService) ListConfigKeys(ownerID string) ([]ConfigKeyResponse, error) {
	if ownerID == "" {
		return nil, invalidArg("owner_id is required")
	}
	keys, err := s.store.Repo().ListByOwner(ownerID)
	if err != nil {
		return nil, internal("list config keys", err)
	}
	out := make([]ConfigKeyResponse, 0, len(keys))
	for _, k := range keys {
		out = append(out, toResponse(k))
	}
	return out, nil
}

// GetConfigKey returns a single key by ID.
func (s *ControlPlaneService) GetConfigKey(id string) (ConfigKeyResponse, error) {
	k, err := s.store.Repo().GetByID(id)
	if errors.Is(err, keystore.ErrNotFound) {
		return ConfigKeyResponse{}, notFound("config key not found")
	}
	if err != nil {
		return ConfigKeyResponse{}, internal("get config key", err)
	}
	return toResponse(k), nil
}

// CreateConfigKey validates the request, enforces the owner's key quota, and
// persists a new key with a freshly generated slug.
func (s *ControlPlaneService) CreateConfigKey(req CreateConfigKeyRequest) (ConfigKeyResponse, error) {
	if req.OwnerID == "" {
		return ConfigKeyResponse{}, invalidArg("owner_id is required")
	}
	if err := rule.ValidateTargetURL(req.TargetURL, s.limits.MaxTargetURLLen); err != nil {
		return ConfigKeyResponse{}, invalidArg(err.Error())
	}

	failRate := 0.0
	if req.FailRate != nil {
		failRate = *req.FailRate
	}
	minMs := 0
	if req.MinLatencyMs != nil {
		minMs = *req.MinLatencyMs
	}
	maxMs := s.limits.DefaultMaxLatencyMs
	if req.MaxLatencyMs != nil {
		maxMs = *req.MaxLatencyMs
	}
	failCodes := req.FailCodes
	if len(failCodes) == 0 {
		failCodes = rule.DefaultFailCodes
	}
	method := "ANY"
	if req.Method != nil {
		method = strings.ToUpper(*req.Method)
	}
	if !allowedMethods[method] {
		return ConfigKeyResponse{}, invalidArg("method must be ANY or a standard HTTP verb")
	}
	if err := s.validateChaosFields(failRate, minMs, maxMs, failCodes); err != nil {
		return ConfigKeyResponse{}, err
	}

	count, err := s.store.Repo().CountByOwner(req.OwnerID)
	if err != nil {
		return ConfigKeyResponse{}, internal("count config keys", err)
	}
	if err := s.gate.CheckKeysLimit(req.OwnerID, count); err != nil {
		if errors.Is(err, quota.ErrKeysLimitExceeded) {
			return ConfigKeyResponse{}, keysLimitExceeded(err.Error())
		}
		return ConfigKeyResponse{}, internal("check key quota", err)
	}

	codesJSON, err := json.Marshal(failCodes)
	if err != nil {
		return ConfigKeyResponse{}, internal("encode fail codes", err)
	}
	now := time.Now().UnixNano()
	k := model.ConfigKey{
		ID:            uuid.NewString(),
		Key:           keystore.NewKeySlug(),
		OwnerID:       req.OwnerID,
		Name:          req.Name,
		TargetURL:     strings.TrimSpace(req.TargetURL),
		FailRate:      failRate,
		MinLatencyMs:  minMs,
		MaxLatencyMs:  maxMs,
		FailCodesJSON: string(codesJSON),
		Method:        method,
		IsActive:      true,
		CreatedAtNs:   now,
		UpdatedAtNs:   now,
	}
	if err := s.store.Repo().Insert(k); err != nil {
		return ConfigKeyResponse{}, internal("insert config key", err)
	}
	return toResponse(k), nil
}

// UpdateConfigKey applies a partial update and invalidates the slug cache so
// the data plane picks the change up immediately.
func (s *ControlPlaneService) UpdateConfigKey(id string, req UpdateConfigKeyRequest) (ConfigKeyResponse, error) {
	k, err := s.store.Repo().GetByID(id)
	if errors.Is(err, keystore.ErrNotFound) {
		return ConfigKeyResponse{}, notFound("config key not found")
	}
	if err != nil {
		return ConfigKeyResponse{}, internal("get config key", err)
	}

	if req.Name != nil {
		k.Name = *req.Name
	}
	if req.TargetURL != nil {
		if err := rule.ValidateTargetURL(*req.TargetURL, s.limits.MaxTargetURLLen); err != nil {
			return ConfigKeyResponse{}, invalidArg(err.Error())
		}
		k.TargetURL = strings.TrimSpace(*req.TargetURL)
	}
	if req.FailRate != nil {
		k.FailRate = *req.FailRate
	}
	if req.MinLatencyMs != nil {
		k.MinLatencyMs = *req.MinLatencyMs
	}
	if req.MaxLatencyMs != nil {
		k.MaxLatencyMs = *req.MaxLatencyMs
	}
	if req.Method != nil {
		m := strings.ToUpper(*req.Method)
		if !allowedMethods[m] {
			return ConfigKeyResponse{}, invalidArg("method must be ANY or a standard HTTP verb")
		}
		k.Method = m
	}
	if req.IsActive != nil {
		k.IsActive = *req.IsActive
	}

	failCodes := req.FailCodes
	if failCodes == nil {
		var stored []int
		if err := json.Unmarshal([]byte(k.FailCodesJSON), &stored); err == nil {
			failCodes = stored
		}
	}
	if err := s.validateChaosFields(k.FailRate, k.MinLatencyMs, k.MaxLatencyMs, failCodes); err != nil {
		return ConfigKeyResponse{}, err
	}
	if req.FailCodes != nil {
		codesJSON, err := json.Marshal(req.FailCodes)
		if err != nil {
			return ConfigKeyResponse{}, internal("encode fail codes", err)
		}
		k.FailCodesJSON = string(codesJSON)
	}
	k.UpdatedAtNs = time.Now().UnixNano()

	if err := s.store.Repo().Update(k); err != nil {
		return ConfigKeyResponse{}, internal("update config key", err)
	}
	s.store.Invalidate(k.Key)
	return toResponse(k), nil
}

// DeleteConfigKey removes a key and invalidates its slug cache entry.
func (s *ControlPlaneService) DeleteConfigKey(id string) error {
	k, err := s.store.Repo().GetByID(id)
	if errors.Is(err, keystore.ErrNotFound) {
		return notFound("config key not found")
	}
	if err != nil {
		return internal("get config key", err)
	}
	if err := s.store.Repo().Delete(id); err != nil {
		if errors.Is(err, keystore.ErrNotFound) {
			return notFound("config key not found")
		}
		return internal("delete config key", err)
	}
	s.store.Invalidate(k.Key)
	return nil
}
