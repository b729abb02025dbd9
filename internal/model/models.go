// Package model defines domain structs shared across the persistence layer.
package model

// ConfigKey is a persisted, user-owned routing rule: slug → target URL plus
// chaos parameters.
type ConfigKey struct {
	ID            string  `json:"id"`
	Key           string  `json:"key"`
	OwnerID       string  `json:"owner_id"`
	Name          string  `json:"name"`
	TargetURL     string  `json:"target_url"`
	FailRate      float64 `json:"fail_rate"`
	MinLatencyMs  int     `json:"min_latency_ms"`
	MaxLatencyMs  int     `json:"max_latency_ms"`
	FailCodesJSON string  `json:"fail_codes_json"`
	Method        string  `json:"method"`
	IsActive      bool    `json:"is_active"`
	CreatedAtNs   int64   `json:"created_at_ns"`
	UpdatedAtNs   int64   `json:"updated_at_ns"`
}

// UsageEntry is one append-only usage record per request that reached the
// decision engine for a persisted config key.
type UsageEntry struct {
	KeyID             string `json:"key_id"`
	OwnerID           string `json:"owner_id"`
	TsNs              int64  `json:"ts_ns"`
	ResultingStatus   int    `json:"resulting_status"`
	ObservedLatencyMs int64  `json:"observed_latency_ms"`
	SyntheticFailure  bool   `json:"synthetic_failure"`
	ClientCountry     string `json:"client_country"`
}

// PlanQuota is a read-only snapshot of an owner's plan limits, sourced from
// the external billing/account service.
type PlanQuota struct {
	Plan          string `json:"plan"`
	KeysLimit     int    `json:"keys_limit"`
	RequestsLimit int    `json:"requests_limit"`
}
