package rule

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/latencypoison/poisond/internal/keystore"
	"github.com/latencypoison/poisond/internal/model"
)

// Limits carries the engine-wide bounds applied during resolution.
type Limits struct {
	MaxTargetURLLen     int
	MaxInjectLatencyMs  int
	DefaultMaxLatencyMs int
}

// KeyLookup is the read path the resolver needs from the keystore.
// *keystore.Store satisfies it.
type KeyLookup interface {
	GetBySlug(slug string) (model.ConfigKey, error)
}

// Resolver turns sandbox query parameters or persisted config keys into
// SimulationRules. It performs validation and lookup only; no side effects.
type Resolver struct {
	keys   KeyLookup
	limits Limits
}

// NewResolver creates a Resolver backed by the given key lookup.
func NewResolver(keys KeyLookup, limits Limits) *Resolver {
	if limits.MaxTargetURLLen <= 0 {
		limits.MaxTargetURLLen = 2048
	}
	if limits.MaxInjectLatencyMs <= 0 {
		limits.MaxInjectLatencyMs = 5000
	}
	if limits.DefaultMaxLatencyMs <= 0 {
		limits.DefaultMaxLatencyMs = 1000
	}
	return &Resolver{keys: keys, limits: limits}
}

// ValidateTargetURL checks that raw is a syntactically valid absolute http or
// https URL no longer than maxLen characters.
func ValidateTargetURL(raw string, maxLen int) error {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fmt.Errorf("%w: url is required", ErrInvalidTargetURL)
	}
	if len(trimmed) > maxLen {
		return fmt.Errorf("%w: url exceeds %d characters", ErrInvalidTargetURL, maxLen)
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTargetURL, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("%w: scheme must be http or https", ErrInvalidTargetURL)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: host must be non-empty", ErrInvalidTargetURL)
	}
	return nil
}

// ParseFailCodesCSV parses a comma-separated list of HTTP status codes.
// Empty input yields nil. Each code must be an integer in [100, 599].
func ParseFailCodesCSV(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	codes := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		code, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("%w: failCodes: %q is not an integer", ErrInvalidParameter, p)
		}
		if code < 100 || code > 599 {
			return nil, fmt.Errorf("%w: failCodes: %d out of range [100,599]", ErrInvalidParameter, code)
		}
		if !slices.Contains(codes, code) {
			codes = append(codes, code)
		}
	}
	return codes, nil
}

// ResolveSandbox builds a rule from ad-hoc sandbox query parameters.
// Out-of-range numeric values are clamped; malformed values are rejected.
func (r *Resolver) ResolveSandbox(q url.Values) (SimulationRule, error) {
	rawURL := q.Get("url")
	if err := ValidateTargetURL(rawURL, r.limits.MaxTargetURLLen); err != nil {
		return SimulationRule{}, err
	}

	failRate := 0.0
	if v := q.Get("failrate"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return SimulationRule{}, fmt.Errorf("%w: failrate: %q is not a number", ErrInvalidParameter, v)
		}
		failRate = clampFailRate(f)
	}

	minMs := 0
	if v := q.Get("minLatency"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return SimulationRule{}, fmt.Errorf("%w: minLatency: %q is not an integer", ErrInvalidParameter, v)
		}
		minMs = n
	}
	maxMs := r.limits.DefaultMaxLatencyMs
	if v := q.Get("maxLatency"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return SimulationRule{}, fmt.Errorf("%w: maxLatency: %q is not an integer", ErrInvalidParameter, v)
		}
		maxMs = n
	}
	minMs, maxMs = clampLatencyBounds(minMs, maxMs, r.limits.MaxInjectLatencyMs)

	codes, err := ParseFailCodesCSV(q.Get("failCodes"))
	if err != nil {
		return SimulationRule{}, err
	}
	if len(codes) == 0 {
		codes = slices.Clone(DefaultFailCodes)
	}

	return SimulationRule{
		TargetURL:    strings.TrimSpace(rawURL),
		FailRate:     failRate,
		MinLatencyMs: minMs,
		MaxLatencyMs: maxMs,
		FailCodes:    codes,
	}, nil
}

// ResolveKey looks up a persisted config key by slug and builds its rule.
// A missing slug yields ErrKeyNotFound; an inactive key yields ErrKeyInactive.
// There is never a fallback to a default rule.
func (r *Resolver) ResolveKey(slug string) (SimulationRule, model.ConfigKey, error) {
	k, err := r.keys.GetBySlug(slug)
	if err != nil {
		if errors.Is(err, keystore.ErrNotFound) {
			return SimulationRule{}, model.ConfigKey{}, ErrKeyNotFound
		}
		return SimulationRule{}, model.ConfigKey{}, fmt.Errorf("resolve key: %w", err)
	}
	if !k.IsActive {
		return SimulationRule{}, model.ConfigKey{}, ErrKeyInactive
	}

	if err := ValidateTargetURL(k.TargetURL, r.limits.MaxTargetURLLen); err != nil {
		return SimulationRule{}, model.ConfigKey{}, err
	}

	var codes []int
	if k.FailCodesJSON != "" {
		if err := json.Unmarshal([]byte(k.FailCodesJSON), &codes); err != nil {
			return SimulationRule{}, model.ConfigKey{}, fmt.Errorf("%w: fail_codes: %v", ErrInvalidParameter, err)
		}
	}
	for _, code := range codes {
		if code < 100 || code > 599 {
			return SimulationRule{}, model.ConfigKey{}, fmt.Errorf("%w: fail_codes: %d out of range [100,599]", ErrInvalidParameter, code)
		}
	}

	minMs, maxMs := clampLatencyBounds(k.MinLatencyMs, k.MaxLatencyMs, r.limits.MaxInjectLatencyMs)

	return SimulationRule{
		TargetURL:    strings.TrimSpace(k.TargetURL),
		FailRate:     clampFailRate(k.FailRate),
		MinLatencyMs: minMs,
		MaxLatencyMs: maxMs,
		FailCodes:    codes,
	}, k, nil
}
