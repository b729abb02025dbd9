// Package rule resolves inbound requests into concrete simulation rules:
// target URL, latency bounds, failure probability, and failure code set.
package rule

import "errors"

// SimulationRule is the ephemeral per-request rule the decision engine and
// forwarder operate on.
type SimulationRule struct {
	TargetURL    string
	FailRate     float64
	MinLatencyMs int
	MaxLatencyMs int
	FailCodes    []int
}

// DefaultFailCodes is used when a failure is rolled but the rule carries no
// failure codes.
var DefaultFailCodes = []int{500, 503}

// Resolution errors. The proxy layer maps these to HTTP statuses.
var (
	ErrInvalidTargetURL = errors.New("invalid target url")
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrKeyNotFound      = errors.New("config key not found")
	ErrKeyInactive      = errors.New("config key inactive")
)

// clampFailRate restricts a failure probability to [0, 1].
func clampFailRate(r float64) float64 {
	if r < 0 {
		return 0
	}
	if r > 1 {
		return 1
	}
	return r
}

// clampLatencyBounds restricts both bounds to [0, maxMs] and pins them equal
// when min exceeds max. The pin mirrors the dashboard sliders: dragging one
// bound past the other moves both to the same value, so both end up at the
// larger submitted bound rather than erroring.
func clampLatencyBounds(minMs, maxMs, capMs int) (int, int) {
	if minMs < 0 {
		minMs = 0
	}
	if maxMs < 0 {
		maxMs = 0
	}
	if minMs > capMs {
		minMs = capMs
	}
	if maxMs > capMs {
		maxMs = capMs
	}
	if minMs > maxMs {
		maxMs = minMs
	}
	return minMs, maxMs
}
