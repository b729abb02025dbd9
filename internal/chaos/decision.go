// Package chaos implements the per-request decision engine: it draws
// randomness to decide pass-through vs. synthetic failure and an injected
// delay within the rule's latency bounds.
package chaos

import (
	"math/rand/v2"
	"sync"

	"github.com/latencypoison/poisond/internal/rule"
)

// Decision is the outcome of one decision-engine draw.
type Decision struct {
	WillFail   bool
	StatusCode int // chosen failure code; 0 when WillFail is false
	DelayMs    int
}

var decisionRNGPool = sync.Pool{
	New: func() any {
		return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	},
}

// Decide draws the failure roll and the injected delay for one request.
// Latency injection and failure injection are independent axes: the delay
// applies whether or not the request will fail.
func Decide(r rule.SimulationRule) Decision {
	rng := decisionRNGPool.Get().(*rand.Rand)
	defer decisionRNGPool.Put(rng)

	d := Decision{
		DelayMs: delayWithin(rng, r.MinLatencyMs, r.MaxLatencyMs),
	}

	// fail_rate 0 must never fail and fail_rate 1 must always fail, so the
	// roll compares a uniform draw from [0,1) against the rate.
	if r.FailRate > 0 && rng.Float64() < r.FailRate {
		d.WillFail = true
		d.StatusCode = pickFailCode(rng, r.FailCodes)
	}
	return d
}

// delayWithin draws uniformly from [minMs, maxMs] inclusive.
func delayWithin(rng *rand.Rand, minMs, maxMs int) int {
	if maxMs <= minMs {
		return minMs
	}
	return minMs + rng.IntN(maxMs-minMs+1)
}

// pickFailCode picks one code uniformly; an empty set falls back to the
// default codes.
func pickFailCode(rng *rand.Rand, codes []int) int {
	if len(codes) == 0 {
		codes = rule.DefaultFailCodes
	}
	return codes[rng.IntN(len(codes))]
}
