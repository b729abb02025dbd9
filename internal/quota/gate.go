package quota

import (
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

// Gate errors.
var (
	ErrRequestsLimitExceeded = errors.New("monthly request limit exceeded")
	ErrKeysLimitExceeded     = errors.New("config key limit exceeded")
	ErrQuotaUnavailable      = errors.New("quota snapshot unavailable")
)

// MonthlyCounter reads the persisted request count for an owner since the
// start of the current period. usagelog.Repo satisfies this interface.
type MonthlyCounter interface {
	CountSince(ownerID string, since time.Time) (int64, error)
}

// Gate admits or rejects key-mode requests against plan quotas.
//
// Counting is approximate across restarts and instances (the billing service
// is the source of truth); within one process it is a lazily seeded atomic
// counter per (owner, month) that never double-counts a single request.
type Gate struct {
	plans       PlanSource
	counts      MonthlyCounter
	resyncEvery int64

	// key: "<YYYY-MM>|<owner_id>"
	counters *xsync.Map[string, *atomic.Int64]
}

// NewGate creates a quota gate. resyncEvery controls how often (in admitted
// requests per owner) the in-memory counter is reconciled against storage;
// zero disables reconciliation.
func NewGate(plans PlanSource, counts MonthlyCounter, resyncEvery int) *Gate {
	return &Gate{
		plans:       plans,
		counts:      counts,
		resyncEvery: int64(resyncEvery),
		counters:    xsync.NewMap[string, *atomic.Int64](),
	}
}

// monthStart returns the first instant of now's month in UTC.
func monthStart(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func counterKey(ownerID string, now time.Time) string {
	return now.UTC().Format("2006-01") + "|" + ownerID
}

// Admit decides whether one more request for ownerID fits the plan's monthly
// request limit and, when it does, counts it. The gate fails closed: if the
// plan snapshot cannot be obtained the request is rejected.
func (g *Gate) Admit(ownerID string, now time.Time) error {
	q, err := g.plans.QuotaFor(ownerID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrQuotaUnavailable, err)
	}

	ctr, err := g.counter(ownerID, now)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrQuotaUnavailable, err)
	}

	if ctr.Load() >= int64(q.RequestsLimit) {
		return ErrRequestsLimitExceeded
	}
	n := ctr.Add(1)

	if g.resyncEvery > 0 && n%g.resyncEvery == 0 {
		go g.resync(ownerID, now, ctr)
	}
	return nil
}

// CheckKeysLimit rejects config-key creation when the owner already has
// currentKeys keys and the plan allows no more.
func (g *Gate) CheckKeysLimit(ownerID string, currentKeys int) error {
	q, err := g.plans.QuotaFor(ownerID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrQuotaUnavailable, err)
	}
	if currentKeys >= q.KeysLimit {
		return fmt.Errorf("%w: plan %s allows %d config keys", ErrKeysLimitExceeded, q.Plan, q.KeysLimit)
	}
	return nil
}

// counter returns the (owner, month) counter, seeding it from storage on
// first use. Old-month counters are left to be garbage collected with the map;
// their keys are never consulted again.
func (g *Gate) counter(ownerID string, now time.Time) (*atomic.Int64, error) {
	key := counterKey(ownerID, now)
	if ctr, ok := g.counters.Load(key); ok {
		return ctr, nil
	}

	persisted, err := g.counts.CountSince(ownerID, monthStart(now))
	if err != nil {
		return nil, err
	}
	seeded := new(atomic.Int64)
	seeded.Store(persisted)
	ctr, _ := g.counters.LoadOrStore(key, seeded)
	return ctr, nil
}

// resync lifts the in-memory counter up to the persisted count when storage
// is ahead (another instance wrote entries). It never lowers the counter, so
// in-flight admissions are not forgotten.
func (g *Gate) resync(ownerID string, now time.Time, ctr *atomic.Int64) {
	persisted, err := g.counts.CountSince(ownerID, monthStart(now))
	if err != nil {
		log.Printf("[quota] resync owner=%s failed: %v", ownerID, err)
		return
	}
	for {
		cur := ctr.Load()
		if persisted <= cur {
			return
		}
		if ctr.CompareAndSwap(cur, persisted) {
			return
		}
	}
}
