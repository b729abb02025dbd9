package service

import (
	"time"

	"github.com/latencypoison/poisond/internal/usagelog"
)

// UsageSummary returns the all-time usage rollup for an owner.
func (s *ControlPlaneService) UsageSummary(ownerID string) (usagelog.Summary, error) {
	if ownerID == "" {
		return usagelog.Summary{}, invalidArg("owner_id is required")
	}
	sum, err := s.usageRepo.Summarize(ownerID)
	if err != nil {
		return usagelog.Summary{}, internal("summarize usage", err)
	}
	return sum, nil
}

// UsageTimeline returns bucketed per-key usage for an owner's dashboard
// charts. Series are ordered by key creation time, oldest first, and keys
// without traffic in the window still get an all-zero series.
func (s *ControlPlaneService) UsageTimeline(ownerID, groupBy, period string) (usagelog.Timeline, error) {
	if ownerID == "" {
		return usagelog.Timeline{}, invalidArg("owner_id is required")
	}
	if err := usagelog.ValidateTimelineParams(groupBy, period); err != nil {
		return usagelog.Timeline{}, invalidArg(err.Error())
	}

	keys, err := s.store.Repo().ListByOwner(ownerID)
	if err != nil {
		return usagelog.Timeline{}, internal("list config keys", err)
	}
	keyIDs := make([]string, 0, len(keys))
	for _, k := range keys {
		keyIDs = append(keyIDs, k.ID)
	}

	tl, err := s.usageRepo.QueryTimeline(ownerID, groupBy, period, keyIDs, time.Now().UTC())
	if err != nil {
		return usagelog.Timeline{}, internal("query usage timeline", err)
	}
	return tl, nil
}
