package usagelog

import (
	"fmt"
	"time"
)

// Timeline is the bucketed per-key usage series for an owner, shaped for the
// dashboard charts.
type Timeline struct {
	GroupBy string      `json:"group_by"`
	Period  string      `json:"period"`
	Labels  []string    `json:"labels"`
	Series  []KeySeries `json:"series"`
}

// KeySeries carries one config key's counts aligned with Timeline.Labels.
type KeySeries struct {
	KeyID  string  `json:"key_id"`
	Counts []int64 `json:"counts"`
}

// bucket formats per group_by. SQLite strftime and Go layouts must agree so
// query buckets match generated labels.
var bucketFormats = map[string]struct {
	sqlite string
	golang string
	step   func(time.Time) time.Time
}{
	"hour":  {"%Y-%m-%d %H:00", "2006-01-02 15:00", func(t time.Time) time.Time { return t.Add(time.Hour) }},
	"day":   {"%Y-%m-%d", "2006-01-02", func(t time.Time) time.Time { return t.AddDate(0, 0, 1) }},
	"month": {"%Y-%m", "2006-01", func(t time.Time) time.Time { return t.AddDate(0, 1, 0) }},
}

// ValidateTimelineParams checks group_by/period combinations: group_by must
// be hour, day, or month; period must be 7d or 30d; hour grouping is only
// allowed with the 7d period.
func ValidateTimelineParams(groupBy, period string) error {
	if _, ok := bucketFormats[groupBy]; !ok {
		return fmt.Errorf("group_by must be hour, day, or month")
	}
	if period != "7d" && period != "30d" {
		return fmt.Errorf("period must be 7d or 30d")
	}
	if groupBy == "hour" && period == "30d" {
		return fmt.Errorf("hour grouping only allowed with period=7d")
	}
	return nil
}

// timelineLabels builds the ordered bucket labels covering [from, now].
func timelineLabels(groupBy string, from, now time.Time) []string {
	f := bucketFormats[groupBy]
	var labels []string
	cur := from
	switch groupBy {
	case "hour":
		cur = cur.Truncate(time.Hour)
	case "day":
		cur = time.Date(cur.Year(), cur.Month(), cur.Day(), 0, 0, 0, 0, time.UTC)
	case "month":
		cur = time.Date(cur.Year(), cur.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
	for !cur.After(now) {
		labels = append(labels, cur.Format(f.golang))
		cur = f.step(cur)
	}
	return labels
}

// QueryTimeline returns bucketed per-key counts for an owner. keyIDs fixes
// the series order (typically the owner's keys oldest first); keys with no
// usage in the window produce all-zero series.
func (r *Repo) QueryTimeline(ownerID, groupBy, period string, keyIDs []string, now time.Time) (Timeline, error) {
	if err := ValidateTimelineParams(groupBy, period); err != nil {
		return Timeline{}, err
	}
	now = now.UTC()
	days := 30
	if period == "7d" {
		days = 7
	}
	from := now.AddDate(0, 0, -days)
	labels := timelineLabels(groupBy, from, now)

	f := bucketFormats[groupBy]
	rows, err := r.db.Query(fmt.Sprintf(`
		SELECT key_id, strftime('%s', ts_ns / 1000000000, 'unixepoch') AS bucket, COUNT(*)
		FROM usage_log
		WHERE owner_id = ? AND ts_ns >= ?
		GROUP BY key_id, bucket
	`, f.sqlite), ownerID, from.UnixNano())
	if err != nil {
		return Timeline{}, fmt.Errorf("usagelog: timeline query: %w", err)
	}
	defer rows.Close()

	perKey := make(map[string]map[string]int64)
	for rows.Next() {
		var keyID, bucket string
		var count int64
		if err := rows.Scan(&keyID, &bucket, &count); err != nil {
			return Timeline{}, err
		}
		if perKey[keyID] == nil {
			perKey[keyID] = make(map[string]int64)
		}
		perKey[keyID][bucket] = count
	}
	if err := rows.Err(); err != nil {
		return Timeline{}, err
	}

	tl := Timeline{GroupBy: groupBy, Period: period, Labels: labels, Series: []KeySeries{}}
	for _, keyID := range keyIDs {
		counts := make([]int64, len(labels))
		if buckets := perKey[keyID]; buckets != nil {
			for i, label := range labels {
				counts[i] = buckets[label]
			}
		}
		tl.Series = append(tl.Series, KeySeries{KeyID: keyID, Counts: counts})
	}
	return tl, nil
}
