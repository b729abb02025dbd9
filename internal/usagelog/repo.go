// Package usagelog implements the usage metering subsystem. Entries are
// written asynchronously to SQLite and feed the dashboard timeline/summary
// queries and the quota gate's monthly counts.
package usagelog

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/latencypoison/poisond/internal/model"
)

// CreateDDL defines the schema for usage.db.
const CreateDDL = `
CREATE TABLE IF NOT EXISTS usage_log (
	key_id         TEXT NOT NULL,
	owner_id       TEXT NOT NULL,
	ts_ns          INTEGER NOT NULL,
	status         INTEGER NOT NULL DEFAULT 0,
	latency_ms     INTEGER NOT NULL DEFAULT 0,
	synthetic      INTEGER NOT NULL DEFAULT 0,
	client_country TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_usage_log_ts       ON usage_log(ts_ns);
CREATE INDEX IF NOT EXISTS idx_usage_log_owner_ts ON usage_log(owner_id, ts_ns);
CREATE INDEX IF NOT EXISTS idx_usage_log_key_ts   ON usage_log(key_id, ts_ns);
`

// Repo wraps usage.db.
type Repo struct {
	db *sql.DB
}

// NewRepo creates a Repo and ensures the schema exists.
func NewRepo(db *sql.DB) (*Repo, error) {
	if _, err := db.Exec(CreateDDL); err != nil {
		return nil, fmt.Errorf("usagelog: init schema: %w", err)
	}
	return &Repo{db: db}, nil
}

// InsertBatch inserts a batch of usage entries in one transaction and returns
// the number of rows inserted. Individual row failures are logged and skipped.
func (r *Repo) InsertBatch(entries []model.UsageEntry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}

	tx, err := r.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("usagelog: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.Prepare(`INSERT INTO usage_log (
		key_id, owner_id, ts_ns, status, latency_ms, synthetic, client_country
	) VALUES (?,?,?,?,?,?,?)`)
	if err != nil {
		return 0, fmt.Errorf("usagelog: prepare: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for i := range entries {
		e := &entries[i]
		synthetic := 0
		if e.SyntheticFailure {
			synthetic = 1
		}
		if _, err := stmt.Exec(e.KeyID, e.OwnerID, e.TsNs, e.ResultingStatus,
			e.ObservedLatencyMs, synthetic, e.ClientCountry); err != nil {
			log.Printf("[usagelog] warning: skip row key_id=%s insert failed: %v", e.KeyID, err)
			continue
		}
		inserted++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("usagelog: commit: %w", err)
	}
	return inserted, nil
}

// CountSince returns the number of usage entries for an owner at or after
// since. Used by the quota gate to seed monthly counters.
func (r *Repo) CountSince(ownerID string, since time.Time) (int64, error) {
	var n int64
	err := r.db.QueryRow(
		"SELECT COUNT(*) FROM usage_log WHERE owner_id = ? AND ts_ns >= ?",
		ownerID, since.UnixNano(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("usagelog: count since: %w", err)
	}
	return n, nil
}

// KeyCount pairs a config key with its total request count.
type KeyCount struct {
	KeyID string `json:"key_id"`
	Count int64  `json:"count"`
}

// Summary is the all-time usage rollup for an owner.
type Summary struct {
	TotalRequests int64      `json:"total_requests"`
	ByKey         []KeyCount `json:"by_key"`
}

// Summarize returns total and per-key counts for an owner.
func (r *Repo) Summarize(ownerID string) (Summary, error) {
	s := Summary{ByKey: []KeyCount{}}

	err := r.db.QueryRow(
		"SELECT COUNT(*) FROM usage_log WHERE owner_id = ?", ownerID,
	).Scan(&s.TotalRequests)
	if err != nil {
		return Summary{}, fmt.Errorf("usagelog: summarize total: %w", err)
	}

	rows, err := r.db.Query(`
		SELECT key_id, COUNT(*) FROM usage_log
		WHERE owner_id = ?
		GROUP BY key_id
		ORDER BY key_id
	`, ownerID)
	if err != nil {
		return Summary{}, fmt.Errorf("usagelog: summarize by key: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var kc KeyCount
		if err := rows.Scan(&kc.KeyID, &kc.Count); err != nil {
			return Summary{}, err
		}
		s.ByKey = append(s.ByKey, kc)
	}
	return s, rows.Err()
}

// PruneOlderThan deletes entries older than cutoff and returns how many rows
// were removed.
func (r *Repo) PruneOlderThan(cutoff time.Time) (int64, error) {
	res, err := r.db.Exec("DELETE FROM usage_log WHERE ts_ns < ?", cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("usagelog: prune: %w", err)
	}
	return res.RowsAffected()
}
