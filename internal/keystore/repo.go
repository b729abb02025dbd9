package keystore

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/latencypoison/poisond/internal/model"
)

// ErrNotFound is returned when a config key does not exist.
var ErrNotFound = errors.New("config key not found")

// Repo wraps state.db and provides transactional CRUD for config keys.
// All writes are serialized by an internal mutex.
type Repo struct {
	db *sql.DB
	mu sync.Mutex
}

// NewRepo creates a Repo for the given state.db connection.
func NewRepo(db *sql.DB) *Repo {
	return &Repo{db: db}
}

const configKeyColumns = `id, key, owner_id, name, target_url, fail_rate,
	min_latency_ms, max_latency_ms, fail_codes_json, method, is_active,
	created_at_ns, updated_at_ns`

func scanConfigKey(row interface{ Scan(...any) error }) (model.ConfigKey, error) {
	var k model.ConfigKey
	var active int
	err := row.Scan(&k.ID, &k.Key, &k.OwnerID, &k.Name, &k.TargetURL, &k.FailRate,
		&k.MinLatencyMs, &k.MaxLatencyMs, &k.FailCodesJSON, &k.Method, &active,
		&k.CreatedAtNs, &k.UpdatedAtNs)
	if err != nil {
		return model.ConfigKey{}, err
	}
	k.IsActive = active != 0
	return k, nil
}

// Insert adds a new config key. The UNIQUE constraint on the slug surfaces
// as an error to the caller.
func (r *Repo) Insert(k model.ConfigKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.Exec(`
		INSERT INTO config_keys (id, key, owner_id, name, target_url, fail_rate,
		                         min_latency_ms, max_latency_ms, fail_codes_json,
		                         method, is_active, created_at_ns, updated_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, k.ID, k.Key, k.OwnerID, k.Name, k.TargetURL, k.FailRate,
		k.MinLatencyMs, k.MaxLatencyMs, k.FailCodesJSON,
		k.Method, boolToInt(k.IsActive), k.CreatedAtNs, k.UpdatedAtNs)
	if err != nil {
		return fmt.Errorf("insert config key: %w", err)
	}
	return nil
}

// Update overwrites the mutable attributes of a config key by ID.
// Identity fields (id, key, owner_id, created_at_ns) are never updated.
func (r *Repo) Update(k model.ConfigKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.Exec(`
		UPDATE config_keys SET
			name            = ?,
			target_url      = ?,
			fail_rate       = ?,
			min_latency_ms  = ?,
			max_latency_ms  = ?,
			fail_codes_json = ?,
			method          = ?,
			is_active       = ?,
			updated_at_ns   = ?
		WHERE id = ?
	`, k.Name, k.TargetURL, k.FailRate, k.MinLatencyMs, k.MaxLatencyMs,
		k.FailCodesJSON, k.Method, boolToInt(k.IsActive), k.UpdatedAtNs, k.ID)
	if err != nil {
		return fmt.Errorf("update config key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a config key by ID.
func (r *Repo) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.Exec("DELETE FROM config_keys WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete config key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetByID returns a config key by ID.
func (r *Repo) GetByID(id string) (model.ConfigKey, error) {
	row := r.db.QueryRow("SELECT "+configKeyColumns+" FROM config_keys WHERE id = ?", id)
	k, err := scanConfigKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ConfigKey{}, ErrNotFound
	}
	if err != nil {
		return model.ConfigKey{}, fmt.Errorf("get config key by id: %w", err)
	}
	return k, nil
}

// GetBySlug returns a config key by its routable slug.
func (r *Repo) GetBySlug(slug string) (model.ConfigKey, error) {
	row := r.db.QueryRow("SELECT "+configKeyColumns+" FROM config_keys WHERE key = ?", slug)
	k, err := scanConfigKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ConfigKey{}, ErrNotFound
	}
	if err != nil {
		return model.ConfigKey{}, fmt.Errorf("get config key by slug: %w", err)
	}
	return k, nil
}

// ListByOwner returns all config keys for an owner, oldest first.
func (r *Repo) ListByOwner(ownerID string) ([]model.ConfigKey, error) {
	rows, err := r.db.Query(
		"SELECT "+configKeyColumns+" FROM config_keys WHERE owner_id = ? ORDER BY created_at_ns",
		ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("list config keys: %w", err)
	}
	defer rows.Close()

	var result []model.ConfigKey
	for rows.Next() {
		k, err := scanConfigKey(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, k)
	}
	return result, rows.Err()
}

// CountByOwner returns the number of config keys an owner has.
func (r *Repo) CountByOwner(ownerID string) (int, error) {
	var n int
	err := r.db.QueryRow("SELECT COUNT(*) FROM config_keys WHERE owner_id = ?", ownerID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count config keys: %w", err)
	}
	return n, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
