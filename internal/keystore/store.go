package keystore

import (
	"errors"
	"fmt"
	"time"

	"github.com/maypok86/otter"

	"github.com/latencypoison/poisond/internal/model"
)

// cachedLookup caches both hits and misses so a flood of requests for an
// unknown slug does not hammer SQLite.
type cachedLookup struct {
	key   model.ConfigKey
	found bool
}

// Store is a read-through cache over Repo for the proxy hot path.
// Entries expire after a short TTL; control-plane mutations invalidate
// eagerly so rule changes take effect without waiting for expiry.
type Store struct {
	repo  *Repo
	cache otter.Cache[string, cachedLookup]
}

// NewStore creates a Store bounded to maxEntries slugs with the given TTL.
func NewStore(repo *Repo, maxEntries int, ttl time.Duration) (*Store, error) {
	cache, err := otter.MustBuilder[string, cachedLookup](maxEntries).
		Cost(func(_ string, _ cachedLookup) uint32 { return 1 }).
		WithTTL(ttl).
		Build()
	if err != nil {
		return nil, fmt.Errorf("keystore: build cache: %w", err)
	}
	return &Store{repo: repo, cache: cache}, nil
}

// GetBySlug returns the config key for a slug, consulting the cache first.
func (s *Store) GetBySlug(slug string) (model.ConfigKey, error) {
	if v, ok := s.cache.Get(slug); ok {
		if !v.found {
			return model.ConfigKey{}, ErrNotFound
		}
		return v.key, nil
	}

	k, err := s.repo.GetBySlug(slug)
	if errors.Is(err, ErrNotFound) {
		s.cache.Set(slug, cachedLookup{found: false})
		return model.ConfigKey{}, ErrNotFound
	}
	if err != nil {
		return model.ConfigKey{}, err
	}
	s.cache.Set(slug, cachedLookup{key: k, found: true})
	return k, nil
}

// Invalidate drops a slug from the cache after a control-plane mutation.
func (s *Store) Invalidate(slug string) {
	s.cache.Delete(slug)
}

// Repo exposes the underlying repository for control-plane CRUD.
func (s *Store) Repo() *Repo {
	return s.repo
}
