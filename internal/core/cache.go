package core

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/inter-actief/courier/internal/domain/model"
)

// CacheRepository defines the interface for caching operations.
// The core defines the interface and the data layer provides the Redis implementation.
type CacheRepository interface {
	// Set stores a value in the cache with the given key and TTL.
	// If TTL is 0, the key will not expire.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get retrieves a value from the cache by key.
	// Returns nil if the key doesn't exist or has expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes a key from the cache.
	// Returns true if the key was deleted, false if it didn't exist.
	Delete(ctx context.Context, key string) (bool, error)

	// Exists checks if a key exists in the cache.
	Exists(ctx context.Context, key string) (bool, error)

	// SetTTL updates the TTL for an existing key.
	// Returns true if the key exists and TTL was updated.
	SetTTL(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// SetIfNotExists atomically sets a key only if it doesn't already exist.
	// Returns true if the key was set, false if it already existed.
	SetIfNotExists(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Health checks the health of the cache connection.
	Health(ctx context.Context) error
}

// ExportStatusCache caches the status polling view of an export by download code.
// A nil cache or nil *ExportStatusCache disables caching.
type ExportStatusCache struct {
	cache CacheRepository
	ttl   time.Duration
}

// ExportStatusCacheOptions bundles dependencies for NewExportStatusCache.
type ExportStatusCacheOptions struct {
	Cache CacheRepository
	TTL   time.Duration
}

// DefaultExportStatusTTL is used when no TTL is configured.
const DefaultExportStatusTTL = 30 * time.Second

// NewExportStatusCache creates a new ExportStatusCache.
func NewExportStatusCache(opts ExportStatusCacheOptions) *ExportStatusCache {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultExportStatusTTL
	}
	return &ExportStatusCache{cache: opts.Cache, ttl: ttl}
}

// Get returns the cached view, or nil on a miss.
func (c *ExportStatusCache) Get(ctx context.Context, code string) (*model.ExportStatusView, error) {
	if c == nil || c.cache == nil || code == "" {
		return nil, nil
	}
	raw, err := c.cache.Get(ctx, exportStatusKey(code))
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	var view model.ExportStatusView
	if err := json.Unmarshal(raw, &view); err != nil {
		// A corrupt entry is a miss; the next Put overwrites it.
		return nil, nil //nolint:nilerr // treat undecodable cache entries as misses
	}
	return &view, nil
}

// Put stores the view for code.
func (c *ExportStatusCache) Put(ctx context.Context, code string, view *model.ExportStatusView) error {
	if c == nil || c.cache == nil || code == "" || view == nil {
		return nil
	}
	raw, err := json.Marshal(view)
	if err != nil {
		return fmt.Errorf("marshal export status: %w", err)
	}
	return c.cache.Set(ctx, exportStatusKey(code), raw, c.ttl)
}

// Invalidate drops the cached view for code.
func (c *ExportStatusCache) Invalidate(ctx context.Context, code string) error {
	if c == nil || c.cache == nil || code == "" {
		return nil
	}
	_, err := c.cache.Delete(ctx, exportStatusKey(code))
	return err
}

func exportStatusKey(code string) string {
	return "courier:export:status:" + code
}

// OnceGuard claims a named action so concurrent duplicates skip it.
// Without a cache every claim succeeds.
type OnceGuard struct {
	cache  CacheRepository
	prefix string
	ttl    time.Duration
}

// NewOnceGuard returns a guard whose keys are prefix + id.
func NewOnceGuard(cache CacheRepository, prefix string, ttl time.Duration) *OnceGuard {
	return &OnceGuard{cache: cache, prefix: prefix, ttl: ttl}
}

// Claim returns true if the caller won the right to perform the action for id.
func (g *OnceGuard) Claim(ctx context.Context, id string) (bool, error) {
	if g == nil || g.cache == nil {
		return true, nil
	}
	return g.cache.SetIfNotExists(ctx, g.prefix+id, []byte("1"), g.ttl)
}

// Release gives the claim back so a later retry can perform the action.
func (g *OnceGuard) Release(ctx context.Context, id string) error {
	if g == nil || g.cache == nil {
		return nil
	}
	_, err := g.cache.Delete(ctx, g.prefix+id)
	return err
}
