package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"

	"cdp-go/internal/cdp"
)

// CacheOptions sizes the presence cache.
type CacheOptions struct {
	Shards     int
	LifeWindow time.Duration
	MaxSizeMB  int
}

// DefaultCacheOptions returns settings suited to a few million hashes.
func DefaultCacheOptions() CacheOptions {
	return CacheOptions{Shards: 1024, LifeWindow: time.Hour, MaxSizeMB: 256}
}

// present is the value stored for every cached hash.
var present = []byte{1}

// CachedBackend remembers which chunk hashes the inner backend holds.
// Only presence is cached: chunks are never deleted, so an entry cannot go
// stale, while an absent hash is always asked of the inner backend.
type CachedBackend struct {
	cdp.Backend
	cache  *bigcache.BigCache
	logger cdp.Logger
}

// NewCachedBackend wraps inner with a bigcache of known hashes.
func NewCachedBackend(ctx context.Context, inner cdp.Backend, opts CacheOptions, logger cdp.Logger) (*CachedBackend, error) {
	if logger == nil {
		logger = cdp.NewNopLogger()
	}
	def := DefaultCacheOptions()
	if opts.Shards <= 0 {
		opts.Shards = def.Shards
	}
	if opts.LifeWindow <= 0 {
		opts.LifeWindow = def.LifeWindow
	}

	cfg := bigcache.DefaultConfig(opts.LifeWindow)
	cfg.Shards = opts.Shards
	cfg.CleanWindow = opts.LifeWindow / 2
	cfg.HardMaxCacheSize = opts.MaxSizeMB
	cfg.MaxEntrySize = len(present)
	cfg.Verbose = false

	cache, err := bigcache.New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create hash cache: %w", err)
	}
	return &CachedBackend{Backend: inner, cache: cache, logger: logger}, nil
}

func (c *CachedBackend) known(h cdp.Hash) bool {
	_, err := c.cache.Get(h.String())
	if err != nil && !errors.Is(err, bigcache.ErrEntryNotFound) {
		c.logger.Warn("hash cache lookup failed", "hash", h.String(), "error", err)
	}
	return err == nil
}

func (c *CachedBackend) remember(h cdp.Hash) {
	if err := c.cache.Set(h.String(), present); err != nil {
		c.logger.Warn("hash cache insert failed", "hash", h.String(), "error", err)
	}
}

// StoreChunk stores through the inner backend, skipping hashes already
// known to be present.
func (c *CachedBackend) StoreChunk(ctx context.Context, hash cdp.Hash, data []byte) error {
	if c.known(hash) {
		return nil
	}
	if err := c.Backend.StoreChunk(ctx, hash, data); err != nil {
		return err
	}
	c.remember(hash)
	return nil
}

// RetrieveChunk reads through the inner backend and remembers hits.
func (c *CachedBackend) RetrieveChunk(ctx context.Context, hash cdp.Hash) ([]byte, error) {
	data, err := c.Backend.RetrieveChunk(ctx, hash)
	if err == nil {
		c.remember(hash)
	}
	return data, err
}

// NeededHashes answers cached hashes locally and asks the inner backend
// about the rest. Hashes the inner backend reports as present are cached.
func (c *CachedBackend) NeededHashes(ctx context.Context, candidates []cdp.Hash) ([]cdp.Hash, error) {
	var misses []cdp.Hash
	for _, h := range cdp.HashList(candidates).Unique() {
		if !c.known(h) {
			misses = append(misses, h)
		}
	}
	if len(misses) == 0 {
		return nil, nil
	}

	needed, err := cdp.NeededHashes(ctx, c.Backend, misses)
	if err != nil {
		return nil, err
	}

	if _, ok := c.Backend.(cdp.NeededHashesFinder); ok {
		missing := make(map[cdp.Hash]struct{}, len(needed))
		for _, h := range needed {
			missing[h] = struct{}{}
		}
		for _, h := range misses {
			if _, ok := missing[h]; !ok {
				c.remember(h)
			}
		}
	}
	return needed, nil
}

// Len returns the number of cached hashes.
func (c *CachedBackend) Len() int { return c.cache.Len() }

// Close closes the cache and the inner backend.
func (c *CachedBackend) Close() error {
	var firstErr error
	if err := c.cache.Close(); err != nil {
		firstErr = fmt.Errorf("failed to close hash cache: %w", err)
	}
	if err := c.Backend.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

var _ cdp.Backend = (*CachedBackend)(nil)
var _ cdp.NeededHashesFinder = (*CachedBackend)(nil)
