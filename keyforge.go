// Package keyforge derives deterministic RSA key material from seed
// sources, backed by a two-tier cache and a priority worker pool. It is
// the composition root: callers that need finer control can assemble the
// subpackages directly.
package keyforge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/keymint/keyforge/fingerprint"
	"github.com/keymint/keyforge/keycache"
	"github.com/keymint/keyforge/keymat"
	"github.com/keymint/keyforge/offload"
	"github.com/keymint/keyforge/seedsource"
)

// Config assembles a Service. The zero value is not usable: CacheDir is
// required.
type Config struct {
	// CacheDir is the directory for the disk cache tier. Required.
	CacheDir string

	// CacheTTL bounds entry freshness. Defaults to keycache.DefaultTTL.
	CacheTTL time.Duration

	// MemoryCapacity bounds the in-memory tier. Defaults to
	// keycache.DefaultMemoryCapacity.
	MemoryCapacity int

	// KeyBits is the RSA modulus size. Defaults to keymat.DefaultBits.
	KeyBits int

	// Workers is the derivation pool size. Zero selects
	// offload.DefaultWorkers; negative disables the pool entirely and
	// every request derives inline.
	Workers int

	// Seeds converts seed sources to seed bytes. Defaults to
	// seedsource.Hex.
	Seeds seedsource.Deriver

	Logger *slog.Logger

	// Registerer, when set, receives cache metrics.
	Registerer prometheus.Registerer
}

// Service is the high-level derivation facade: fingerprint the seed
// source, consult the cache, offload misses to the pool, cache the
// result. Safe for concurrent use.
type Service struct {
	cache  *keycache.Engine
	coord  *offload.Coordinator
	inline *offload.Coordinator
	pool   *offload.Pool
	logger *slog.Logger
}

// New builds a Service. Callers own the returned Service and must Close
// it to release the pool and cache.
func New(cfg Config) (*Service, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	seeds := cfg.Seeds
	if seeds == nil {
		seeds = seedsource.Hex{}
	}

	keys, err := keymat.NewDeriver(cfg.KeyBits)
	if err != nil {
		return nil, fmt.Errorf("building key deriver: %w", err)
	}

	cache, err := keycache.New(keycache.Config{
		Dir:            cfg.CacheDir,
		TTL:            cfg.CacheTTL,
		MemoryCapacity: cfg.MemoryCapacity,
		Logger:         logger,
		Registerer:     cfg.Registerer,
	})
	if err != nil {
		return nil, fmt.Errorf("building cache: %w", err)
	}

	var pool *offload.Pool
	if cfg.Workers >= 0 {
		pool, err = offload.NewPool(offload.Config{
			Workers: cfg.Workers,
			Seeds:   seeds,
			Keys:    keys,
			Logger:  logger,
		})
		if err != nil {
			cache.Close()
			return nil, fmt.Errorf("building worker pool: %w", err)
		}
	}

	return &Service{
		cache:  cache,
		coord:  offload.NewCoordinator(pool, seeds, keys, logger),
		inline: offload.NewCoordinator(nil, seeds, keys, logger),
		pool:   pool,
		logger: logger,
	}, nil
}

// Close stops the worker pool and flushes pending cache writes.
func (s *Service) Close() {
	if s.pool != nil {
		s.pool.Close()
	}

	s.cache.Close()
}

type deriveOptions struct {
	priority   offload.Priority
	onProgress func(offload.Progress)
	bypassPool bool
}

// DeriveOption adjusts a single DeriveKey call.
type DeriveOption func(*deriveOptions)

// WithPriority sets the dispatch priority for a cache miss.
func WithPriority(p offload.Priority) DeriveOption {
	return func(o *deriveOptions) {
		o.priority = p
	}
}

// WithProgress registers a callback for staged derivation progress. The
// callback never fires on a cache hit.
func WithProgress(fn func(offload.Progress)) DeriveOption {
	return func(o *deriveOptions) {
		o.onProgress = fn
	}
}

// WithInlineDerivation bypasses the worker pool for this call and derives
// on the calling goroutine.
func WithInlineDerivation() DeriveOption {
	return func(o *deriveOptions) {
		o.bypassPool = true
	}
}

// DeriveKey returns the key material for a seed source. The cache is
// consulted first; a miss derives the key and stores it in both cache
// tiers. Identical seed sources always yield identical material.
func (s *Service) DeriveKey(ctx context.Context, seedSource string, opts ...DeriveOption) (*keymat.KeyMaterial, error) {
	options := deriveOptions{priority: offload.PriorityNormal}
	for _, opt := range opts {
		opt(&options)
	}

	fp := fingerprint.For(seedSource)

	if entry, ok := s.cache.Get(fp); ok {
		s.logger.Debug("cache hit", "fingerprint", fp.Hex())
		return entry.KeyMaterial, nil
	}

	coord := s.coord
	if options.bypassPool {
		coord = s.inline
	}

	km, err := coord.Derive(ctx, seedSource, options.priority, options.onProgress)
	if err != nil {
		return nil, err
	}

	entry, err := s.cache.NewEntry(km)
	if err != nil {
		s.logger.Warn("caching derived key failed", "fingerprint", fp.Hex(), "err", err)
		return km, nil
	}

	s.cache.Set(fp, entry)

	return km, nil
}

// Fingerprint returns the cache identity of a seed source.
func (s *Service) Fingerprint(seedSource string) fingerprint.Fingerprint {
	return fingerprint.For(seedSource)
}

// CacheStats reports hit/miss counters and tier sizes.
func (s *Service) CacheStats() keycache.Stats {
	return s.cache.Stats()
}

// DiskCacheInfo reports disk tier usage.
func (s *Service) DiskCacheInfo() keycache.DiskInfo {
	return s.cache.DiskInfo()
}

// ClearCache empties both cache tiers.
func (s *Service) ClearCache() error {
	return s.cache.Clear()
}

// CleanupExpiredCache removes stale and corrupt disk entries and reports
// how many were removed.
func (s *Service) CleanupExpiredCache() int {
	return s.cache.CleanupExpired()
}

// Cache exposes the underlying engine for the stats server.
func (s *Service) Cache() *keycache.Engine {
	return s.cache
}
