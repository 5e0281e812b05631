// Package keycache caches derived key material behind two tiers: a
// bounded in-memory LRU and a per-fingerprint on-disk store. The cache is
// strictly best-effort; every tier anomaly (corruption, expiry, disk
// failure) degrades to a miss or a log line, never to a caller-visible
// error.
package keycache

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/keymint/keyforge/fingerprint"
	"github.com/keymint/keyforge/keymat"
)

const (
	// DefaultTTL bounds how long a derived key may be served without
	// recomputation.
	DefaultTTL = 24 * time.Hour

	// DefaultMemoryCapacity is the memory-tier entry bound.
	DefaultMemoryCapacity = 100

	// EntryVersion is written into new entries and checked on read.
	EntryVersion = "1"

	dirPerm  = 0o700
	filePerm = 0o600
)

type Config struct {
	// Dir is the on-disk cache directory. Required. Created with
	// owner-only permissions if missing.
	Dir string

	// TTL after which entries are stale. Defaults to DefaultTTL.
	TTL time.Duration

	// MemoryCapacity bounds the memory tier. Defaults to
	// DefaultMemoryCapacity.
	MemoryCapacity int

	// Version stamped into new entries. Defaults to EntryVersion.
	Version string

	Logger *slog.Logger

	// Registerer, when set, receives cache hit/miss/eviction metrics.
	Registerer prometheus.Registerer
}

// Engine is the two-tier cache. Safe for concurrent use within a single
// process. Cross-process sharing of Dir is safe because disk writes are
// atomic renames and values are deterministic: racing writers produce the
// same bytes, so the last writer wins harmlessly.
type Engine struct {
	dir     string
	ttl     time.Duration
	version string
	logger  *slog.Logger

	mem *lru.Cache[string, *Entry]

	statsMu sync.Mutex
	hits    uint64
	misses  uint64

	writes sync.WaitGroup

	metrics *cacheMetrics

	now func() time.Time
}

func New(cfg Config) (*Engine, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("keycache: cache directory is required")
	}

	if cfg.TTL == 0 {
		cfg.TTL = DefaultTTL
	}

	if cfg.MemoryCapacity == 0 {
		cfg.MemoryCapacity = DefaultMemoryCapacity
	}

	if cfg.Version == "" {
		cfg.Version = EntryVersion
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if err := os.MkdirAll(cfg.Dir, dirPerm); err != nil {
		return nil, fmt.Errorf("keycache: failed to create cache directory: %w", err)
	}

	e := &Engine{
		dir:     cfg.Dir,
		ttl:     cfg.TTL,
		version: cfg.Version,
		logger:  cfg.Logger,
		now:     time.Now,
	}

	if cfg.Registerer != nil {
		e.metrics = newCacheMetrics(cfg.Registerer)
	}

	mem, err := lru.NewWithEvict[string, *Entry](cfg.MemoryCapacity, func(string, *Entry) {
		if e.metrics != nil {
			e.metrics.evictions.Inc()
		}
	})
	if err != nil {
		return nil, fmt.Errorf("keycache: failed to create memory tier: %w", err)
	}

	e.mem = mem

	return e, nil
}

// Get looks up a fingerprint in memory, then on disk. Disk hits are
// promoted into memory. Invalid entries (expired, corrupt) are removed and
// reported as misses.
func (e *Engine) Get(fp fingerprint.Fingerprint) (*Entry, bool) {
	key := fp.Hex()
	now := e.now()

	if entry, ok := e.mem.Get(key); ok {
		if err := entry.validate(now, e.ttl); err == nil {
			e.recordHit()
			return entry, true
		}

		// stale in both tiers; drop it everywhere
		e.mem.Remove(key)
		e.removeDiskEntry(key)
		e.recordMiss()
		return nil, false
	}

	if entry, ok := e.loadDiskEntry(key, now); ok {
		e.mem.Add(key, entry)
		e.recordHit()
		return entry, true
	}

	e.recordMiss()
	return nil, false
}

// Set stores an entry in memory synchronously and schedules a best-effort
// disk write. A failed disk write is logged; the memory tier remains
// authoritative for this process's lifetime.
func (e *Engine) Set(fp fingerprint.Fingerprint, entry *Entry) {
	key := fp.Hex()

	e.mem.Add(key, entry)
	if e.metrics != nil {
		e.metrics.memEntries.Set(float64(e.mem.Len()))
	}

	e.writes.Add(1)
	go func() {
		defer e.writes.Done()

		if err := e.writeDiskEntry(key, entry); err != nil {
			e.logger.Warn("disk cache write failed", "fingerprint", key, "err", err)
		}
	}()
}

// NewEntry builds a checksummed entry for the engine's configured version.
func (e *Engine) NewEntry(km *keymat.KeyMaterial) (*Entry, error) {
	return newEntry(km, e.now(), e.version)
}

// Clear empties both tiers and resets the stats counters.
func (e *Engine) Clear() error {
	e.writes.Wait()

	e.mem.Purge()

	err := e.removeAllDiskEntries()

	e.statsMu.Lock()
	e.hits = 0
	e.misses = 0
	e.statsMu.Unlock()

	if e.metrics != nil {
		e.metrics.memEntries.Set(0)
	}

	return err
}

// CleanupExpired removes every disk entry that fails validation and
// reports how many were removed.
func (e *Engine) CleanupExpired() int {
	e.writes.Wait()

	now := e.now()
	removed := 0

	for _, path := range e.diskEntryPaths() {
		entry, err := readDiskEntry(path)
		if err == nil {
			err = entry.validate(now, e.ttl)
		}

		if err != nil {
			if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
				e.logger.Warn("failed to remove stale cache file", "path", path, "err", rmErr)
				continue
			}
			removed++
		}
	}

	return removed
}

// Stats reports process-lifetime counters. Reset only by Clear.
type Stats struct {
	Hits            uint64  `json:"hits"`
	Misses          uint64  `json:"misses"`
	HitRatio        float64 `json:"hitRatio"`
	MemoryCacheSize int     `json:"memoryCacheSize"`
	DiskCacheSize   int     `json:"diskCacheSize"`
}

func (e *Engine) Stats() Stats {
	e.statsMu.Lock()
	hits, misses := e.hits, e.misses
	e.statsMu.Unlock()

	ratio := 0.0
	if total := hits + misses; total > 0 {
		ratio = float64(hits) / float64(total)
	}

	return Stats{
		Hits:            hits,
		Misses:          misses,
		HitRatio:        ratio,
		MemoryCacheSize: e.mem.Len(),
		DiskCacheSize:   len(e.diskEntryPaths()),
	}
}

// DiskInfo describes the on-disk tier.
type DiskInfo struct {
	Files     int   `json:"files"`
	SizeBytes int64 `json:"sizeBytes"`
}

func (e *Engine) DiskInfo() DiskInfo {
	info := DiskInfo{}

	for _, path := range e.diskEntryPaths() {
		stat, err := os.Stat(path)
		if err != nil {
			continue
		}

		info.Files++
		info.SizeBytes += stat.Size()
	}

	return info
}

// Flush waits for in-flight disk writes to settle.
func (e *Engine) Flush() {
	e.writes.Wait()
}

// Close drains pending disk writes. The engine must not be used after
// Close returns.
func (e *Engine) Close() {
	e.writes.Wait()
}

func (e *Engine) recordHit() {
	e.statsMu.Lock()
	e.hits++
	e.statsMu.Unlock()

	if e.metrics != nil {
		e.metrics.hits.Inc()
	}
}

func (e *Engine) recordMiss() {
	e.statsMu.Lock()
	e.misses++
	e.statsMu.Unlock()

	if e.metrics != nil {
		e.metrics.misses.Inc()
	}
}

func (e *Engine) diskEntryPaths() []string {
	paths, err := filepath.Glob(filepath.Join(e.dir, "*.json"))
	if err != nil {
		// only possible with a malformed pattern
		return nil
	}

	return paths
}
