// Package cache is a content-addressed, TTL- and size-bounded file cache of
// prior LLM responses. Entries are keyed by a SHA-256 fingerprint of the
// canonicalized request; one JSON file per fingerprint. The cache is
// payload-agnostic: callers store and retrieve raw JSON.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/brianfields/promptflow/config"
	"github.com/brianfields/promptflow/types"
)

// Cache is a file-backed response cache. Safe for concurrent use within a
// process; cross-process writers race with last-writer-wins semantics.
type Cache struct {
	dir      string
	enabled  bool
	ttl      time.Duration
	maxBytes int64
	logger   *zap.Logger
	clock    types.Clock

	mu sync.Mutex
}

// entry is the on-disk representation of one cached response.
type entry struct {
	Fingerprint string          `json:"fingerprint"`
	CachedAt    time.Time       `json:"cached_at"`
	Messages    []types.Message `json:"messages"`
	Kwargs      map[string]any  `json:"kwargs,omitempty"`
	Response    json.RawMessage `json:"response"`
}

// New creates a cache from configuration. The directory is created when
// caching is enabled.
func New(cfg config.CacheConfig, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Cache{
		dir:      cfg.Dir,
		enabled:  cfg.Enabled,
		ttl:      time.Duration(cfg.TTLHours) * time.Hour,
		maxBytes: int64(cfg.MaxSizeMB) * 1024 * 1024,
		logger:   logger,
		clock:    time.Now,
	}
	if c.enabled {
		if err := os.MkdirAll(c.dir, 0o755); err != nil {
			logger.Warn("failed to create cache directory, disabling cache", zap.Error(err))
			c.enabled = false
		}
	}
	return c
}

// WithClock overrides the time source for tests.
func (c *Cache) WithClock(clock types.Clock) *Cache {
	c.clock = clock
	return c
}

// Fingerprint canonicalizes {messages, sorted kwargs} and hashes it.
// Canonicalization: object keys sorted, kwargs entries with nil values
// elided. Fingerprint equality implies request equivalence under these
// rules.
func Fingerprint(messages []types.Message, kwargs map[string]any) string {
	canonical := map[string]any{
		"messages": messages,
		"kwargs":   canonicalKwargs(kwargs),
	}
	// encoding/json emits map keys in sorted order, which supplies the
	// key-ordering half of the canonical form.
	data, _ := json.Marshal(canonical)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func canonicalKwargs(kwargs map[string]any) [][2]any {
	keys := make([]string, 0, len(kwargs))
	for k, v := range kwargs {
		if v == nil {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([][2]any, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, [2]any{k, kwargs[k]})
	}
	return pairs
}

// Get returns the cached payload when a fresh entry exists for the request,
// or nil. Expired and corrupt entries are removed on the way out.
func (c *Cache) Get(messages []types.Message, kwargs map[string]any) json.RawMessage {
	if !c.enabled {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	path := c.pathFor(Fingerprint(messages, kwargs))
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}

	var ent entry
	if err := json.Unmarshal(data, &ent); err != nil || ent.CachedAt.IsZero() {
		c.logger.Warn("removing corrupt cache entry", zap.String("path", path))
		_ = os.Remove(path)
		return nil
	}

	if c.clock().Sub(ent.CachedAt) > c.ttl {
		_ = os.Remove(path)
		return nil
	}

	c.logger.Debug("cache hit", zap.String("fingerprint", ent.Fingerprint[:8]))
	return ent.Response
}

// Set stores the payload best-effort: expired entries are purged first, the
// oldest half is evicted when the size bound would be exceeded, and any I/O
// failure is logged and swallowed.
func (c *Cache) Set(messages []types.Message, kwargs map[string]any, payload json.RawMessage) {
	if !c.enabled {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	fingerprint := Fingerprint(messages, kwargs)
	ent := entry{
		Fingerprint: fingerprint,
		CachedAt:    c.clock(),
		Messages:    messages,
		Kwargs:      kwargs,
		Response:    payload,
	}
	data, err := json.Marshal(ent)
	if err != nil {
		c.logger.Warn("failed to encode cache entry", zap.Error(err))
		return
	}

	c.purgeExpired()
	if c.sizeBytes()+int64(len(data)) > c.maxBytes {
		c.evictOldest()
	}

	if err := os.WriteFile(c.pathFor(fingerprint), data, 0o644); err != nil {
		c.logger.Warn("failed to write cache entry", zap.Error(err))
	}
}

// Clear drops all entries.
func (c *Cache) Clear() error {
	if !c.enabled {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, path := range c.entryPaths() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// Stats summarizes the cache contents.
type Stats struct {
	Enabled    bool    `json:"enabled"`
	TotalFiles int     `json:"total_files"`
	Expired    int     `json:"expired_files"`
	SizeMB     float64 `json:"cache_size_mb"`
	MaxSizeMB  float64 `json:"max_cache_size_mb"`
	TTLHours   float64 `json:"ttl_hours"`
	Dir        string  `json:"cache_dir"`
}

// Stats reports entry counts, expired counts, and on-disk size.
func (c *Cache) Stats() Stats {
	if !c.enabled {
		return Stats{Enabled: false}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := Stats{
		Enabled:   true,
		MaxSizeMB: float64(c.maxBytes) / (1024 * 1024),
		TTLHours:  c.ttl.Hours(),
		Dir:       c.dir,
	}
	cutoff := c.clock().Add(-c.ttl)
	for _, path := range c.entryPaths() {
		stats.TotalFiles++
		if info, err := os.Stat(path); err == nil {
			stats.SizeMB += float64(info.Size()) / (1024 * 1024)
		}
		var ent entry
		data, err := os.ReadFile(path)
		if err != nil || json.Unmarshal(data, &ent) != nil || ent.CachedAt.Before(cutoff) {
			stats.Expired++
		}
	}
	return stats
}

func (c *Cache) pathFor(fingerprint string) string {
	return filepath.Join(c.dir, fingerprint+".json")
}

func (c *Cache) entryPaths() []string {
	paths, _ := filepath.Glob(filepath.Join(c.dir, "*.json"))
	return paths
}

func (c *Cache) purgeExpired() {
	cutoff := c.clock().Add(-c.ttl)
	for _, path := range c.entryPaths() {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var ent entry
		if err := json.Unmarshal(data, &ent); err != nil || ent.CachedAt.Before(cutoff) {
			_ = os.Remove(path)
		}
	}
}

func (c *Cache) sizeBytes() int64 {
	var total int64
	for _, path := range c.entryPaths() {
		if info, err := os.Stat(path); err == nil {
			total += info.Size()
		}
	}
	return total
}

// evictOldest removes the oldest half of entries by modification time.
func (c *Cache) evictOldest() {
	paths := c.entryPaths()
	if len(paths) < 2 {
		return
	}
	sort.Slice(paths, func(i, j int) bool {
		fi, erri := os.Stat(paths[i])
		fj, errj := os.Stat(paths[j])
		if erri != nil || errj != nil {
			return paths[i] < paths[j]
		}
		return fi.ModTime().Before(fj.ModTime())
	})
	for _, path := range paths[:len(paths)/2] {
		_ = os.Remove(path)
	}
}
