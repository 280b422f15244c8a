// Package videocache keeps downloaded remote videos on local disk so repeated
// playback does not fetch the same bytes twice.
//
// The cache is bounded by total bytes and by entry age. Inserts evict the
// least recently used entries until the new file fits, reads lazily drop
// expired or missing entries, and callers can sweep by age or keep only the
// most recent entries under storage pressure.
//
// All index state lives behind one mutex. Downloads, renames and deletes run
// outside it.
package videocache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"stitch-media/constant"
	"stitch-media/entities"
	"stitch-media/pkg/metrics"
	"stitch-media/pkg/task"
	"strings"
	"sync"
	"time"
)

var (
	ErrDownload = errors.New("video download failed")
	ErrTooLarge = errors.New("video larger than cache capacity")
)

// Fetcher copies the remote object identified by key to the local file dst.
type Fetcher interface {
	Fetch(ctx context.Context, key, dst string) error
}

type Config struct {
	Dir                    string        `validate:"required"`
	MaxBytes               int64         `validate:"gt=0"`
	MaxAge                 time.Duration `validate:"gt=0"`
	MaxConcurrentDownloads int           `validate:"gt=0"`
}

func DefaultConfig(dir string) Config {
	return Config{
		Dir:                    dir,
		MaxBytes:               500 * 1024 * 1024,
		MaxAge:                 7 * 24 * time.Hour,
		MaxConcurrentDownloads: 3,
	}
}

type PutResult string

const (
	PutStarted       PutResult = "started"
	PutAlreadyCached PutResult = "cached"
	PutInFlight      PutResult = "downloading"
	PutAtCapacity    PutResult = "busy"
)

type Stats struct {
	Entries         int   `json:"entries"`
	TotalBytes      int64 `json:"total_bytes"`
	MaxBytes        int64 `json:"max_bytes"`
	ActiveDownloads int   `json:"active_downloads"`
}

type Option func(*Cache)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

type Cache struct {
	cfg     Config
	fetcher Fetcher
	now     func() time.Time
	wg      sync.WaitGroup

	mu         sync.Mutex
	entries    map[string]*entities.CacheEntry
	active     map[string]*task.Task[string]
	totalBytes int64
}

const (
	indexFile = "index.json"
	tmpDir    = "tmp"
)

// New opens the cache directory and loads the persisted index, dropping
// entries whose files are gone.
func New(ctx context.Context, cfg Config, fetcher Fetcher, opts ...Option) (*Cache, error) {
	if cfg.MaxBytes <= 0 || cfg.MaxConcurrentDownloads <= 0 || cfg.MaxAge <= 0 {
		return nil, fmt.Errorf("invalid cache config: %+v", cfg)
	}

	c := &Cache{
		cfg:     cfg,
		fetcher: fetcher,
		now:     time.Now,
		entries: make(map[string]*entities.CacheEntry),
		active:  make(map[string]*task.Task[string]),
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := os.MkdirAll(filepath.Join(cfg.Dir, tmpDir), os.ModePerm); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	// Partial downloads from a previous run are never valid.
	if err := os.RemoveAll(filepath.Join(cfg.Dir, tmpDir)); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("failed to clear cache temp dir")
	}
	if err := os.MkdirAll(filepath.Join(cfg.Dir, tmpDir), os.ModePerm); err != nil {
		return nil, fmt.Errorf("create cache temp dir: %w", err)
	}

	if err := c.load(ctx); err != nil {
		return nil, err
	}
	c.publishGauges()

	zerolog.Ctx(ctx).Info().
		Str("dir", cfg.Dir).
		Int("entries", len(c.entries)).
		Int64("total_bytes", c.totalBytes).
		Int64("max_bytes", cfg.MaxBytes).
		Msg("video cache opened")

	return c, nil
}

// Get returns the local file for key. Expired entries and entries whose file
// disappeared are removed and reported as misses. A hit refreshes recency.
func (c *Cache) Get(ctx context.Context, key string) (string, bool) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		return "", false
	}
	if e.Age(c.now()) > c.cfg.MaxAge {
		c.deleteLocked(key)
		c.mu.Unlock()
		c.removeFiles(ctx, constant.EvictExpired, e)
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		return "", false
	}
	p := e.Path
	c.mu.Unlock()

	if _, err := os.Stat(p); err != nil {
		c.mu.Lock()
		if cur, ok := c.entries[key]; ok && cur == e {
			c.deleteLocked(key)
		}
		c.mu.Unlock()
		metrics.CacheEvictions.WithLabelValues(string(constant.EvictStale)).Inc()
		zerolog.Ctx(ctx).Warn().Str("key", key).Str("path", p).Msg("cached file missing, purged index entry")
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		return "", false
	}

	c.mu.Lock()
	if cur, ok := c.entries[key]; ok && cur == e {
		e.LastAccess = c.now()
	}
	c.mu.Unlock()

	metrics.CacheLookups.WithLabelValues("hit").Inc()
	return p, true
}

// Put downloads key into the cache in the background. It does nothing when
// the key is cached, already downloading, or the download cap is reached;
// the returned task is nil only in the last case.
func (c *Cache) Put(ctx context.Context, key string) (*task.Task[string], PutResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		return task.Done(e.Path, nil), PutAlreadyCached
	}
	if t, ok := c.active[key]; ok {
		return t, PutInFlight
	}
	if len(c.active) >= c.cfg.MaxConcurrentDownloads {
		metrics.CacheDownloads.WithLabelValues("skipped").Inc()
		zerolog.Ctx(ctx).Debug().Str("key", key).Int("active", len(c.active)).Msg("download cap reached, skipping cache insert")
		return nil, PutAtCapacity
	}

	c.wg.Add(1)
	t := task.Start(ctx, func(ctx context.Context, report func(float64)) (string, error) {
		defer c.wg.Done()
		return c.download(ctx, key)
	})
	c.active[key] = t
	metrics.CacheActiveDownloads.Set(float64(len(c.active)))

	return t, PutStarted
}

// Resolve returns the cached file for key when present. On a miss it starts
// a background insert detached from ctx's cancellation and reports false so
// the caller can play the remote source directly.
func (c *Cache) Resolve(ctx context.Context, key string) (string, bool) {
	if p, ok := c.Get(ctx, key); ok {
		return p, true
	}
	c.Put(context.WithoutCancel(ctx), key)
	return "", false
}

func (c *Cache) download(ctx context.Context, key string) (string, error) {
	tmp := filepath.Join(c.cfg.Dir, tmpDir, uuid.NewString()+".part")

	fail := func(err error) (string, error) {
		if rmErr := os.Remove(tmp); rmErr != nil && !os.IsNotExist(rmErr) {
			zerolog.Ctx(ctx).Warn().Err(rmErr).Str("path", tmp).Msg("failed to remove partial download")
		}
		c.mu.Lock()
		delete(c.active, key)
		metrics.CacheActiveDownloads.Set(float64(len(c.active)))
		c.mu.Unlock()
		metrics.CacheDownloads.WithLabelValues("error").Inc()
		zerolog.Ctx(ctx).Warn().Err(err).Str("key", key).Msg("cache download failed")
		return "", err
	}

	if err := c.fetcher.Fetch(ctx, key, tmp); err != nil {
		return fail(fmt.Errorf("%w: %s: %w", ErrDownload, key, err))
	}

	info, err := os.Stat(tmp)
	if err != nil {
		return fail(fmt.Errorf("%w: %s: %w", ErrDownload, key, err))
	}
	size := info.Size()
	if size > c.cfg.MaxBytes {
		return fail(fmt.Errorf("%w: %s is %d bytes, capacity %d", ErrTooLarge, key, size, c.cfg.MaxBytes))
	}

	// Make room first and reserve the bytes, so the directory never holds
	// more than the capacity once the file is committed.
	c.mu.Lock()
	victims := c.evictLocked(size)
	c.totalBytes += size
	c.mu.Unlock()
	c.removeFiles(ctx, constant.EvictCapacity, victims...)

	final := c.pathFor(key)
	if err := os.Rename(tmp, final); err != nil {
		c.mu.Lock()
		c.totalBytes -= size
		c.mu.Unlock()
		c.publishGauges()
		return fail(fmt.Errorf("%w: commit %s: %w", ErrDownload, key, err))
	}

	now := c.now()
	c.mu.Lock()
	delete(c.active, key)
	c.entries[key] = &entities.CacheEntry{
		Key:        key,
		Path:       final,
		Size:       size,
		CreatedAt:  now,
		LastAccess: now,
	}
	metrics.CacheActiveDownloads.Set(float64(len(c.active)))
	c.mu.Unlock()

	c.publishGauges()
	metrics.CacheDownloads.WithLabelValues("success").Inc()

	zerolog.Ctx(ctx).Debug().
		Str("key", key).
		Str("path", final).
		Int64("size", size).
		Int("evicted", len(victims)).
		Msg("video cached")

	return final, nil
}

// evictLocked drops least recently used entries one at a time until need
// more bytes fit. Callers hold c.mu and delete the returned files after
// unlocking.
func (c *Cache) evictLocked(need int64) []*entities.CacheEntry {
	var victims []*entities.CacheEntry
	for c.totalBytes+need > c.cfg.MaxBytes && len(c.entries) > 0 {
		var lru *entities.CacheEntry
		for _, e := range c.entries {
			if lru == nil || e.LastAccess.Before(lru.LastAccess) {
				lru = e
			}
		}
		c.deleteLocked(lru.Key)
		victims = append(victims, lru)
	}
	return victims
}

func (c *Cache) deleteLocked(key string) {
	if e, ok := c.entries[key]; ok {
		c.totalBytes -= e.Size
		delete(c.entries, key)
	}
}

// SweepExpired removes every entry older than the maximum age.
func (c *Cache) SweepExpired(ctx context.Context) int {
	now := c.now()

	c.mu.Lock()
	var victims []*entities.CacheEntry
	for key, e := range c.entries {
		if e.Age(now) > c.cfg.MaxAge {
			c.deleteLocked(key)
			victims = append(victims, e)
		}
	}
	c.mu.Unlock()

	c.removeFiles(ctx, constant.EvictExpired, victims...)
	c.publishGauges()
	return len(victims)
}

// RetainMostRecent keeps the n most recently accessed entries and drops the
// rest. It answers storage or memory pressure.
func (c *Cache) RetainMostRecent(ctx context.Context, n int) int {
	if n < 0 {
		n = 0
	}

	c.mu.Lock()
	all := c.sortedLocked()
	var victims []*entities.CacheEntry
	if len(all) > n {
		victims = all[n:]
		for _, e := range victims {
			c.deleteLocked(e.Key)
		}
	}
	c.mu.Unlock()

	c.removeFiles(ctx, constant.EvictEmergency, victims...)
	c.publishGauges()

	zerolog.Ctx(ctx).Info().Int("kept", n).Int("evicted", len(victims)).Msg("emergency cache cleanup")
	return len(victims)
}

// Remove drops a single entry.
func (c *Cache) Remove(ctx context.Context, key string) bool {
	c.mu.Lock()
	e, ok := c.entries[key]
	if ok {
		c.deleteLocked(key)
	}
	c.mu.Unlock()

	if ok {
		c.removeFiles(ctx, constant.EvictCleared, e)
		c.publishGauges()
	}
	return ok
}

// Clear drops every entry and returns the number of bytes freed.
func (c *Cache) Clear(ctx context.Context) int64 {
	c.mu.Lock()
	victims := make([]*entities.CacheEntry, 0, len(c.entries))
	for _, e := range c.entries {
		victims = append(victims, e)
	}
	freed := c.totalBytes
	c.entries = make(map[string]*entities.CacheEntry)
	c.totalBytes = 0
	c.mu.Unlock()

	c.removeFiles(ctx, constant.EvictCleared, victims...)
	c.publishGauges()

	zerolog.Ctx(ctx).Info().Int64("freed_bytes", freed).Int("entries", len(victims)).Msg("video cache cleared")
	return freed
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries:         len(c.entries),
		TotalBytes:      c.totalBytes,
		MaxBytes:        c.cfg.MaxBytes,
		ActiveDownloads: len(c.active),
	}
}

// Entries returns a copy of the index, most recently used first.
func (c *Cache) Entries() []entities.CacheEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	sorted := c.sortedLocked()
	out := make([]entities.CacheEntry, len(sorted))
	for i, e := range sorted {
		out[i] = *e
	}
	return out
}

func (c *Cache) sortedLocked() []*entities.CacheEntry {
	all := make([]*entities.CacheEntry, 0, len(c.entries))
	for _, e := range c.entries {
		all = append(all, e)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].LastAccess.After(all[j].LastAccess)
	})
	return all
}

// Wait blocks until in-flight downloads end.
func (c *Cache) Wait() {
	c.wg.Wait()
}

// Run sweeps expired entries and persists the index every interval until ctx
// is done, then saves once more.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := c.SweepExpired(ctx); n > 0 {
				zerolog.Ctx(ctx).Info().Int("evicted", n).Msg("expired cache entries swept")
			}
			if err := c.Save(ctx); err != nil {
				zerolog.Ctx(ctx).Error().Err(err).Msg("failed to save cache index")
			}
		case <-ctx.Done():
			if err := c.Save(context.WithoutCancel(ctx)); err != nil {
				zerolog.Ctx(ctx).Error().Err(err).Msg("failed to save cache index")
			}
			return
		}
	}
}

var knownExtensions = map[string]bool{".mp4": true, ".mov": true, ".m4v": true, ".webm": true}

// pathFor maps a remote key to a stable file name inside the cache dir.
func (c *Cache) pathFor(key string) string {
	sum := sha256.Sum256([]byte(key))
	ext := strings.ToLower(path.Ext(key))
	if !knownExtensions[ext] {
		ext = ".mp4"
	}
	return filepath.Join(c.cfg.Dir, hex.EncodeToString(sum[:16])+ext)
}

func (c *Cache) removeFiles(ctx context.Context, reason constant.EvictionReason, victims ...*entities.CacheEntry) {
	for _, e := range victims {
		if err := os.Remove(e.Path); err != nil && !os.IsNotExist(err) {
			zerolog.Ctx(ctx).Warn().Err(err).Str("path", e.Path).Msg("failed to remove cached file")
		}
		metrics.CacheEvictions.WithLabelValues(string(reason)).Inc()
		zerolog.Ctx(ctx).Debug().
			Str("key", e.Key).
			Int64("size", e.Size).
			Str("reason", string(reason)).
			Msg("cache entry evicted")
	}
}

func (c *Cache) publishGauges() {
	s := c.Stats()
	metrics.CacheBytes.Set(float64(s.TotalBytes))
	metrics.CacheEntries.Set(float64(s.Entries))
}
