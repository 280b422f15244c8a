package videocache

import (
	"context"
	"encoding/json"
	"fmt"
	"github.com/rs/zerolog"
	"os"
	"path/filepath"
	"stitch-media/constant"
	"stitch-media/entities"
)

type indexDocument struct {
	Version int                   `json:"version"`
	Entries []entities.CacheEntry `json:"entries"`
}

const indexVersion = 1

// Save writes the index to disk. The snapshot is taken under the lock, the
// write happens outside it.
func (c *Cache) Save(ctx context.Context) error {
	doc := indexDocument{Version: indexVersion, Entries: c.Entries()}

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode cache index: %w", err)
	}

	target := filepath.Join(c.cfg.Dir, indexFile)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write cache index: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return fmt.Errorf("commit cache index: %w", err)
	}

	zerolog.Ctx(ctx).Debug().Int("entries", len(doc.Entries)).Msg("cache index saved")
	return nil
}

// load reads the persisted index, keeps entries whose files still exist and
// removes files the index does not know about. It runs before the cache is
// shared.
func (c *Cache) load(ctx context.Context) error {
	data, err := os.ReadFile(filepath.Join(c.cfg.Dir, indexFile))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read cache index: %w", err)
	}

	if len(data) > 0 {
		var doc indexDocument
		if err := json.Unmarshal(data, &doc); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Msg("corrupt cache index, starting empty")
		} else {
			for i := range doc.Entries {
				e := doc.Entries[i]
				info, err := os.Stat(e.Path)
				if err != nil || info.IsDir() {
					continue
				}
				e.Size = info.Size()
				c.entries[e.Key] = &e
				c.totalBytes += e.Size
			}
		}
	}

	known := make(map[string]bool, len(c.entries))
	for _, e := range c.entries {
		known[filepath.Base(e.Path)] = true
	}
	files, err := os.ReadDir(c.cfg.Dir)
	if err != nil {
		return fmt.Errorf("list cache dir: %w", err)
	}
	for _, f := range files {
		name := f.Name()
		if f.IsDir() || known[name] || name == indexFile || name == indexFile+".tmp" {
			continue
		}
		if err := os.Remove(filepath.Join(c.cfg.Dir, name)); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("file", name).Msg("failed to remove orphaned cache file")
		}
	}

	// A capacity reduced since the last run still has to hold.
	if victims := c.evictLocked(0); len(victims) > 0 {
		c.removeFiles(ctx, constant.EvictCapacity, victims...)
	}
	return nil
}
