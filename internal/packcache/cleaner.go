package packcache

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/example/gitcdn/internal/filelock"
)

// Cleaner evicts the oldest pack cache entries once the store exceeds its
// configured size budget. Clean() is safe to call from every request path:
// it only ever queues a single pending pass onto a bounded, size-1
// background worker, so a burst of requests cannot spawn a pile of
// concurrent directory scans.
type Cleaner struct {
	store       *Store
	targetBytes int64
	rateLimit   time.Duration
	log         *slog.Logger

	startOnce sync.Once
	trigger   chan struct{}
}

func NewCleaner(store *Store, targetBytes int64, log *slog.Logger) *Cleaner {
	return &Cleaner{
		store:       store,
		targetBytes: targetBytes,
		rateLimit:   60 * time.Second,
		log:         log,
		trigger:     make(chan struct{}, 1),
	}
}

func (c *Cleaner) lockPath() string { return filepath.Join(c.store.root, "clean.lock") }

// Clean requests a cleanup pass. It never blocks: if a pass already ran
// within the rate-limit window, or one is already queued, the request is
// dropped.
func (c *Cleaner) Clean() {
	c.startOnce.Do(func() {
		go c.worker()
	})

	lockPath := c.lockPath()
	if filelock.Exists(lockPath) && time.Since(filelock.Mtime(lockPath)) < c.rateLimit {
		if c.log != nil {
			c.log.Debug("pack cleaner skipped, ran recently")
		}
		return
	}
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

func (c *Cleaner) worker() {
	for range c.trigger {
		c.runLocked()
	}
}

// runLocked acquires the cross-process cleaner lock (blocking — this is the
// single background worker, so it is fine to wait out a concurrent cleaner
// in another process), touches its mtime immediately so a second process
// racing in right behind sees a fresh rate-limit clock before this pass's
// directory scan even starts, then evicts oldest-first until the store is
// back under its target size.
func (c *Cleaner) runLocked() {
	outcome := "error"
	defer func() {
		if c.store.metrics != nil {
			c.store.metrics.PackCleanerRunsTotal.WithLabelValues(outcome).Inc()
		}
	}()

	handle, err := filelock.Acquire(context.Background(), c.lockPath(), filelock.Exclusive)
	if err != nil {
		if c.log != nil {
			c.log.Warn("pack cleaner lock failed", "err", err)
		}
		return
	}
	defer handle.Release()
	_ = filelock.Touch(c.lockPath())

	entries, total, err := c.scan()
	if err != nil {
		if c.log != nil {
			c.log.Warn("pack cleaner scan failed", "err", err)
		}
		return
	}
	if c.store.metrics != nil {
		c.store.metrics.PackCacheUsedBytes.Set(float64(total))
	}
	if total < c.targetBytes {
		outcome = "under_target"
		return
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].mtime.Before(entries[j].mtime) })

	evicted := 0
	for _, e := range entries {
		if total < c.targetBytes {
			break
		}
		fh, ferr := filelock.Acquire(context.Background(), e.path, filelock.Exclusive)
		if ferr != nil {
			if c.log != nil {
				c.log.Warn("pack cleaner evict lock failed", "path", e.path, "err", ferr)
			}
			continue
		}
		if rmErr := os.Remove(e.path); rmErr == nil {
			total -= e.size
			evicted++
			if c.store.metrics != nil {
				c.store.metrics.PackCacheEvictedBytes.Observe(float64(e.size))
				c.store.metrics.PackCacheUsedBytes.Set(float64(total))
			}
		} else if c.log != nil {
			c.log.Warn("pack cleaner evict failed", "path", e.path, "err", rmErr)
		}
		fh.Release()
	}

	outcome = "evicted"
	if c.log != nil {
		c.log.Info("pack cleaner pass complete", "evicted", evicted, "remaining_bytes", total, "target_bytes", c.targetBytes)
	}
}

type entry struct {
	path  string
	size  int64
	mtime time.Time
}

func (c *Cleaner) scan() ([]entry, int64, error) {
	var entries []entry
	var total int64

	shardDirs, err := os.ReadDir(c.store.root)
	if err != nil {
		return nil, 0, err
	}
	for _, sd := range shardDirs {
		if !sd.IsDir() {
			continue
		}
		shardPath := filepath.Join(c.store.root, sd.Name())
		files, err := os.ReadDir(shardPath)
		if err != nil {
			return nil, 0, err
		}
		for _, f := range files {
			if f.IsDir() {
				continue
			}
			info, err := f.Info()
			if err != nil {
				continue
			}
			entries = append(entries, entry{path: filepath.Join(shardPath, f.Name()), size: info.Size(), mtime: info.ModTime()})
			total += info.Size()
		}
	}
	return entries, total, nil
}
