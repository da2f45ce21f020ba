// Package authcache remembers, for a configurable TTL, that a given
// Authorization header was already validated against a given upstream path,
// so a burst of requests against the same private repo doesn't re-validate
// credentials against upstream on every single one.
package authcache

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

type Cache struct {
	dir string
	ttl time.Duration
	log *slog.Logger
}

func New(dir string, ttl time.Duration, log *slog.Logger) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("authcache: create dir: %w", err)
	}
	return &Cache{dir: dir, ttl: ttl, log: log}, nil
}

// Ok reports whether authHeader was previously validated for path and that
// validation hasn't expired. A disabled cache (ttl <= 0) or an empty header
// always reports false, never short-circuiting a real check.
func (c *Cache) Ok(authHeader, path string) bool {
	if c.ttl <= 0 || authHeader == "" {
		return false
	}
	file := c.cacheFile(authHeader, path)
	info, err := os.Stat(file)
	if err != nil {
		return false
	}
	if time.Since(info.ModTime()) > c.ttl {
		c.log.Info("auth cache entry expired", "file", file)
		_ = os.Remove(file)
		return false
	}
	c.log.Debug("auth cache hit", "file", file)
	return true
}

// StoreOk records that authHeader was validated for path.
func (c *Cache) StoreOk(authHeader, path string) {
	if c.ttl <= 0 || authHeader == "" {
		return
	}
	file := c.cacheFile(authHeader, path)
	if err := os.WriteFile(file, nil, 0o600); err != nil {
		c.log.Warn("auth cache write failed", "file", file, "err", err)
		return
	}
	c.log.Debug("auth cache entry created", "file", file)
}

func (c *Cache) cacheFile(authHeader, path string) string {
	sum := md5.Sum([]byte(authHeader + " " + path))
	return filepath.Join(c.dir, hex.EncodeToString(sum[:]))
}
