// Package packcache stores fully-rendered upload-pack responses on disk,
// keyed by the negotiation fingerprint computed by internal/uploadpack, so a
// repeated request for the same refs can be replayed without spawning
// git-upload-pack again. A cache entry's correctness is guarded entirely by
// the read/write locks on its own file: entries are written in place (no
// temp-file rename), and callers are expected to hold the appropriate lock
// for the duration of a read or write, per the orchestrator's locking
// protocol.
package packcache

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/example/gitcdn/internal/filelock"
	"github.com/example/gitcdn/internal/metrics"
	"github.com/example/gitcdn/internal/packetline"
)

// Store is a content-addressed directory of cached pack responses, sharded
// by the first two hex characters of the fingerprint to keep any one
// directory from holding too many entries.
type Store struct {
	root      string
	chunkSize int64
	metrics   *metrics.Metrics
	log       *slog.Logger
}

func New(root string, chunkSize int64, m *metrics.Metrics, log *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("packcache: create root: %w", err)
	}
	if chunkSize <= 0 {
		chunkSize = 1 << 20
	}
	return &Store{root: root, chunkSize: chunkSize, metrics: m, log: log}, nil
}

func (s *Store) Root() string { return s.root }

// Path returns the on-disk location of the cache entry for fingerprint.
func (s *Store) Path(fingerprint string) string {
	shard := fingerprint
	if len(shard) > 2 {
		shard = shard[:2]
	}
	return filepath.Join(s.root, shard, fingerprint)
}

// ReadLock/WriteLock lock the entry's own content file — there is no
// separate sidecar lock file — so a reader and a concurrent writer for the
// same fingerprint are always serialized by the filesystem.
func (s *Store) ReadLock(ctx context.Context, fingerprint string) (*filelock.Handle, error) {
	if err := os.MkdirAll(filepath.Dir(s.Path(fingerprint)), 0o755); err != nil {
		return nil, fmt.Errorf("packcache: create shard dir: %w", err)
	}
	return filelock.Acquire(ctx, s.Path(fingerprint), filelock.Shared)
}

func (s *Store) WriteLock(ctx context.Context, fingerprint string) (*filelock.Handle, error) {
	if err := os.MkdirAll(filepath.Dir(s.Path(fingerprint)), 0o755); err != nil {
		return nil, fmt.Errorf("packcache: create shard dir: %w", err)
	}
	return filelock.Acquire(ctx, s.Path(fingerprint), filelock.Exclusive)
}

// Exists reports whether a cache entry is present AND valid: non-empty and
// ending on a flush-pkt boundary. A process that died mid-write would leave
// a truncated, unusable tail, since a pack cache file is just the
// concatenation of every raw frame upload-pack emitted.
func (s *Store) Exists(fingerprint string) bool {
	path := s.Path(fingerprint)
	info, err := os.Stat(path)
	if err != nil || info.Size() < packetline.LengthSize {
		return false
	}
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	tail := make([]byte, packetline.LengthSize)
	if _, err := f.ReadAt(tail, info.Size()-packetline.LengthSize); err != nil {
		return false
	}
	if !packetline.IsFlush(tail) {
		s.log.Warn("pack cache entry is corrupted", "fingerprint", fingerprint)
		return false
	}
	return true
}

func (s *Store) Size(fingerprint string) int64 {
	info, err := os.Stat(s.Path(fingerprint))
	if err != nil {
		return 0
	}
	return info.Size()
}

// SendPack streams a cache entry to w in chunkSize pieces, touching its
// mtime on completion for the cleaner's LRU ordering. status labels the
// sent-bytes metric "hit" or "miss" depending on whether this request found
// the entry already populated or just finished building it.
func (s *Store) SendPack(fingerprint string, w io.Writer, status string) (int64, error) {
	path := s.Path(fingerprint)
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	buf := make([]byte, s.chunkSize)
	var total int64
	for {
		n, rerr := f.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
			if s.metrics != nil {
				s.metrics.PackCacheHitBytes.WithLabelValues(status).Add(float64(n))
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return total, rerr
		}
	}
	_ = filelock.Touch(path)
	return total, nil
}

// CachePack drains the raw upload-pack frames off parser into the cache
// entry for fingerprint. It does not forward anything to a live client: the
// orchestrator is responsible for streaming the just-built entry back via
// SendPack once this returns successfully. If the read loop fails partway
// through, whatever was captured is written to errWriter (if non-nil) so the
// client still receives upload-pack's own error frame, and the partial
// entry is removed so nobody mistakes it for a valid cache hit.
func (s *Store) CachePack(fingerprint string, parser *packetline.ChunkParser, errWriter io.Writer) error {
	path := s.Path(fingerprint)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("packcache: create shard dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("packcache: open entry for write: %w", err)
	}

	readErr := drainFrames(parser, f)
	closeErr := f.Close()
	if readErr == nil && closeErr != nil {
		readErr = closeErr
	}
	if readErr == nil {
		return nil
	}

	if errWriter != nil {
		if data, rerr := os.ReadFile(path); rerr == nil {
			_, _ = errWriter.Write(data)
		}
	}
	_ = os.Remove(path)
	return fmt.Errorf("packcache: aborting cache write for %s: %w", fingerprint, readErr)
}

func drainFrames(parser *packetline.ChunkParser, w io.Writer) error {
	for {
		frame, err := parser.Next()
		if len(frame) > 0 {
			if _, werr := w.Write(frame); werr != nil {
				return werr
			}
			if packetline.IsFlush(frame) {
				return nil
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
