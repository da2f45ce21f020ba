// Package gitproxy wires the request-handling surface of the proxy: parsing
// and routing inbound Smart HTTP requests, and orchestrating the cached and
// uncached paths through git-upload-pack.
package gitproxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/example/gitcdn/internal/config"
	"github.com/example/gitcdn/internal/gitutil"
	"github.com/example/gitcdn/internal/metrics"
	"github.com/example/gitcdn/internal/packcache"
	"github.com/example/gitcdn/internal/packetline"
	"github.com/example/gitcdn/internal/repocache"
	"github.com/example/gitcdn/internal/uploadpack"
)

// cachingWaitTimeout bounds how long a subprocess whose stdout is being
// captured into the pack cache is given to exit once its output is fully
// consumed, longer than the non-caching timeout since the cache write can
// lag slightly behind the pipe drain.
const cachingWaitTimeout = 10 * time.Minute

// Orchestrator runs a single upload-pack negotiation to completion, deciding
// between the pack cache fast path and a direct subprocess invocation.
type Orchestrator struct {
	cfg     *config.Config
	pcache  *packcache.Store
	cleaner *packcache.Cleaner
	metrics *metrics.Metrics
	log     *slog.Logger
	sem     chan struct{}
}

func NewOrchestrator(cfg *config.Config, pcache *packcache.Store, cleaner *packcache.Cleaner, m *metrics.Metrics, log *slog.Logger) *Orchestrator {
	o := &Orchestrator{cfg: cfg, pcache: pcache, cleaner: cleaner, metrics: m, log: log}
	if cfg.UploadPackConcurrency > 0 {
		o.sem = make(chan struct{}, cfg.UploadPackConcurrency)
	}
	return o
}

// Run drives a single negotiation: a parse error or a degenerate (wantless)
// request is handled immediately, a cacheable negotiation goes through
// runWithCache, everything else is executed directly against the mirror.
func (o *Orchestrator) Run(ctx context.Context, rc *repocache.RepoCache, authHeader string, body []byte, parsed *uploadpack.ParsedInput, w io.Writer) {
	if parsed.ParseError {
		_ = writeErrFrame(w, fmt.Sprintf("malformed request: %q", parsed.ErrorPrefix))
		return
	}
	if len(parsed.Wants) == 0 {
		o.log.Info("empty want set, nothing to do", "path", rc.Path())
		return
	}

	if o.pcache != nil && parsed.CanBeCached() {
		o.runWithCache(ctx, rc, authHeader, body, parsed, w)
		return
	}
	o.execute(ctx, rc, authHeader, body, parsed, nil, w)
}

// runWithCache implements the shared→exclusive→shared locking dance: a
// cache hit under a shared lock returns immediately; a miss upgrades to an
// exclusive lock, re-checks (another request may have just finished
// building it), and if still absent runs the subprocess with its stdout
// captured into the cache entry instead of streamed straight to w. Once the
// entry exists it is re-opened and sent to w exactly as a hit would be, so
// the client never receives anything the cache itself didn't validate.
func (o *Orchestrator) runWithCache(ctx context.Context, rc *repocache.RepoCache, authHeader string, body []byte, parsed *uploadpack.ParsedInput, w io.Writer) {
	fp := parsed.Fingerprint

	rl, err := o.pcache.ReadLock(ctx, fp)
	if err != nil {
		o.log.Warn("pack cache read lock failed", "fingerprint", fp, "err", err)
		o.execute(ctx, rc, authHeader, body, parsed, nil, w)
		return
	}
	if o.pcache.Exists(fp) {
		_, sendErr := o.pcache.SendPack(fp, w, "hit")
		rl.Release()
		if sendErr != nil {
			o.log.Warn("pack cache send failed", "fingerprint", fp, "err", sendErr)
		}
		return
	}
	rl.Release()

	wl, err := o.pcache.WriteLock(ctx, fp)
	if err != nil {
		o.log.Warn("pack cache write lock failed", "fingerprint", fp, "err", err)
		o.execute(ctx, rc, authHeader, body, parsed, nil, w)
		return
	}
	var subprocessErr error
	if !o.pcache.Exists(fp) {
		subprocessErr = o.execute(ctx, rc, authHeader, body, parsed, &cacheTarget{store: o.pcache, fingerprint: fp}, w)
	}
	wl.Release()

	rl, err = o.pcache.ReadLock(ctx, fp)
	if err != nil {
		o.log.Warn("pack cache read lock failed after build", "fingerprint", fp, "err", err)
		return
	}
	defer rl.Release()

	if o.pcache.Exists(fp) {
		if _, sendErr := o.pcache.SendPack(fp, w, "miss"); sendErr != nil {
			o.log.Warn("pack cache send failed", "fingerprint", fp, "err", sendErr)
		}
		if o.cleaner != nil {
			o.cleaner.Clean()
		}
		return
	}

	if subprocessErr == nil {
		o.log.Error("pack cache entry missing after a successful build", "fingerprint", fp)
		_ = writeErrFrame(w, "internal error building pack cache entry")
	}
	// subprocessErr != nil: doUploadPack already forwarded whatever upload-pack
	// wrote before failing through CachePack's errWriter path.
}

// execute ensures the mirror has every wanted object, then runs
// git-upload-pack. target is nil for the uncached path (stdout streams
// straight to w); when non-nil, stdout is captured into the cache entry
// instead, and w only receives anything on a failure partway through.
func (o *Orchestrator) execute(ctx context.Context, rc *repocache.RepoCache, authHeader string, body []byte, parsed *uploadpack.ParsedInput, target *cacheTarget, w io.Writer) error {
	if err := rc.EnsureInputWants(ctx, parsed.Wants, authHeader); err != nil {
		_ = writeErrFrame(w, err.Error())
		return err
	}
	return o.uploadPack(ctx, rc, body, parsed.Protocol, target, w)
}

func (o *Orchestrator) uploadPack(ctx context.Context, rc *repocache.RepoCache, body []byte, protocol int, target *cacheTarget, w io.Writer) error {
	rl, err := rc.ReadLock(ctx)
	if err != nil {
		_ = writeErrFrame(w, "repository unavailable")
		return err
	}
	defer rl.Release()

	if !rc.Exists() {
		_ = writeErrFrame(w, "repository unavailable")
		return fmt.Errorf("gitproxy: %s does not exist at upload-pack time", rc.Path())
	}

	if o.sem != nil {
		waitStart := time.Now()
		select {
		case o.sem <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
		if o.metrics != nil {
			o.metrics.SemaphoreWait.Observe(time.Since(waitStart).Seconds())
		}
		defer func() { <-o.sem }()
	}

	return o.doUploadPack(ctx, rc, body, protocol, target, w)
}

// cacheTarget names the pack cache entry a subprocess's stdout should be
// captured into, in place of streaming it straight to the client.
type cacheTarget struct {
	store       *packcache.Store
	fingerprint string
}

func (o *Orchestrator) doUploadPack(ctx context.Context, rc *repocache.RepoCache, body []byte, protocol int, target *cacheTarget, w io.Writer) error {
	cmd := exec.Command("git", "upload-pack", "--stateless-rpc", rc.Path())
	cmd.Env = append(os.Environ(), fmt.Sprintf("GIT_PROTOCOL=version=%d", protocol))

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("gitproxy: upload-pack stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("gitproxy: upload-pack stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("gitproxy: upload-pack start: %w", err)
	}

	go func() {
		_, werr := stdin.Write(body)
		if werr != nil && !errors.Is(werr, syscall.EPIPE) && !errors.Is(werr, io.ErrClosedPipe) {
			o.log.Debug("upload-pack stdin write error", "err", werr)
		}
		stdin.Close()
	}()

	// Deliberately not threading ctx into this read: a client disconnect must
	// not abort an in-flight cache population. A non-caching read has nothing
	// to shield and just copies until stdout closes.
	var streamErr error
	if target != nil {
		parser := packetline.NewChunkParser(stdout)
		streamErr = target.store.CachePack(target.fingerprint, parser, w)
	} else {
		streamErr = streamChunks(stdout, w, o.cfg.ChunkSize)
	}

	waitTimeout := o.cfg.GitProcessWaitTimeout
	if target != nil {
		waitTimeout = cachingWaitTimeout
	}
	waitErr := gitutil.EnsureTerminated(cmd, waitTimeout)

	if o.metrics != nil {
		o.metrics.UploadPackDuration.Observe(time.Since(start).Seconds())
	}

	if waitErr != nil {
		if streamErr == nil {
			streamErr = fmt.Errorf("gitproxy: upload-pack exited abnormally: %w", waitErr)
		}
		line := firstLine(stderr.Bytes())
		if line != "" {
			_ = writeErrFrame(w, line)
		}
	}

	return streamErr
}

func firstLine(b []byte) string {
	if i := bytes.IndexByte(b, '\n'); i >= 0 {
		b = b[:i]
	}
	return string(bytes.TrimSpace(b))
}

func writeErrFrame(w io.Writer, msg string) error {
	pkt, err := packetline.ToPacket([]byte("ERR " + msg))
	if err != nil {
		return err
	}
	_, err = w.Write(pkt)
	return err
}

func streamChunks(r io.Reader, w io.Writer, chunkSize int) error {
	if chunkSize <= 0 {
		chunkSize = 32 * 1024
	}
	buf := make([]byte, chunkSize)
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
}
