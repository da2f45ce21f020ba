// Package repocache manages bare git mirrors on disk: cloning them from
// bundles or upstream, fetching updates, and answering object-existence
// questions for an upload-pack negotiation without starting a subprocess per
// request.
package repocache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/example/gitcdn/internal/filelock"
	"github.com/example/gitcdn/internal/gitutil"
	"github.com/example/gitcdn/internal/metrics"
)

// staleRemovalTimeout bounds how long a leftover partial clone directory is
// given to be removed before a fresh clone attempt begins.
const staleRemovalTimeout = 3600 * time.Second

// authDeniedMarker is the literal stderr substring git prints when upstream
// rejects HTTP Basic credentials on a clone/fetch.
const authDeniedMarker = "HTTP Basic: Access denied"

// ErrUnauthorized wraps a clone/fetch failure caused by upstream rejecting
// the presented credentials, so callers can fail fast with a 401 instead of
// retrying through the full backoff schedule.
var ErrUnauthorized = errors.New("repocache: upstream rejected credentials")

// RepoCache is a single bare mirror directory plus its bundle seed.
type RepoCache struct {
	path        string // bare .git directory, e.g. workdir/git/<host>/<owner>/<repo>.git
	bundlePath  string // optional seed bundle, e.g. workdir/bundles/<host>/<owner>/<repo>.bundle
	upstreamURL string

	backoffStart time.Duration
	backoffCount int
	syncStaleAge time.Duration
	waitTimeout  time.Duration
	progressOpt  string

	metrics *metrics.Metrics
	log     *slog.Logger
}

type Option func(*RepoCache)

func WithBundle(path string) Option { return func(r *RepoCache) { r.bundlePath = path } }

func WithBackoff(start time.Duration, count int) Option {
	return func(r *RepoCache) { r.backoffStart, r.backoffCount = start, count }
}

func WithSyncStaleAge(d time.Duration) Option { return func(r *RepoCache) { r.syncStaleAge = d } }
func WithWaitTimeout(d time.Duration) Option  { return func(r *RepoCache) { r.waitTimeout = d } }
func WithProgressOption(s string) Option      { return func(r *RepoCache) { r.progressOpt = s } }

func New(path, upstreamURL string, m *metrics.Metrics, log *slog.Logger, opts ...Option) *RepoCache {
	r := &RepoCache{
		path:         path,
		upstreamURL:  upstreamURL,
		backoffStart: 500 * time.Millisecond,
		backoffCount: 5,
		syncStaleAge: 2 * time.Second,
		waitTimeout:  5 * time.Second,
		progressOpt:  "--progress",
		metrics:      m,
		log:          log,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *RepoCache) Path() string { return r.path }

// Exists reports whether path holds a bare repository: present and valid
// means the directory and its HEAD file both exist, ruling out a partial or
// interrupted clone.
func (r *RepoCache) Exists() bool {
	if _, err := os.Stat(r.path); err != nil {
		return false
	}
	_, err := os.Stat(filepath.Join(r.path, "HEAD"))
	return err == nil
}

// Mtime reports the last time this mirror was synced.
func (r *RepoCache) Mtime() time.Time {
	return filelock.Mtime(r.path)
}

// RequiresAuth reports whether this mirror was originally cloned using a
// credential, a signal the HTTP layer uses to decide whether a request
// needs upstream auth re-validation at all.
func (r *RepoCache) RequiresAuth() bool {
	_, err := os.Stat(filepath.Join(r.path, ".requires-auth"))
	return err == nil
}

func (r *RepoCache) markRequiresAuth() error {
	return os.WriteFile(filepath.Join(r.path, ".requires-auth"), []byte("1"), 0o644)
}

func (r *RepoCache) lockPath() string { return r.path + ".lock" }

func (r *RepoCache) ReadLock(ctx context.Context) (*filelock.Handle, error) {
	return filelock.Acquire(ctx, r.lockPath(), filelock.Shared)
}

func (r *RepoCache) WriteLock(ctx context.Context) (*filelock.Handle, error) {
	return filelock.Acquire(ctx, r.lockPath(), filelock.Exclusive)
}

// Clone creates the mirror if it does not already exist. Callers must hold
// an exclusive WriteLock; Clone re-checks Exists() itself so a caller that
// raced another process into the lock does no redundant work.
func (r *RepoCache) Clone(ctx context.Context, authHeader string) error {
	if r.Exists() {
		return nil
	}
	if err := r.removeStaleDir(ctx); err != nil {
		return fmt.Errorf("repocache: clear stale directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("repocache: create parent dir: %w", err)
	}

	if r.bundlePath != "" {
		if _, err := os.Stat(r.bundlePath); err == nil {
			bl, lerr := filelock.Acquire(ctx, r.bundlePath+".lock", filelock.Shared)
			if lerr != nil {
				return fmt.Errorf("repocache: bundle lock: %w", lerr)
			}
			err := r.cloneFromBundle(ctx, authHeader)
			if err == nil {
				bl.Release()
				return nil
			}
			r.log.Warn("bundle-seeded clone failed, falling back to upstream", "path", r.path, "bundle", r.bundlePath, "err", err)
			_ = os.RemoveAll(r.path)
			_ = os.Remove(r.bundlePath)
			bl.Release()
		}
	}

	if err := r.cloneFromUpstream(ctx, authHeader); err != nil {
		return err
	}
	if authHeader != "" {
		if err := r.markRequiresAuth(); err != nil {
			r.log.Warn("failed to mark mirror as requiring auth", "path", r.path, "err", err)
		}
	}
	return nil
}

func (r *RepoCache) removeStaleDir(ctx context.Context) error {
	if _, err := os.Stat(r.path); err != nil {
		return nil
	}
	rmCtx, cancel := context.WithTimeout(ctx, staleRemovalTimeout)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- os.RemoveAll(r.path) }()
	select {
	case err := <-done:
		return err
	case <-rmCtx.Done():
		return fmt.Errorf("removing stale directory %s exceeded %s", r.path, staleRemovalTimeout)
	}
}

// fetchRefspec and excludePullRefs are the explicit mapping used on every
// fetch against upstream: mirror everything under refs/* into
// refs/remotes/origin/*, except refs/pull/* (GitHub-style PR refs, which
// would otherwise accumulate forever since nothing ever prunes them on the
// origin side).
const (
	fetchRefspec    = "+refs/*:refs/remotes/origin/*"
	excludePullRefs = "^refs/pull/*"
)

func (r *RepoCache) cloneFromBundle(ctx context.Context, authHeader string) error {
	if err := r.runWithBackoff(ctx, authHeader, "clone-bundle", func() *exec.Cmd {
		return exec.CommandContext(ctx, "git", "clone", "--bare", "--mirror", r.bundlePath, r.path)
	}); err != nil {
		return err
	}
	cmd := exec.CommandContext(ctx, "git", "-C", r.path, "remote", "set-url", "origin", r.upstreamURL)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("repocache: remote set-url: %w\n%s", err, out)
	}
	return r.runWithBackoff(ctx, authHeader, "fetch-after-bundle", func() *exec.Cmd {
		return exec.CommandContext(ctx, "git", "-C", r.path, "fetch", "--prune", "--force", "--tags", r.progressOpt, r.upstreamURL, fetchRefspec, excludePullRefs)
	})
}

func (r *RepoCache) cloneFromUpstream(ctx context.Context, authHeader string) error {
	return r.runWithBackoff(ctx, authHeader, "clone", func() *exec.Cmd {
		return exec.CommandContext(ctx, "git", "clone", "--bare", r.progressOpt, r.upstreamURL, r.path)
	})
}

// Fetch refreshes an existing mirror from upstream. Callers must hold an
// exclusive WriteLock.
func (r *RepoCache) Fetch(ctx context.Context, authHeader string) error {
	if err := r.runWithBackoff(ctx, authHeader, "fetch", func() *exec.Cmd {
		return exec.CommandContext(ctx, "git", "-C", r.path, "fetch", "--prune", "--force", "--tags", r.progressOpt, r.upstreamURL, fetchRefspec, excludePullRefs)
	}); err != nil {
		return err
	}
	return filelock.Touch(r.path)
}

// runWithBackoff runs a git subprocess with a bundle/upstream retry
// schedule, redacting credentials from everything it logs and feeding
// transfer-byte counts into the receive-bytes histogram on success.
func (r *RepoCache) runWithBackoff(ctx context.Context, authHeader string, op string, build func() *exec.Cmd) error {
	delays := gitutil.Backoff(r.backoffStart, r.backoffCount)
	var lastErr error
	var lastStderr []byte

	for attempt := 0; attempt <= len(delays); attempt++ {
		cmd := build()
		cmd.Env = gitEnv(authHeader)
		var stderr bytes.Buffer
		cmd.Stderr = &stderr

		r.log.Debug("running git subprocess", "op", op, "attempt", attempt, "args", gitutil.RedactArgs(cmd.Args))
		err := cmd.Run()
		lastStderr = append([]byte(nil), stderr.Bytes()...)

		if err != nil {
			if ctx.Err() != nil {
				_ = gitutil.EnsureTerminated(cmd, r.waitTimeout)
				return fmt.Errorf("repocache: %s cancelled: %w", op, ctx.Err())
			}
			if bytes.Contains(lastStderr, []byte(authDeniedMarker)) {
				r.log.Warn("git subprocess rejected by upstream auth", "op", op, "attempt", attempt)
				return fmt.Errorf("%w: %s", ErrUnauthorized, gitutil.RedactKnownAuth(lastStderr, authHeader))
			}
			lastErr = fmt.Errorf("git %s failed: %w: %s", op, err, gitutil.RedactKnownAuth(lastStderr, authHeader))
			r.log.Warn("git subprocess failed", "op", op, "attempt", attempt, "err", err)
			if attempt < len(delays) {
				select {
				case <-time.After(delays[attempt]):
				case <-ctx.Done():
					return fmt.Errorf("repocache: %s cancelled during backoff: %w", op, ctx.Err())
				}
			}
			continue
		}

		if n, ok := gitutil.ParseTransferBytes(lastStderr); ok && r.metrics != nil {
			r.metrics.RepoCacheReceivedBytes.Observe(n)
		}
		return nil
	}

	return fmt.Errorf("repocache: %s exhausted %d attempts: %w", op, len(delays)+1, lastErr)
}

// CatFile reports, for each of the given object ids, whether it exists in
// this mirror, via a single batched `git cat-file --batch-check` process.
func (r *RepoCache) CatFile(ctx context.Context, ids []string) (map[string]bool, error) {
	result := make(map[string]bool, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	cmd := exec.CommandContext(ctx, "git", "-C", r.path, "cat-file", "--batch-check=%(objectname) %(objecttype)", "--no-buffer")
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("repocache: cat-file stdin: %w", err)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("repocache: cat-file start: %w", err)
	}

	go func() {
		for _, id := range ids {
			if _, err := fmt.Fprintln(stdin, id); err != nil {
				break
			}
		}
		stdin.Close()
	}()

	waitErr := cmd.Wait()
	if waitErr != nil {
		return nil, fmt.Errorf("repocache: cat-file failed: %w: %s", waitErr, stderr.String())
	}

	for _, line := range strings.Split(stdout.String(), "\n") {
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if strings.HasSuffix(line, "missing") {
			result[fields[0]] = false
			continue
		}
		result[fields[0]] = true
	}
	for _, id := range ids {
		if _, ok := result[id]; !ok {
			result[id] = false
		}
	}
	return result, nil
}

// Update ensures the mirror is no older than the configured staleness
// window, using a double-checked pattern across the exclusive write lock so
// concurrent callers racing on a stale mirror only pay for one fetch: the
// mtime is read again once the lock is held, since another holder may have
// already refreshed it while this caller waited.
func (r *RepoCache) Update(ctx context.Context, authHeader string) error {
	if !r.Exists() {
		wl, err := r.WriteLock(ctx)
		if err != nil {
			return err
		}
		defer wl.Release()
		return r.Clone(ctx, authHeader)
	}

	if time.Since(r.Mtime()) < r.syncStaleAge {
		return nil
	}

	wl, err := r.WriteLock(ctx)
	if err != nil {
		return err
	}
	defer wl.Release()

	if time.Since(r.Mtime()) < r.syncStaleAge {
		return nil
	}
	return r.Fetch(ctx, authHeader)
}

// EnsureInputWants verifies every wanted object is present, fetching once
// if any are missing and failing if they remain missing afterward.
func (r *RepoCache) EnsureInputWants(ctx context.Context, wants []string, authHeader string) error {
	if !r.Exists() {
		return r.Update(ctx, authHeader)
	}

	observed := r.Mtime()
	rl, err := r.ReadLock(ctx)
	if err != nil {
		return err
	}
	present, err := r.CatFile(ctx, wants)
	rl.Release()
	if err != nil {
		return err
	}

	missing := missingWants(wants, present)
	if len(missing) == 0 {
		return nil
	}

	r.log.Info("wants missing from mirror, fetching", "path", r.path, "missing", len(missing))
	wl, err := r.WriteLock(ctx)
	if err != nil {
		return err
	}
	// Skip the fetch if another holder already refreshed the mirror while
	// this caller waited for the lock.
	if r.Mtime().Equal(observed) {
		err = r.Fetch(ctx, authHeader)
	}
	wl.Release()
	if err != nil {
		return fmt.Errorf("repocache: fetch for missing wants: %w", err)
	}

	rl, err = r.ReadLock(ctx)
	if err != nil {
		return err
	}
	defer rl.Release()
	present, err = r.CatFile(ctx, missing)
	if err != nil {
		return err
	}
	if still := missingWants(missing, present); len(still) > 0 {
		return fmt.Errorf("repocache: %d wanted object(s) not found upstream: %v", len(still), still[:min(3, len(still))])
	}
	return nil
}

func missingWants(wants []string, present map[string]bool) []string {
	var missing []string
	for _, w := range wants {
		if !present[w] {
			missing = append(missing, w)
		}
	}
	return missing
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// gitEnv disables global/system config and interactive prompts, and injects
// the client's Authorization header as a one-shot extraheader via
// GIT_CONFIG_* rather than writing it into the mirror's persisted config.
func gitEnv(authHeader string) []string {
	env := append(os.Environ(),
		"GIT_TERMINAL_PROMPT=0",
		"GIT_CONFIG_GLOBAL=/dev/null",
		"GIT_CONFIG_SYSTEM=/dev/null",
	)
	if authHeader != "" {
		env = append(env,
			"GIT_CONFIG_COUNT=1",
			"GIT_CONFIG_KEY_0=http.extraheader",
			fmt.Sprintf("GIT_CONFIG_VALUE_0=Authorization: %s", authHeader),
		)
	}
	return env
}
