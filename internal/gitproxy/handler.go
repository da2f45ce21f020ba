package gitproxy

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/example/gitcdn/internal/authcache"
	"github.com/example/gitcdn/internal/config"
	"github.com/example/gitcdn/internal/metrics"
	"github.com/example/gitcdn/internal/repocache"
	"github.com/example/gitcdn/internal/upstream"
	"github.com/example/gitcdn/internal/uploadpack"
)

// Kind represents the type of git request.
type Kind string

const (
	KindInfo Kind = "info"
	KindPack Kind = "pack"
)

// maxUploadPackBody bounds how much of a negotiation request is read into
// memory; upload-pack negotiations are small even for huge repositories
// since only object ids and capabilities travel in the body.
const maxUploadPackBody = 4 << 20

type Server struct {
	cfg            *config.Config
	orchestrator   *Orchestrator
	authCache      *authcache.Cache
	upstreamClient *upstream.Client
	log            *slog.Logger
	metrics        *metrics.Metrics
}

func New(cfg *config.Config, orchestrator *Orchestrator, authCache *authcache.Cache, upstreamClient *upstream.Client, log *slog.Logger, m *metrics.Metrics) *Server {
	return &Server{cfg: cfg, orchestrator: orchestrator, authCache: authCache, upstreamClient: upstreamClient, log: log, metrics: m}
}

func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		s.log.Debug("incoming request", "method", r.Method, "path", r.URL.Path, "query", r.URL.RawQuery)

		host, owner, repo, kind, err := s.resolveTarget(r)
		if err != nil {
			s.log.Error("resolve target failed", "err", err, "path", r.URL.Path)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		repoKey := fmt.Sprintf("%s/%s/%s", host, owner, repo)
		s.metrics.RequestsTotal.WithLabelValues(repoKey, string(kind)).Inc()

		switch kind {
		case KindInfo:
			s.handleInfoRefs(w, r, host, owner, repo, repoKey, start)
		case KindPack:
			s.handleUploadPack(w, r, host, owner, repo, repoKey, start)
		default:
			http.Error(w, "unsupported path", http.StatusBadRequest)
		}
	})
}

func (s *Server) newRepoCache(host, owner, repo string) *repocache.RepoCache {
	repoRelPath := filepath.Join(host, owner, repo+".git")
	upstreamURL := fmt.Sprintf("https://%s/%s/%s.git", host, owner, repo)
	bundlePath := filepath.Join(s.cfg.BundleDir(), host, owner, repo+".bundle")

	return repocache.New(
		filepath.Join(s.cfg.GitDir(), repoRelPath), upstreamURL, s.metrics, s.log,
		repocache.WithBundle(bundlePath),
		repocache.WithBackoff(s.cfg.BackoffStart, s.cfg.BackoffCount),
		repocache.WithSyncStaleAge(s.cfg.SyncStaleAfter),
		repocache.WithWaitTimeout(s.cfg.GitProcessWaitTimeout),
		repocache.WithProgressOption(s.cfg.GitProgressOption),
	)
}

// authHeaderFor resolves the credential this proxy presents to upstream,
// per the configured auth mode: a static operator-configured token, the
// client's own Authorization header forwarded unchanged, or none at all.
func (s *Server) authHeaderFor(r *http.Request) string {
	switch s.cfg.AuthMode {
	case "static":
		if s.cfg.StaticToken == "" {
			return ""
		}
		return "Bearer " + s.cfg.StaticToken
	case "pass-through":
		return r.Header.Get("Authorization")
	default: // "none"
		return ""
	}
}

// checkAuth re-validates authHeader against upstream if the mirror is known
// to require a credential and the auth cache doesn't already have a fresh
// validation on file. It returns false (and has already written an HTTP 401)
// when upstream rejects it.
func (s *Server) checkAuth(ctx context.Context, rc *repocache.RepoCache, authHeader string, upstreamURL string, w http.ResponseWriter) bool {
	if authHeader == "" || !rc.Exists() || !rc.RequiresAuth() {
		return true
	}
	if s.authCache.Ok(authHeader, rc.Path()) {
		return true
	}

	headers := http.Header{}
	if authHeader != "" {
		headers.Set("Authorization", authHeader)
	}
	resp, err := s.upstreamClient.Do(ctx, http.MethodGet, upstreamURL+"/info/refs?service=git-upload-pack", nil, headers)
	if err != nil {
		s.log.Warn("auth validation request failed", "err", err, "repo", rc.Path())
		return true // fail open: transient upstream hiccups shouldn't 401 a client with valid creds
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		http.Error(w, "upstream rejected credentials", http.StatusUnauthorized)
		return false
	}
	s.authCache.StoreOk(authHeader, rc.Path())
	return true
}

func (s *Server) handleInfoRefs(w http.ResponseWriter, r *http.Request, host, owner, repo, repoKey string, start time.Time) {
	if service := r.URL.Query().Get("service"); service != "git-upload-pack" {
		http.Error(w, "unsupported service", http.StatusBadRequest)
		return
	}

	rc := s.newRepoCache(host, owner, repo)
	authHeader := s.authHeaderFor(r)
	upstreamURL := fmt.Sprintf("https://%s/%s/%s", host, owner, repo)

	if !s.checkAuth(r.Context(), rc, authHeader, upstreamURL, w) {
		s.metrics.ErrorsTotal.WithLabelValues(repoKey, string(KindInfo)).Inc()
		return
	}

	if err := rc.Update(r.Context(), authHeader); err != nil {
		s.fail(w, repoKey, KindInfo, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-git-upload-pack-advertisement")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	if err := ServeInfoRefs(r.Context(), w, rc.Path()); err != nil {
		s.log.Error("serve info/refs failed", "err", err, "repo", repoKey)
		return
	}

	s.metrics.ResponsesTotal.WithLabelValues(repoKey, string(KindInfo), "200").Inc()
	s.log.Debug("info/refs complete", "repo", repoKey, "total_duration_ms", time.Since(start).Milliseconds())
}

func (s *Server) handleUploadPack(w http.ResponseWriter, r *http.Request, host, owner, repo, repoKey string, start time.Time) {
	body, err := readBodyMaybeGzip(r)
	if err != nil {
		s.fail(w, repoKey, KindPack, fmt.Errorf("reading request body: %w", err))
		return
	}

	protocol := 0
	if gp := r.Header.Get("Git-Protocol"); gp != "" {
		if _, err := fmt.Sscanf(gp, "version=%d", &protocol); err != nil {
			protocol = 0
		}
	}

	parsed := uploadpack.Parse(body, protocol)
	rc := s.newRepoCache(host, owner, repo)
	authHeader := s.authHeaderFor(r)
	upstreamURL := fmt.Sprintf("https://%s/%s/%s", host, owner, repo)

	if !s.checkAuth(r.Context(), rc, authHeader, upstreamURL, w) {
		s.metrics.ErrorsTotal.WithLabelValues(repoKey, string(KindPack)).Inc()
		return
	}
	if err := rc.Update(r.Context(), authHeader); err != nil {
		s.fail(w, repoKey, KindPack, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-git-upload-pack-result")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	fw := flushWriter{w: w}
	if f, ok := w.(http.Flusher); ok {
		fw.flusher = f
	}
	s.orchestrator.Run(r.Context(), rc, authHeader, body, parsed, fw)

	s.metrics.ResponsesTotal.WithLabelValues(repoKey, string(KindPack), "200").Inc()
	s.log.Debug("upload-pack complete", "repo", repoKey, "total_duration_ms", time.Since(start).Milliseconds())
}

func (s *Server) resolveTarget(r *http.Request) (host, owner, repo string, kind Kind, err error) {
	pathStr := strings.TrimPrefix(r.URL.Path, "/")
	if pathStr == "" {
		return "", "", "", "", errors.New("empty path")
	}

	u, err := url.Parse("https://placeholder/" + pathStr)
	if err != nil {
		return "", "", "", "", fmt.Errorf("invalid path: %w", err)
	}

	switch {
	case strings.HasSuffix(u.Path, "/info/refs"):
		kind = KindInfo
	case strings.HasSuffix(u.Path, "/git-upload-pack"):
		kind = KindPack
	default:
		return "", "", "", "", fmt.Errorf("unsupported endpoint: %s", u.Path)
	}

	repoPath := strings.TrimPrefix(u.Path, "/")
	repoPath = strings.TrimSuffix(repoPath, "/info/refs")
	repoPath = strings.TrimSuffix(repoPath, "/git-upload-pack")
	repoPath = strings.TrimSuffix(repoPath, ".git")

	parts := strings.SplitN(repoPath, "/", 3)
	if len(parts) < 3 {
		return "", "", "", "", errors.New("invalid path: expected /{host}/{owner}/{repo}/...")
	}
	host = parts[0]
	owner = parts[1]
	repo = parts[2]

	if strings.Contains(repo, "/") {
		repo = path.Base(repo)
	}

	allowed := false
	for _, h := range s.cfg.AllowedUpstreams {
		if h == host {
			allowed = true
			break
		}
	}
	if !allowed {
		return "", "", "", "", fmt.Errorf("upstream %q not in allowed list", host)
	}

	return host, owner, repo, kind, nil
}

func (s *Server) fail(w http.ResponseWriter, repo string, kind Kind, err error) {
	s.metrics.ErrorsTotal.WithLabelValues(repo, string(kind)).Inc()
	s.log.Error("request failed", "err", err, "repo", repo, "kind", kind)
	status := http.StatusBadGateway
	if errors.Is(err, repocache.ErrUnauthorized) {
		status = http.StatusUnauthorized
	}
	http.Error(w, err.Error(), status)
}

// flushWriter adapts an http.ResponseWriter into the io.Writer the
// orchestrator streams into, flushing after every write when the
// underlying writer supports it so a client sees pack bytes as they're
// produced instead of buffered until the handler returns.
type flushWriter struct {
	w       io.Writer
	flusher http.Flusher
}

func (fw flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	if fw.flusher != nil {
		fw.flusher.Flush()
	}
	return n, err
}

func readBodyMaybeGzip(r *http.Request) ([]byte, error) {
	var reader io.Reader = r.Body
	if strings.Contains(r.Header.Get("Content-Encoding"), "gzip") {
		gz, err := gzip.NewReader(r.Body)
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		reader = gz
	}
	buf := bytes.NewBuffer(nil)
	if _, err := io.CopyN(buf, reader, maxUploadPackBody+1); err != nil && err != io.EOF {
		return nil, err
	}
	if buf.Len() > maxUploadPackBody {
		return nil, fmt.Errorf("body too large (%d bytes)", buf.Len())
	}
	return buf.Bytes(), nil
}
