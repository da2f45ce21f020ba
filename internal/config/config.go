// Package config loads process configuration from flags with environment
// variable fallbacks: a flag.FlagSet parsed against explicit args (for
// testability) plus envOrDefault-style helpers, never a third config-file
// format.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ListenAddr string
	WorkDir    string // root of git/, pack_cache/, auth_cache/, bundles/

	AllowedUpstreams []string
	LogLevel         string
	AuthMode         string
	StaticToken      string
	MetricsPath      string
	HealthPath       string

	AWSCloudMapServiceID string
	Route53HostedZoneID  string
	Route53RecordName    string

	SerializeUploadPack   bool
	UploadPackThreads     int
	UploadPackConcurrency int
	MaintainAfterSync   bool
	MaintenanceRepo     string

	SyncStaleAfter time.Duration
	WorkDirMaxSize SizeSpec

	EnablePackCache       bool
	PackCacheChunkSize    int64
	PackCacheSizeGB       int
	BackoffStart          time.Duration
	BackoffCount          int
	GitProgressOption     string
	ChunkSize             int
	GitProcessWaitTimeout time.Duration

	AuthCacheTTL time.Duration

	UpstreamTimeout   time.Duration
	AllowInsecureHTTP bool
	UserAgent         string
}

// PackCacheTargetBytes is the effective eviction ceiling: the configured
// budget minus 512MiB of headroom, per the cleaner's contract.
func (c *Config) PackCacheTargetBytes() int64 {
	target := int64(c.PackCacheSizeGB)*1024 - 512
	if target < 0 {
		target = 0
	}
	return target * 1024 * 1024
}

func Load() (*Config, error) {
	return LoadArgs(os.Args[1:])
}

func LoadArgs(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("gitcdn", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&cfg.ListenAddr, "listen-addr", envOrDefault("LISTEN_ADDR", ":8080"), "HTTP listen address")
	fs.StringVar(&cfg.WorkDir, "work-dir", envOrDefault("WORK_DIR", "/var/lib/gitcdn"), "root directory for mirrors, pack cache, auth cache and bundles")
	fs.StringVar(&cfg.LogLevel, "log-level", envOrDefault("LOG_LEVEL", "info"), "log level: debug,info,warn,error")
	fs.StringVar(&cfg.AuthMode, "auth-mode", envOrDefault("AUTH_MODE", "pass-through"), "auth mode: pass-through|static|none")
	fs.StringVar(&cfg.StaticToken, "static-token", envOrDefault("STATIC_TOKEN", ""), "static token used when auth-mode=static")
	fs.StringVar(&cfg.MetricsPath, "metrics-path", envOrDefault("METRICS_PATH", "/metrics"), "path for Prometheus metrics")
	fs.StringVar(&cfg.HealthPath, "health-path", envOrDefault("HEALTH_PATH", "/healthz"), "path for health checks")
	fs.StringVar(&cfg.AWSCloudMapServiceID, "aws-cloud-map-service-id", envOrDefault("AWS_CLOUD_MAP_SERVICE_ID", ""), "AWS Cloud Map service ID for registration and health heartbeat")
	fs.StringVar(&cfg.Route53HostedZoneID, "route53-hosted-zone-id", envOrDefault("ROUTE53_HOSTED_ZONE_ID", ""), "Route53 hosted zone ID for DNS registration")
	fs.StringVar(&cfg.Route53RecordName, "route53-record-name", envOrDefault("ROUTE53_RECORD_NAME", ""), "Route53 record name (e.g., gitcdn.example.com)")
	fs.BoolVar(&cfg.SerializeUploadPack, "serialize-upload-pack", envOrDefaultBool("SERIALIZE_UPLOAD_PACK", false), "serialize upload-pack per repo; parsed but not acted on by any component")
	fs.IntVar(&cfg.UploadPackThreads, "upload-pack-threads", envOrDefaultInt("UPLOAD_PACK_THREADS", 0), "pack.threads for upload-pack; parsed but not passed to the upload-pack subprocess")
	fs.IntVar(&cfg.UploadPackConcurrency, "upload-pack-concurrency", envOrDefaultInt("UPLOAD_PACK_CONCURRENCY", 0), "max concurrent git-upload-pack subprocesses (0 means unbounded)")
	fs.BoolVar(&cfg.MaintainAfterSync, "maintain-after-sync", envOrDefaultBool("MAINTAIN_AFTER_SYNC", false), "lightweight maintenance after sync; parsed but no maintenance is run")
	fs.StringVar(&cfg.MaintenanceRepo, "maintenance-repo", envOrDefault("MAINTENANCE_REPO", ""), "repo path or \"all\" for a maintenance run; parsed but the proxy starts normally and runs no maintenance")
	fs.BoolVar(&cfg.EnablePackCache, "enable-pack-cache", envOrDefaultBool("ENABLE_PACK_CACHE", true), "cache upload-pack output keyed by negotiation fingerprint")
	fs.Int64Var(&cfg.PackCacheChunkSize, "pack-cache-chunk-size", envOrDefaultInt64("PACK_CACHE_CHUNK_SIZE", 1024*1024), "read chunk size when streaming pack cache entries")
	fs.IntVar(&cfg.PackCacheSizeGB, "pack-cache-size-gb", envOrDefaultInt("PACK_CACHE_SIZE_GB", 20), "pack cache eviction ceiling in GiB")
	fs.StringVar(&cfg.GitProgressOption, "git-progress-option", envOrDefault("GIT_PROGRESS_OPTION", "--progress"), "progress flag passed to git clone/fetch")
	fs.IntVar(&cfg.ChunkSize, "chunk-size", envOrDefaultInt("CHUNK_SIZE", 32*1024), "non-cached stdout to client chunk size")

	allowedUpstreamsStr := fs.String("allowed-upstreams", envOrDefault("ALLOWED_UPSTREAMS", "github.com"), "comma-separated list of allowed upstream hosts")
	syncStaleAfterStr := fs.String("sync-stale-after", envOrDefault("SYNC_STALE_AFTER", "2s"), "opportunistically refresh a mirror if older than this duration")
	workDirMaxSizeStr := fs.String("work-dir-max-size", envOrDefault("WORK_DIR_MAX_SIZE", ""), "informational max size for the mirror root (e.g. 200GiB, 80%)")
	backoffStartStr := fs.String("backoff-start", envOrDefault("BACKOFF_START", "500ms"), "clone/fetch retry initial backoff")
	backoffCountStr := fs.String("backoff-count", envOrDefault("BACKOFF_COUNT", "5"), "clone/fetch retry attempt count")
	gitProcessWaitTimeoutStr := fs.String("git-process-wait-timeout", envOrDefault("GIT_PROCESS_WAIT_TIMEOUT", "5s"), "default subprocess reap timeout")
	authCacheTTLStr := fs.String("auth-cache-ttl", envOrDefault("AUTH_CACHE_TTL", "0s"), "TTL for the auth-ok cache; 0 disables it")
	upstreamTimeoutStr := fs.String("upstream-timeout", envOrDefault("UPSTREAM_TIMEOUT", "30s"), "timeout for auth-validation requests against upstream")
	fs.BoolVar(&cfg.AllowInsecureHTTP, "allow-insecure-http", envOrDefaultBool("ALLOW_INSECURE_HTTP", false), "allow http:// upstreams for auth validation")
	fs.StringVar(&cfg.UserAgent, "user-agent", envOrDefault("USER_AGENT", "gitcdn"), "User-Agent sent on upstream auth-validation requests")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	var err error
	if cfg.SyncStaleAfter, err = time.ParseDuration(*syncStaleAfterStr); err != nil {
		return nil, fmt.Errorf("invalid sync-stale-after: %w", err)
	}
	if *workDirMaxSizeStr != "" {
		if cfg.WorkDirMaxSize, err = ParseSizeSpec(*workDirMaxSizeStr); err != nil {
			return nil, fmt.Errorf("invalid work-dir-max-size: %w", err)
		}
	}
	if cfg.BackoffStart, err = time.ParseDuration(*backoffStartStr); err != nil {
		return nil, fmt.Errorf("invalid backoff-start: %w", err)
	}
	if cfg.BackoffCount, err = strconv.Atoi(*backoffCountStr); err != nil {
		return nil, fmt.Errorf("invalid backoff-count: %w", err)
	}
	if cfg.GitProcessWaitTimeout, err = time.ParseDuration(*gitProcessWaitTimeoutStr); err != nil {
		return nil, fmt.Errorf("invalid git-process-wait-timeout: %w", err)
	}
	if cfg.AuthCacheTTL, err = time.ParseDuration(*authCacheTTLStr); err != nil {
		return nil, fmt.Errorf("invalid auth-cache-ttl: %w", err)
	}
	if cfg.UpstreamTimeout, err = time.ParseDuration(*upstreamTimeoutStr); err != nil {
		return nil, fmt.Errorf("invalid upstream-timeout: %w", err)
	}

	for _, h := range strings.Split(*allowedUpstreamsStr, ",") {
		h = strings.TrimSpace(h)
		if h != "" {
			cfg.AllowedUpstreams = append(cfg.AllowedUpstreams, h)
		}
	}
	if len(cfg.AllowedUpstreams) == 0 {
		return nil, errors.New("at least one allowed upstream is required")
	}

	if err := validateAuth(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// GitDir, BundleDir, PackCacheDir and AuthCacheDir mirror the filesystem
// layout this proxy maintains under WorkDir.
func (c *Config) GitDir() string       { return c.WorkDir + "/git" }
func (c *Config) BundleDir() string    { return c.WorkDir + "/bundles" }
func (c *Config) PackCacheDir() string { return c.WorkDir + "/pack_cache" }
func (c *Config) AuthCacheDir() string { return c.WorkDir + "/auth_cache" }

func validateAuth(cfg *Config) error {
	switch cfg.AuthMode {
	case "pass-through", "none":
		return nil
	case "static":
		if cfg.StaticToken == "" {
			return errors.New("auth-mode=static requires STATIC_TOKEN")
		}
		return nil
	default:
		return fmt.Errorf("unknown auth-mode: %s", cfg.AuthMode)
	}
}

func envOrDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envOrDefaultBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envOrDefaultInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	if n, err := strconv.Atoi(v); err == nil {
		return n
	}
	return def
}

func envOrDefaultInt64(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return n
	}
	return def
}
