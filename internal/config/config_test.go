package config

import (
	"testing"
)

func TestDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := LoadArgs([]string{})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Fatalf("listen addr default mismatch: %s", cfg.ListenAddr)
	}
	if cfg.WorkDir == "" {
		t.Fatalf("work dir default empty")
	}
	if cfg.PackCacheSizeGB <= 0 {
		t.Fatalf("pack cache size default invalid: %d", cfg.PackCacheSizeGB)
	}
	if got, want := cfg.PackCacheTargetBytes(), int64(20*1024-512)*1024*1024; got != want {
		t.Fatalf("pack cache target got %d want %d", got, want)
	}
}

func TestStaticAuthRequiresToken(t *testing.T) {
	clearEnv(t)
	_, err := LoadArgs([]string{"-auth-mode=static"})
	if err == nil {
		t.Fatalf("expected error when static token missing")
	}
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PACK_CACHE_SIZE_GB", "5")
	t.Setenv("BACKOFF_COUNT", "3")
	cfg, err := LoadArgs([]string{})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.PackCacheSizeGB != 5 {
		t.Fatalf("expected pack cache size override, got %d", cfg.PackCacheSizeGB)
	}
	if cfg.BackoffCount != 3 {
		t.Fatalf("expected backoff count override, got %d", cfg.BackoffCount)
	}
}

func TestAllowedUpstreamsRequired(t *testing.T) {
	clearEnv(t)
	if _, err := LoadArgs([]string{"-allowed-upstreams="}); err == nil {
		t.Fatalf("expected error with no allowed upstreams")
	}
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"LISTEN_ADDR", "WORK_DIR", "LOG_LEVEL", "AUTH_MODE", "STATIC_TOKEN",
		"PACK_CACHE_SIZE_GB", "PACK_CACHE_CHUNK_SIZE", "BACKOFF_START", "BACKOFF_COUNT",
		"GIT_PROGRESS_OPTION", "CHUNK_SIZE", "GIT_PROCESS_WAIT_TIMEOUT", "ALLOWED_UPSTREAMS",
		"AUTH_CACHE_TTL", "WORK_DIR_MAX_SIZE", "UPLOAD_PACK_CONCURRENCY",
		"UPSTREAM_TIMEOUT", "ALLOW_INSECURE_HTTP", "USER_AGENT",
	} {
		t.Setenv(k, "")
	}
}
