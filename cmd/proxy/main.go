package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/gitcdn/internal/authcache"
	"github.com/example/gitcdn/internal/cloudmap"
	"github.com/example/gitcdn/internal/config"
	"github.com/example/gitcdn/internal/gitproxy"
	"github.com/example/gitcdn/internal/logging"
	"github.com/example/gitcdn/internal/metrics"
	"github.com/example/gitcdn/internal/packcache"
	"github.com/example/gitcdn/internal/route53"
	"github.com/example/gitcdn/internal/upstream"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger init: %v", err)
	}

	metricsRegistry := metrics.New()

	pcache, err := packcache.New(cfg.PackCacheDir(), cfg.PackCacheChunkSize, metricsRegistry, logger)
	if err != nil {
		logger.Error("pack cache init failed", "err", err)
		os.Exit(1)
	}
	cleaner := packcache.NewCleaner(pcache, cfg.PackCacheTargetBytes(), logger)
	if !cfg.EnablePackCache {
		pcache, cleaner = nil, nil
	}
	orchestrator := gitproxy.NewOrchestrator(cfg, pcache, cleaner, metricsRegistry, logger)

	authCacheStore, err := authcache.New(cfg.AuthCacheDir(), cfg.AuthCacheTTL, logger)
	if err != nil {
		logger.Error("auth cache init failed", "err", err)
		os.Exit(1)
	}
	upClient := upstream.NewClient(cfg.UpstreamTimeout, cfg.AllowInsecureHTTP, cfg.UserAgent)

	server := gitproxy.New(cfg, orchestrator, authCacheStore, upClient, logger, metricsRegistry)

	mux := http.NewServeMux()
	mux.Handle(cfg.HealthPath, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	}))
	mux.Handle(cfg.MetricsPath, promhttp.Handler())
	mux.Handle("/", server.Handler())

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
	}

	ctx, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	cloudMapMgr := startCloudMap(ctx, cfg, logger)
	route53Mgr := registerRoute53(ctx, cfg, logger)

	go func() {
		logger.Info("listening", "addr", cfg.ListenAddr, "work_dir", cfg.WorkDir, "allowed_upstreams", cfg.AllowedUpstreams)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "err", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if cloudMapMgr != nil {
		cloudMapMgr.Stop(shutdownCtx)
	}
	if route53Mgr != nil {
		if err := route53Mgr.Deregister(shutdownCtx); err != nil {
			logger.Warn("route53 deregister failed", "err", err)
		}
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "err", err)
	}
}

func startCloudMap(ctx context.Context, cfg *config.Config, logger *slog.Logger) *cloudmap.Manager {
	if cfg.AWSCloudMapServiceID == "" {
		return nil
	}
	mgr, err := cloudmap.New(ctx, cfg.AWSCloudMapServiceID, logger)
	if err != nil {
		logger.Error("cloud map init failed", "err", err)
		return nil
	}
	if err := mgr.Start(ctx); err != nil {
		logger.Error("cloud map registration failed", "err", err)
		return nil
	}
	return mgr
}

func registerRoute53(ctx context.Context, cfg *config.Config, logger *slog.Logger) *route53.Manager {
	if cfg.Route53HostedZoneID == "" || cfg.Route53RecordName == "" {
		return nil
	}
	mgr, err := route53.New(ctx, cfg.Route53HostedZoneID, cfg.Route53RecordName, logger)
	if err != nil {
		logger.Error("route53 init failed", "err", err)
		return nil
	}
	if err := mgr.Register(ctx); err != nil {
		logger.Error("route53 registration failed", "err", err)
		return nil
	}
	return mgr
}
