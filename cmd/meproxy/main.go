// Command meproxy is the composition root wiring config load, the
// proxy-secret fetcher, the middle-proxy connection pool, its health
// monitor, and the config hot-reload watcher. The client-facing listener
// and TLS-faking front are external collaborators (spec §1 Non-goals);
// this binary exists only to make the transport core reachable.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/telemt/meproxy/internal/config"
	"github.com/telemt/meproxy/internal/handshake"
	"github.com/telemt/meproxy/internal/log"
	"github.com/telemt/meproxy/internal/meconn"
	"github.com/telemt/meproxy/internal/registry"
	"github.com/telemt/meproxy/internal/secret"
)

var logger = log.New("pkg", "main")

func main() {
	configPath := flag.String("config", "config.yaml", "path to the proxy YAML config")
	secretCachePath := flag.String("secret-cache", "proxy-secret", "path to the cached proxy-secret file")
	metricsAddr := flag.String("metrics-addr", "127.0.0.1:9090", "address to serve Prometheus metrics on")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Crit("failed to load config", "path", *configPath, "err", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		logger.Crit("invalid config", "err", err)
		os.Exit(1)
	}
	log.SetLevel(log.LevelFromString(cfg.General.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fetcher := secret.New(*secretCachePath, nil)
	proxySecret, err := fetcher.Fetch(ctx)
	if err != nil {
		logger.Crit("failed to obtain proxy secret", "err", err)
		os.Exit(1)
	}

	endpoints := meconn.DefaultEndpoints
	if len(cfg.Network.MiddleProxies) > 0 {
		parsed, err := meconn.ParseEndpoints(cfg.Network.MiddleProxies)
		if err != nil {
			logger.Crit("invalid network.middle_proxies", "err", err)
			os.Exit(1)
		}
		endpoints = parsed
	}

	reg := registry.New()
	pool, err := meconn.Init(ctx, endpoints, cfg.General.MiddleProxyPoolSize, proxySecret, []byte(cfg.General.AdTag), reg, handshake.DefaultTimeouts)
	if err != nil {
		logger.Crit("failed to bring up middle-proxy pool", "err", err)
		os.Exit(1)
	}
	logger.Info("middle-proxy pool ready", "connections", pool.ConnectionCount())

	health := meconn.NewHealthMonitor(pool, cfg.General.MiddleProxyPoolSize)
	go health.Run(ctx)

	watcher := config.NewWatcher(*configPath, cfg, config.DefaultReloadInterval)
	go func() {
		if err := watcher.Run(ctx); err != nil && err != context.Canceled {
			logger.Warn("config watcher stopped", "err", err)
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: *metricsAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server stopped", "err", err)
		}
	}()

	logger.Info("meproxy running", "metrics_addr", *metricsAddr)
	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), handshake.DefaultTimeouts.Connect)
	defer cancel()
	srv.Shutdown(shutdownCtx)
}
