package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"golang.org/x/net/netutil"

	"github.com/latencypoison/poisond/internal/api"
	"github.com/latencypoison/poisond/internal/buildinfo"
	"github.com/latencypoison/poisond/internal/config"
	"github.com/latencypoison/poisond/internal/geoip"
	"github.com/latencypoison/poisond/internal/keystore"
	"github.com/latencypoison/poisond/internal/proxy"
	"github.com/latencypoison/poisond/internal/quota"
	"github.com/latencypoison/poisond/internal/ratelimit"
	"github.com/latencypoison/poisond/internal/rule"
	"github.com/latencypoison/poisond/internal/service"
	"github.com/latencypoison/poisond/internal/usagelog"
)

func main() {
	// 1. Load and validate environment config
	envCfg, err := config.LoadEnvConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(envCfg.StateDir, 0o755); err != nil {
		log.Fatalf("create state dir: %v", err)
	}

	// 2. Open databases
	stateDB, err := keystore.OpenDB(filepath.Join(envCfg.StateDir, "state.db"))
	if err != nil {
		log.Fatalf("open state.db: %v", err)
	}
	defer stateDB.Close()
	if err := keystore.MigrateStateDB(stateDB); err != nil {
		log.Fatalf("migrate state.db: %v", err)
	}

	usageDB, err := keystore.OpenDB(filepath.Join(envCfg.StateDir, "usage.db"))
	if err != nil {
		log.Fatalf("open usage.db: %v", err)
	}
	defer usageDB.Close()
	usageRepo, err := usagelog.NewRepo(usageDB)
	if err != nil {
		log.Fatalf("init usage.db: %v", err)
	}

	// 3. Key store with read-through cache
	keyRepo := keystore.NewRepo(stateDB)
	keyStore, err := keystore.NewStore(keyRepo, envCfg.KeyCacheEntries, envCfg.KeyCacheTTL)
	if err != nil {
		log.Fatalf("init key cache: %v", err)
	}

	// 4. Plans and quota gate
	var plans quota.PlanSource
	if envCfg.PlansFile != "" {
		src, err := quota.LoadPlansFile(envCfg.PlansFile)
		if err != nil {
			log.Fatalf("load plans file: %v", err)
		}
		plans = src
	} else {
		plans = quota.NewStaticSource()
	}
	gate := quota.NewGate(plans, usageRepo, envCfg.UsageCounterResyncEvery)

	// 5. Sandbox rate limiter (shared via Redis when configured)
	var limiter ratelimit.Limiter
	if envCfg.RedisURL != "" {
		opts, err := redis.ParseURL(envCfg.RedisURL)
		if err != nil {
			log.Fatalf("parse LP_REDIS_URL: %v", err)
		}
		limiter = ratelimit.NewRedisLimiter(redis.NewClient(opts), envCfg.SandboxRatePerSecond, envCfg.SandboxBurst)
		log.Printf("[main] sandbox rate limiter: redis")
	} else {
		limiter = ratelimit.NewLocalLimiter(envCfg.SandboxRatePerSecond, envCfg.SandboxBurst)
		log.Printf("[main] sandbox rate limiter: local")
	}

	// 6. Optional GeoIP enrichment
	var geo *geoip.Resolver
	if envCfg.GeoIPDBPath != "" {
		geo, err = geoip.Open(envCfg.GeoIPDBPath)
		if err != nil {
			log.Fatalf("open geoip db: %v", err)
		}
		defer geo.Close()
	}

	// 7. Usage recorder
	usageSvc := usagelog.NewService(usagelog.ServiceConfig{
		Repo:          usageRepo,
		QueueSize:     envCfg.UsageQueueSize,
		FlushBatch:    envCfg.UsageFlushBatchSize,
		FlushInterval: envCfg.UsageFlushInterval,
	})
	usageSvc.Start()
	defer usageSvc.Stop()

	// 8. Usage retention pruning
	cronRunner := cron.New()
	_, err = cronRunner.AddFunc(envCfg.UsagePruneSchedule, func() {
		cutoff := time.Now().AddDate(0, 0, -envCfg.UsageRetentionDays)
		removed, err := usageRepo.PruneOlderThan(cutoff)
		if err != nil {
			log.Printf("[usagelog] prune failed: %v", err)
			return
		}
		log.Printf("[usagelog] pruned %d entries older than %s", removed, cutoff.Format(time.RFC3339))
	})
	if err != nil {
		log.Fatalf("schedule usage prune: %v", err)
	}
	cronRunner.Start()
	defer cronRunner.Stop()

	// 9. Data plane
	limits := rule.Limits{
		MaxTargetURLLen:     envCfg.MaxTargetURLLen,
		MaxInjectLatencyMs:  envCfg.MaxInjectLatencyMs,
		DefaultMaxLatencyMs: envCfg.DefaultMaxLatencyMs,
	}
	resolver := rule.NewResolver(keyStore, limits)
	transport := proxy.NewUpstreamTransport(proxy.TransportConfig{
		MaxIdleConns:        envCfg.TransportMaxIdleConns,
		MaxIdleConnsPerHost: envCfg.TransportMaxIdleConnsPerHost,
		IdleConnTimeout:     envCfg.TransportIdleConnTimeout,
	})
	forwarder := proxy.NewForwarder(transport, envCfg.UpstreamTimeout)
	sandboxHandler := proxy.NewSandboxHandler(resolver, limiter, forwarder)
	keyHandler := proxy.NewKeyHandler(resolver, gate, forwarder, usageSvc, geo)

	// 10. Control plane
	cp := service.NewControlPlaneService(keyStore, gate, usageRepo, limits)
	sysInfo := service.SystemInfo{
		Version:   buildinfo.Version,
		GitCommit: buildinfo.GitCommit,
		BuildTime: buildinfo.BuildTime,
		StartedAt: time.Now().UTC(),
	}
	if envCfg.AdminToken == "" {
		log.Printf("[main] warning: LP_ADMIN_TOKEN is empty, control plane auth is disabled")
	}
	apiHandler := api.NewHandler(envCfg.AdminToken, sysInfo, cp, int64(envCfg.APIMaxBodyBytes))

	// 11. Listen with a bounded connection count
	addr := net.JoinHostPort(envCfg.ListenAddress, strconv.Itoa(envCfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatalf("listen on %s: %v", addr, err)
	}
	ln = netutil.LimitListener(ln, envCfg.MaxConnections)

	srv := &http.Server{
		Handler: newInboundMux(apiHandler, sandboxHandler, keyHandler),
	}
	go func() {
		log.Printf("[main] poisond %s listening on %s", buildinfo.Version, addr)
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	// 12. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Printf("[main] received signal %s, shutting down...", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("[main] server shutdown error: %v", err)
	}
	log.Println("[main] server stopped")
}
