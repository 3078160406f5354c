package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/formsync/internal/appstate"
	"github.com/agentworkforce/formsync/internal/durable"
	"github.com/agentworkforce/formsync/internal/gelf"
	"github.com/agentworkforce/formsync/internal/httpapi"
	"github.com/agentworkforce/formsync/internal/prefs"
	"github.com/agentworkforce/formsync/internal/reconcile"
	"github.com/agentworkforce/formsync/internal/remote"
)

const shutdownTimeout = 15 * time.Second

func main() {
	addr := flag.String("addr", envOrDefault("FORMSYNC_ADDR", "127.0.0.1:8080"), "listen address")
	dataDir := flag.String("data-dir", envOrDefault("FORMSYNC_DATA_DIR", ".formsync"), "local data directory")
	storeDSN := flag.String("store-dsn", strings.TrimSpace(os.Getenv("FORMSYNC_STORE_DSN")), "durable store DSN (default file://<data-dir>)")
	remoteURL := flag.String("remote-url", strings.TrimSpace(os.Getenv("FORMSYNC_REMOTE_URL")), "remote forms service base URL")
	remoteToken := flag.String("remote-token", strings.TrimSpace(os.Getenv("FORMSYNC_REMOTE_TOKEN")), "remote bearer token")
	jwtSecret := flag.String("jwt-secret", strings.TrimSpace(os.Getenv("FORMSYNC_JWT_SECRET")), "HS256 secret for API tokens")
	throttle := flag.Duration("throttle", durationEnv("FORMSYNC_THROTTLE", 500*time.Millisecond), "edit coalescing window")
	maxAttempts := flag.Int("max-attempts", intEnv("FORMSYNC_MAX_ATTEMPTS", 5), "write attempts per snapshot")
	retryDelay := flag.Duration("retry-delay", durationEnv("FORMSYNC_RETRY_DELAY", 100*time.Millisecond), "base write retry delay")
	retryMaxDelay := flag.Duration("retry-max-delay", durationEnv("FORMSYNC_RETRY_MAX_DELAY", 5*time.Second), "max write retry delay")
	interval := flag.Duration("sync-interval", durationEnv("FORMSYNC_SYNC_INTERVAL", 30*time.Second), "remote sync interval")
	intervalJitter := flag.Float64("sync-interval-jitter", floatEnv("FORMSYNC_SYNC_INTERVAL_JITTER", 0.2), "sync interval jitter ratio (0.0-1.0)")
	timeout := flag.Duration("sync-timeout", durationEnv("FORMSYNC_SYNC_TIMEOUT", 15*time.Second), "per-sync timeout")
	gelfAddr := flag.String("gelf-addr", strings.TrimSpace(os.Getenv("FORMSYNC_GELF_ADDR")), "GELF UDP address for log shipping")
	flag.Parse()

	if *gelfAddr != "" {
		writer, err := gelf.New(*gelfAddr, "formsync")
		if err != nil {
			log.Printf("gelf init failed: %v", err)
		} else {
			defer writer.Close()
			log.SetOutput(io.MultiWriter(os.Stderr, writer))
			log.Printf("gelf logging enabled (%s)", *gelfAddr)
		}
	}
	if *interval <= 0 {
		*interval = 30 * time.Second
	}
	if *timeout <= 0 {
		*timeout = 15 * time.Second
	}
	*intervalJitter = clampJitterRatio(*intervalJitter)

	dsn := resolveStoreDSN(*storeDSN, *dataDir)
	store, err := durable.BuildStoreFromDSN(dsn)
	if err != nil {
		log.Fatalf("failed to open store %s: %v", redactDSN(dsn), err)
	}

	var client remote.Client
	if *remoteURL != "" {
		client = remote.NewHTTPClient(*remoteURL, *remoteToken, &http.Client{Timeout: *timeout})
	}
	engine, err := reconcile.New(reconcile.Options{
		Store:          store,
		Remote:         client,
		State:          appstate.New(),
		Logger:         log.Default(),
		Throttle:       *throttle,
		MaxAttempts:    *maxAttempts,
		RetryBaseDelay: *retryDelay,
		RetryMaxDelay:  *retryMaxDelay,
	})
	if err != nil {
		log.Fatalf("failed to initialize reconciler: %v", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loadCtx, cancel := context.WithTimeout(rootCtx, *timeout)
	registry, err := engine.Load(loadCtx)
	cancel()
	if err != nil {
		log.Fatalf("failed to load forms: %v", err)
	}
	log.Printf("loaded %d forms (%d drafts) from %s", registry.Len(), registry.Drafts().Len(), redactDSN(dsn))

	api := httpapi.NewServer(engine, prefs.New(store), httpapi.ServerConfig{
		JWTSecret:       *jwtSecret,
		RateLimitMax:    intEnv("FORMSYNC_RATE_LIMIT_MAX", 0),
		RateLimitWindow: durationEnv("FORMSYNC_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:    int64Env("FORMSYNC_MAX_BODY_BYTES", 0),
		SyncTimeout:     *timeout,
		Logger:          log.Default(),
	})
	httpServer := &http.Server{Addr: *addr, Handler: api}
	serveErr := make(chan error, 1)
	go func() {
		log.Printf("formsync listening on %s", *addr)
		serveErr <- httpServer.ListenAndServe()
	}()

	if watcher, ok := store.(durable.Watcher); ok {
		go watchStore(rootCtx, watcher, engine)
	}
	if client != nil {
		go syncLoop(rootCtx, engine, *interval, *intervalJitter, *timeout)
	}

	select {
	case <-rootCtx.Done():
		log.Printf("formsync stopping: %v", rootCtx.Err())
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Printf("server failed: %v", err)
		}
	}
	shutdown(httpServer, api, engine, store)
}

// shutdown stops accepting requests, then flushes open working copies and
// every pending edit before the store is released.
func shutdown(httpServer *http.Server, api *httpapi.Server, engine *reconcile.Reconciler, store durable.Store) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("http shutdown failed: %v", err)
	}
	if err := api.Close(ctx); err != nil {
		log.Printf("flushing working copies failed: %v", err)
	}
	if err := engine.Close(ctx); err != nil {
		log.Printf("flushing pending edits failed: %v", err)
	}
	if err := durable.Close(store); err != nil {
		log.Printf("closing store failed: %v", err)
	}
}

func watchStore(ctx context.Context, watcher durable.Watcher, engine *reconcile.Reconciler) {
	err := watcher.Watch(ctx, func(key string) {
		if err := engine.Reload(ctx, key); err != nil {
			log.Printf("reload %s failed: %v", key, err)
		}
	})
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, durable.ErrNotImplemented) {
		log.Printf("store watch stopped: %v", err)
	}
}

func syncLoop(ctx context.Context, engine *reconcile.Reconciler, interval time.Duration, jitter float64, timeout time.Duration) {
	run := func() {
		syncCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := engine.Sync(syncCtx); err != nil {
			log.Printf("sync cycle failed: %v", err)
			return
		}
		status := engine.Status()
		if len(status.Unsynced) > 0 || len(status.PendingSubmission) > 0 {
			log.Printf("sync cycle completed: %d unsynced, %d pending submission", len(status.Unsynced), len(status.PendingSubmission))
		}
	}

	run()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(interval, jitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			run()
			timer.Reset(jitteredIntervalWithSample(interval, jitter, rng.Float64()))
		}
	}
}

func resolveStoreDSN(dsn, dataDir string) string {
	if dsn = strings.TrimSpace(dsn); dsn != "" {
		return dsn
	}
	return "file://" + filepath.Clean(dataDir)
}

// redactDSN hides the password of a connection URL before it is logged.
func redactDSN(dsn string) string {
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return dsn
	}
	userinfo, host, ok := strings.Cut(rest, "@")
	if !ok {
		return dsn
	}
	if user, _, hasPassword := strings.Cut(userinfo, ":"); hasPassword {
		return scheme + "://" + user + ":xxxxx@" + host
	}
	return dsn
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %f", name, raw, fallback)
		return fallback
	}
	return value
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
