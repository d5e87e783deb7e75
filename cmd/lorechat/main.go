package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"lorechat/internal/app"
	"lorechat/internal/config"
	"lorechat/internal/ratelimit"
	"lorechat/internal/server"
	"lorechat/internal/util"
	"lorechat/pkg/events"
	"lorechat/pkg/store"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := util.InitLogger(cfg.LogLevel)

	var st store.Store
	if cfg.DatabaseURL != "" {
		gs, err := store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			util.Fatal("failed to init store", "err", err)
		}
		st = gs
	} else {
		logger.Warn("no databaseURL configured, using in-memory store")
		st = store.NewMemoryStore()
	}

	broadcaster := events.NewBroadcaster(cfg.EventBufferSize, logger)
	var rdb *redis.Client
	var bus *events.RedisBus
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		bus = events.NewRedisBus(rdb, logger)
		broadcaster.AttachBus(bus)
	}

	appCore, err := app.New(app.Config{
		Store:       st,
		Broadcaster: broadcaster,
		Logger:      logger,
	})
	if err != nil {
		util.Fatal("failed to init app", "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if bus != nil {
		bus.StartForwarder(ctx, broadcaster)
	}
	if err := appCore.ReconcileInterrupted(ctx); err != nil {
		util.Fatal("failed to reconcile interrupted runs", "err", err)
	}

	var turnLimiter *ratelimit.FixedWindowLimiter
	if cfg.TurnRateLimit > 0 {
		if rdb == nil {
			util.Fatal("turnRateLimit requires redisAddr")
		}
		turnLimiter, err = ratelimit.NewFixedWindowLimiter(rdb, "lorechat:ratelimit:turns", cfg.TurnRateLimit, time.Minute)
		if err != nil {
			util.Fatal("failed to init rate limiter", "err", err)
		}
	}
	var trusted *util.TrustedProxies
	if cfg.TrustedProxies != "" {
		trusted, err = util.NewTrustedProxies(splitCSV(cfg.TrustedProxies))
		if err != nil {
			util.Fatal("failed to parse trusted proxies", "err", err)
		}
	}

	httpServer := server.New(server.Config{
		App:            appCore,
		TurnLimiter:    turnLimiter,
		TrustedProxies: trusted,
		SSEHeartbeat:   time.Duration(cfg.SSEHeartbeatSeconds) * time.Second,
	})

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:        addr,
		Handler:     httpServer.Router(),
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: the events endpoint holds its response open.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", "err", err)
		}
	}()

	logger.Info("lorechat server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}

	appCore.Wait()
	if bus != nil {
		if err := bus.Close(); err != nil {
			logger.Warn("event bus close error", "err", err)
		}
	}
}

func splitCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
