package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bsm/redislock"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"backoffice/backend/internal/audit"
	"backoffice/backend/internal/cache"
	"backoffice/backend/internal/config"
	"backoffice/backend/internal/httpapi"
	"backoffice/backend/internal/idempotency"
	"backoffice/backend/internal/ledger"
	"backoffice/backend/internal/logger"
	"backoffice/backend/internal/service"
	"backoffice/backend/internal/store"
	"backoffice/backend/internal/store/memory"
	pgstore "backoffice/backend/internal/store/postgres"
)

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	zlog, err := logger.New(logger.ForEnvironment(cfg.AppEnv, cfg.LogLevel, cfg.LogFormat))
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = zlog.Sync() }()

	if err := validateSecurityConfig(cfg); err != nil {
		zlog.Fatal("invalid security configuration", zap.Error(err))
	}
	if err := run(cfg, zlog); err != nil {
		zlog.Fatal("server error", zap.Error(err))
	}
}

func run(cfg config.Config, zlog *zap.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("postgres unavailable and DATABASE_URL is set, refusing to start with in-memory fallback: %w", err)
		}
		repo = pg
		closers = append(closers, pg.Close)
		zlog.Info("repository: postgres")
	} else {
		repo = memory.NewSeeded()
		zlog.Info("repository: in-memory")
	}

	var readCache cache.ReadCache = cache.Noop{}
	if cfg.DatabaseURL == "" {
		readCache = cache.NewMemory()
	}
	var locker idempotency.Locker
	if cfg.RedisAddr != "" {
		client := cache.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		redisCache := cache.NewRedis(client, "")
		if err := redisCache.Ping(ctx); err != nil {
			zlog.Warn("redis unavailable, read cache and sweep lock disabled", zap.Error(err))
			_ = client.Close()
		} else {
			readCache = redisCache
			locker = redislock.New(client)
			closers = append(closers, client.Close)
			zlog.Info("cache: redis", zap.String("addr", cfg.RedisAddr))
		}
	}

	reader := ledger.NewReader(repo, readCache, cfg.ReadCacheTTL(), zlog)
	recorder := audit.NewRecorder(repo, zlog)
	svc := service.New(repo, reader, recorder, service.Options{
		DueSoonDays:        cfg.DueSoonDays,
		FXTolerancePercent: cfg.FXTolerancePercent,
	}, zlog)

	gate := idempotency.NewGate(repo, idempotency.Options{
		StaleAfter: cfg.IdempotencyStaleAfter(),
		Retention:  cfg.IdempotencyRetention(),
	}, zlog)
	auth, err := httpapi.NewAuthManager(cfg.AuthSecret, cfg.CronSecret)
	if err != nil {
		return err
	}
	api := httpapi.New(svc, auth, gate, cfg.AllowedOrigin, zlog)

	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	defer stopSweeper()
	go idempotency.NewSweeper(gate, locker, cfg.IdempotencySweepInterval(), zlog).Run(sweepCtx)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		zlog.Info("back-office ledger listening", zap.String("addr", cfg.Address()), zap.String("env", cfg.AppEnv))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case err := <-serveErr:
		return err
	}

	stopSweeper()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		zlog.Warn("shutdown error", zap.Error(err))
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			zlog.Warn("close error", zap.Error(err))
		}
	}

	zlog.Info("server stopped")
	return nil
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.CronSecret != "" && len(cfg.CronSecret) < 16 {
		return fmt.Errorf("CRON_SECRET must be at least 16 characters when set")
	}
	return nil
}
