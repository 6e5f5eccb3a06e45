package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"gudangku/backend/internal/cache"
	"gudangku/backend/internal/config"
	"gudangku/backend/internal/httpapi"
	"gudangku/backend/internal/ledger"
	"gudangku/backend/internal/lock"
	"gudangku/backend/internal/logger"
	"gudangku/backend/internal/report"
	"gudangku/backend/internal/service"
	"gudangku/backend/internal/store"
	"gudangku/backend/internal/store/memory"
	pgstore "gudangku/backend/internal/store/postgres"
)

const demoShopID = "demo-shop"

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	log, err := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Output: "stdout"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatal("invalid security configuration", zap.Error(err))
	}

	// Money fields are emitted as JSON numbers.
	decimal.MarshalJSONWithoutQuotes = true

	reportLoc, err := cfg.ReportLocation()
	if err != nil {
		log.Warn("report timezone fallback", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 2)
	checks := map[string]httpapi.HealthCheck{}

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL, pgstore.PoolConfig{
			MaxOpenConns:    cfg.DBMaxOpenConns,
			MaxIdleConns:    cfg.DBMaxIdleConns,
			ConnMaxLifetime: cfg.DBConnLifetime,
		}, log.Named("store"))
		if err != nil {
			log.Fatal("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback", zap.Error(err))
		}
		if cfg.RunMigrations {
			migrator, err := pgstore.NewMigrator(pg.DB().DB, log.Named("migrate"))
			if err != nil {
				log.Fatal("migrator init failed", zap.Error(err))
			}
			if err := migrator.Up(); err != nil {
				log.Fatal("migrations failed", zap.Error(err))
			}
		}
		repo = pg
		closers = append(closers, pg.Close)
		checks["postgres"] = pg.Ping
		log.Info("repository: postgres")
	} else {
		repo = memory.NewSeeded(demoShopID)
		log.Info("repository: in-memory", zap.String("seeded_shop", demoShopID))
	}

	trendCache := cache.TrendCache(cache.NoopTrendCache{})
	var locker lock.Locker = lock.NewLocal()
	if cfg.RedisAddr != "" {
		client := cache.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		redisCache := cache.NewRedisTrendCache(client)
		if err := redisCache.Ping(ctx); err != nil {
			log.Warn("redis unavailable, using noop cache and local item locks", zap.Error(err))
			_ = client.Close()
		} else {
			trendCache = redisCache
			locker = lock.NewRedis(client, cfg.ItemLockTTL, log.Named("lock"))
			closers = append(closers, client.Close)
			checks["redis"] = redisCache.Ping
			log.Info("cache: redis", zap.String("addr", cfg.RedisAddr))
		}
	} else {
		log.Info("cache: noop")
	}

	reconciler := ledger.NewReconciler(repo, ledger.Options{
		Locker:        locker,
		Cache:         trendCache,
		AllowNegative: cfg.AllowNegative,
		Logger:        log.Named("ledger"),
	})
	aggregator := report.NewAggregator(repo, trendCache, cfg.TrendCacheTTL, reportLoc, log.Named("report"))
	svc := service.New(repo, reconciler, aggregator, log.Named("service"))
	api := httpapi.New(svc, httpapi.NewTokenVerifier(cfg.AuthSecret), cfg.AllowedOrigin, log.Named("httpapi"))
	for name, check := range checks {
		api.AddHealthCheck(name, check)
	}

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("stock ledger backend listening", zap.String("addr", cfg.Address()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", zap.Error(err))
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Error("close error", zap.Error(err))
		}
	}

	log.Info("server stopped")
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if err := validateSecretStrength(cfg.AuthSecret); err != nil {
		return fmt.Errorf("AUTH_SECRET is too weak: %w", err)
	}
	return nil
}

// validateSecretStrength rejects secrets made of one repeated character or
// copied from sample configuration.
func validateSecretStrength(secret string) error {
	lower := strings.ToLower(secret)
	for _, placeholder := range []string{"change-me", "changeme", "secret", "example", "placeholder"} {
		if strings.Contains(lower, placeholder) {
			return fmt.Errorf("placeholder secret not allowed")
		}
	}

	allSame := true
	for i := 1; i < len(secret); i++ {
		if secret[i] != secret[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return fmt.Errorf("single-character secret not allowed")
	}

	distinct := map[rune]struct{}{}
	for _, r := range secret {
		distinct[r] = struct{}{}
	}
	if len(distinct) < 8 {
		return fmt.Errorf("secret needs at least 8 distinct characters")
	}
	return nil
}
