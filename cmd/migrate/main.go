package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"gudangku/backend/internal/config"
	"gudangku/backend/internal/logger"
	pgstore "gudangku/backend/internal/store/postgres"
)

func main() {
	var logLevel string
	flag.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.Usage = printUsage
	flag.Parse()

	args := flag.Args()
	if len(args) != 1 {
		printUsage()
		os.Exit(2)
	}
	command := args[0]

	log, err := logger.New(logger.Config{Level: logLevel, Format: "console", Output: "stdout"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	_ = godotenv.Load()
	cfg := config.Load()
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pg, err := pgstore.New(ctx, cfg.DatabaseURL, pgstore.PoolConfig{MaxOpenConns: 2, MaxIdleConns: 1}, log.Named("store"))
	if err != nil {
		log.Fatal("connect postgres", zap.Error(err))
	}
	defer func() { _ = pg.Close() }()

	migrator, err := pgstore.NewMigrator(pg.DB().DB, log.Named("migrate"))
	if err != nil {
		log.Fatal("migrator init failed", zap.Error(err))
	}

	switch command {
	case "up":
		err = migrator.Up()
	case "down":
		err = migrator.Down()
	case "version":
		var (
			version uint
			dirty   bool
		)
		version, dirty, err = migrator.Version()
		if err == nil {
			log.Info("schema version", zap.Uint("version", version), zap.Bool("dirty", dirty))
		}
	default:
		printUsage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatal("migrate "+command+" failed", zap.Error(err))
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: migrate [-log-level=info] up|down|version")
}
