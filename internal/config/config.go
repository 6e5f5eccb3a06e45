package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port          string
	AppEnv        string
	AllowedOrigin string

	DatabaseURL    string
	DBMaxOpenConns int
	DBMaxIdleConns int
	DBConnLifetime time.Duration
	RunMigrations  bool
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	TrendCacheTTL  time.Duration
	ItemLockTTL    time.Duration
	ReportTimezone string
	AllowNegative  bool
	AuthSecret     string
	LogLevel       string
	LogFormat      string
}

func Load() Config {
	appEnv := getEnv("APP_ENV", "development")
	logFormat := "console"
	if appEnv == "production" {
		logFormat = "json"
	}

	return Config{
		Port:          getEnv("PORT", "8080"),
		AppEnv:        appEnv,
		AllowedOrigin: getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),

		DatabaseURL:    os.Getenv("DATABASE_URL"),
		DBMaxOpenConns: getEnvInt("DB_MAX_OPEN_CONNS", 30),
		DBMaxIdleConns: getEnvInt("DB_MAX_IDLE_CONNS", 8),
		DBConnLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME_MINUTES", 30, time.Minute),
		RunMigrations:  getEnvBool("RUN_MIGRATIONS", false),
		RedisAddr:      os.Getenv("REDIS_ADDR"),
		RedisPassword:  os.Getenv("REDIS_PASSWORD"),
		RedisDB:        getEnvInt("REDIS_DB", 0),
		TrendCacheTTL:  getEnvDuration("TREND_CACHE_TTL_SECONDS", 30, time.Second),
		ItemLockTTL:    getEnvDuration("ITEM_LOCK_TTL_SECONDS", 5, time.Second),
		ReportTimezone: getEnv("REPORT_TIMEZONE", "Asia/Jakarta"),
		AllowNegative:  getEnvBool("ALLOW_NEGATIVE_STOCK", false),
		AuthSecret:     strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogFormat:      getEnv("LOG_FORMAT", logFormat),
	}
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

// ReportLocation resolves REPORT_TIMEZONE, falling back to UTC when the zone
// database does not know it.
func (c Config) ReportLocation() (*time.Location, error) {
	loc, err := time.LoadLocation(c.ReportTimezone)
	if err != nil {
		return time.UTC, fmt.Errorf("unknown REPORT_TIMEZONE %q: %w", c.ReportTimezone, err)
	}
	return loc, nil
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

// getEnvInt falls back on unset, unparsable or negative values.
func getEnvInt(key string, fallback int) int {
	n, err := strconv.Atoi(getEnv(key, ""))
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	b, err := strconv.ParseBool(getEnv(key, ""))
	if err != nil {
		return fallback
	}
	return b
}

// getEnvDuration reads a positive integer count of unit.
func getEnvDuration(key string, fallback int, unit time.Duration) time.Duration {
	n := getEnvInt(key, fallback)
	if n < 1 {
		n = fallback
	}
	return time.Duration(n) * unit
}
