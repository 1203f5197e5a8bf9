// Package config loads server configuration from the environment, with
// an optional .env file, and builds the process logger.
package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config is everything cmd/server needs to wire the process.
type Config struct {
	Addr              string
	DatabaseURL       string // empty: run in-memory, no journal
	JWTSecret         string
	CashTicker        string
	BroadcastInterval time.Duration
}

// Load reads the environment, consulting .env when present.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		Addr:              getenv("BOURSE_ADDR", ":8080"),
		DatabaseURL:       getenv("BOURSE_DATABASE_URL", ""),
		JWTSecret:         getenv("BOURSE_JWT_SECRET", "dev-secret-change-me"),
		CashTicker:        getenv("BOURSE_CASH_TICKER", "RUB"),
		BroadcastInterval: getduration("BOURSE_BROADCAST_INTERVAL", 2*time.Second),
	}
}

func getenv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getduration(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

// NewLogger builds the production logger used across the process.
func NewLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}
