// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config aggregates the settings shared by the stakepool services.
type Config struct {
	Port        string
	DatabaseURL string
	NATSURL     string
	RedisURL    string
	JWTSecret   string
	LogLevel    string
	LogFormat   string

	Chain     ChainConfig
	Lock      LockConfig
	Reconcile ReconcileConfig
	Influx    InfluxConfig
}

// ChainConfig describes the external chain API.
type ChainConfig struct {
	APIURL         string
	APIKey         string
	PoolAddress    string
	RequestTimeout time.Duration
}

// LockConfig holds the withdrawal lock windows.
type LockConfig struct {
	StakeLock   time.Duration
	UnstakeLock time.Duration
}

// ReconcileConfig tunes the background poller.
type ReconcileConfig struct {
	Interval time.Duration
}

// InfluxConfig describes the optional metrics sink; an empty URL disables it.
type InfluxConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

const (
	defaultPort          = "8080"
	defaultChainAPIURL   = "https://toncenter.com/api/v2"
	defaultOracleTimeout = 15 * time.Second
	defaultPollInterval  = 30 * time.Second
	defaultStakeLock     = time.Duration(0)
	defaultUnstakeLock   = 7 * 24 * time.Hour
)

// Load reads configuration from environment variables, applying defaults.
func Load() (Config, error) {
	cfg := Config{
		Port:        valueOrDefault("PORT", defaultPort),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		NATSURL:     valueOrDefault("NATS_URL", "nats://localhost:4222"),
		RedisURL:    valueOrDefault("REDIS_URL", "localhost:6379"),
		JWTSecret:   os.Getenv("JWT_SECRET"),
		LogLevel:    valueOrDefault("LOG_LEVEL", "info"),
		LogFormat:   valueOrDefault("LOG_FORMAT", "console"),
		Chain: ChainConfig{
			APIURL:         valueOrDefault("TON_API_URL", defaultChainAPIURL),
			APIKey:         os.Getenv("TON_API_KEY"),
			PoolAddress:    os.Getenv("TON_POOL_ADDRESS"),
			RequestTimeout: secondsWithDefault("ORACLE_TIMEOUT_SECONDS", defaultOracleTimeout),
		},
		Lock: LockConfig{
			StakeLock:   secondsWithDefault("STAKE_LOCK_SECONDS", defaultStakeLock),
			UnstakeLock: secondsWithDefault("UNSTAKE_LOCK_SECONDS", defaultUnstakeLock),
		},
		Reconcile: ReconcileConfig{
			Interval: secondsWithDefault("POLL_INTERVAL_SECONDS", defaultPollInterval),
		},
		Influx: InfluxConfig{
			URL:    os.Getenv("INFLUXDB_URL"),
			Token:  os.Getenv("INFLUXDB_TOKEN"),
			Org:    os.Getenv("INFLUXDB_ORG"),
			Bucket: os.Getenv("INFLUXDB_BUCKET"),
		},
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

func valueOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func secondsWithDefault(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return fallback
	}
	return time.Duration(secs) * time.Second
}
