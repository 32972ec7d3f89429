// Package config holds host configuration and the chain parameter set.
// Chain parameters are part of consensus: every replica must run with
// identical values, so they load from a versioned YAML profile rather
// than ad-hoc environment variables.
package config

import (
	"os"
	"time"
)

// Config holds host-local (non-consensus) settings.
type Config struct {
	ListenAddr   string
	LogLevel     string
	StoreBackend string // "memory", "sqlite", "postgres", "redis"
	StoreDSN     string
	AuthKey      string // HMAC key for principal tokens
	ParamsFile   string
	GenesisFile  string
	TickInterval time.Duration // 0 disables the automatic tick driver
}

// Load loads host configuration from environment variables.
func Load() *Config {
	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	backend := os.Getenv("STORE_BACKEND")
	if backend == "" {
		backend = "memory"
	}

	dsn := os.Getenv("STORE_DSN")
	if dsn == "" && backend == "sqlite" {
		dsn = "file:credstate.db"
	}

	var interval time.Duration
	if raw := os.Getenv("TICK_INTERVAL"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			interval = d
		}
	}

	return &Config{
		ListenAddr:   addr,
		LogLevel:     logLevel,
		StoreBackend: backend,
		StoreDSN:     dsn,
		AuthKey:      os.Getenv("AUTH_KEY"),
		ParamsFile:   os.Getenv("PARAMS_FILE"),
		GenesisFile:  os.Getenv("GENESIS_FILE"),
		TickInterval: interval,
	}
}
