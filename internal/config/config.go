// Package config loads the PBX's command-line and environment
// configuration: flag.*Var defaults, overridden by environment variables.
package config

import (
	"flag"
	"os"
	"strconv"
	"time"
)

// Config holds the PBX server configuration.
type Config struct {
	Port          int
	BindAddr      string
	LogLevel      string
	MaxExtensions int
	ShutdownGrace time.Duration
	StatusAddr    string
}

// Load parses flags and applies environment variable overrides.
func Load() *Config {
	cfg := &Config{}

	flag.IntVar(&cfg.Port, "port", 5000, "PBX listening port")
	flag.IntVar(&cfg.Port, "p", 5000, "PBX listening port (shorthand)")
	flag.StringVar(&cfg.BindAddr, "bind", "0.0.0.0", "bind address")
	flag.StringVar(&cfg.LogLevel, "loglevel", "info", "log level (debug, info, warn, error)")
	flag.IntVar(&cfg.MaxExtensions, "max-extensions", 1024, "number of extension slots in the registry")
	flag.DurationVar(&cfg.ShutdownGrace, "shutdown-grace", 5*time.Second, "time to wait for active calls to drain on shutdown")
	flag.StringVar(&cfg.StatusAddr, "status-addr", "", "address for the read-only status endpoint (empty disables it)")

	flag.Parse()

	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Port = p
		}
	}
	if bind := os.Getenv("BIND"); bind != "" {
		cfg.BindAddr = bind
	}
	if loglevel := os.Getenv("LOGLEVEL"); loglevel != "" {
		cfg.LogLevel = loglevel
	}
	if maxExt := os.Getenv("MAX_EXTENSIONS"); maxExt != "" {
		if n, err := strconv.Atoi(maxExt); err == nil {
			cfg.MaxExtensions = n
		}
	}

	return cfg
}
