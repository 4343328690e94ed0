// Package config loads service configuration from 12-factor environment
// variables with safe local defaults.
package config

import (
	"os"
	"strconv"
)

// Config holds server configuration.
type Config struct {
	Port     string
	LogLevel string

	// DatabaseURL selects the relational store. A postgres:// URL opens
	// Postgres; anything else is treated as a SQLite file path.
	DatabaseURL string

	// RedisAddr enables the cross-node sync lock when set.
	RedisAddr string

	// ExportDir is the filesystem export destination root.
	ExportDir string

	// ProfilesPath optionally overrides the built-in normalization
	// profiles with a YAML file.
	ProfilesPath string

	// MappingThreshold is the minimum confidence an automatic suggestion
	// needs to be persisted.
	MappingThreshold float64

	// SyncWorkers is the size of the background ingestion pool.
	SyncWorkers int
}

// Load loads configuration from environment variables.
func Load() *Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		dbURL = "trailproof.db"
	}

	exportDir := os.Getenv("EXPORT_DIR")
	if exportDir == "" {
		exportDir = "exports"
	}

	threshold := 0.5
	if v := os.Getenv("MAPPING_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			threshold = f
		}
	}

	workers := 2
	if v := os.Getenv("SYNC_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			workers = n
		}
	}

	return &Config{
		Port:             port,
		LogLevel:         logLevel,
		DatabaseURL:      dbURL,
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		ExportDir:        exportDir,
		ProfilesPath:     os.Getenv("PROFILES_PATH"),
		MappingThreshold: threshold,
		SyncWorkers:      workers,
	}
}
