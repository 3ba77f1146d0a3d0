// Package config loads the CLI-facing configuration for cmd/modelsctl, the
// example program that wires a models.Model against a live broker
// endpoint. The SDK library itself is configured through typed
// models.Config values, not the environment — this package exists for the
// one ambient surface of this repository that is a standalone process.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultBrokerURL is used when MODELSCTL_BROKER_URL is unset.
	DefaultBrokerURL = "ws://127.0.0.1:8765/ws"
	// DefaultLogLevel controls verbosity for modelsctl logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "modelsctl.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 50
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 5
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true
	// DefaultSyncTimeout bounds how long the CLI waits for the initial sync.
	DefaultSyncTimeout = 10 * time.Second
)

// Config captures the runtime tunables for the modelsctl example program.
type Config struct {
	BrokerURL   string
	ChannelName string
	Logging     LoggingConfig
	SyncTimeout time.Duration
}

// LoggingConfig captures structured logging configuration options, reused
// as-is by internal/logging.New.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Load reads modelsctl configuration from environment variables, applying
// sane defaults and returning descriptive errors for invalid overrides.
func Load() (*Config, error) {
	cfg := &Config{
		BrokerURL:   getString("MODELSCTL_BROKER_URL", DefaultBrokerURL),
		ChannelName: getString("MODELSCTL_CHANNEL", "comments:room-1"),
		Logging: LoggingConfig{
			Level:      getString("MODELSCTL_LOG_LEVEL", DefaultLogLevel),
			Path:       getString("MODELSCTL_LOG_PATH", DefaultLogPath),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
		SyncTimeout: DefaultSyncTimeout,
	}

	var problems []string

	if raw := strings.TrimSpace(os.Getenv("MODELSCTL_LOG_MAX_SIZE_MB")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("MODELSCTL_LOG_MAX_SIZE_MB must be a positive integer, got %q", raw))
		} else {
			cfg.Logging.MaxSizeMB = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("MODELSCTL_LOG_MAX_BACKUPS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("MODELSCTL_LOG_MAX_BACKUPS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxBackups = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("MODELSCTL_LOG_MAX_AGE_DAYS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("MODELSCTL_LOG_MAX_AGE_DAYS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxAgeDays = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("MODELSCTL_LOG_COMPRESS")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("MODELSCTL_LOG_COMPRESS must be a boolean value, got %q", raw))
		} else {
			cfg.Logging.Compress = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("MODELSCTL_SYNC_TIMEOUT")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("MODELSCTL_SYNC_TIMEOUT must be a positive duration, got %q", raw))
		} else {
			cfg.SyncTimeout = duration
		}
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("%s", strings.Join(problems, "; "))
	}

	return cfg, nil
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
