package models

import (
	"time"

	"github.com/ably-labs/models-sdk-go/internal/logging"
)

// Config controls a single Model's stream buffering, history catch-up
// bounds, optimistic confirmation timeout, retry behaviour, logging, and
// metrics. The zero value is valid; withDefaults fills in defaults for
// anything left unset.
type Config struct {
	// HistoryPageSize bounds how many messages a single history fetch page
	// requests from the channel. Default 100.
	HistoryPageSize int
	// MessageRetentionPeriod is advisory metadata about how far back the
	// channel retains history; catch-up beyond it should be treated by
	// callers as a discontinuity. Default 2 minutes.
	MessageRetentionPeriod time.Duration
	// BufferDelay is the reorder window live messages are held within
	// before being delivered out of strict sequence order. Zero disables
	// buffering.
	BufferDelay time.Duration
	// OptimisticTimeout is the default confirmation timeout applied to a
	// submission that does not specify its own. Default 120s.
	OptimisticTimeout time.Duration
	// RetryStrategy governs snapshot and history-fetch retry. Default is a
	// fixed 1s interval retried indefinitely.
	RetryStrategy RetryStrategy
	// Logger receives structured diagnostic logs. Default is a console
	// logger at info level.
	Logger *logging.Logger
	// Metrics is stored on the Model but not called by it. Default
	// NoopMetrics.
	Metrics Metrics
}

// validate rejects configuration values that can never be sensible,
// independent of defaulting.
func (c Config) validate() error {
	if c.BufferDelay < 0 {
		return newInvalidArgumentError("BufferDelay must be non-negative, got %s", c.BufferDelay)
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.HistoryPageSize <= 0 {
		c.HistoryPageSize = 100
	}
	if c.MessageRetentionPeriod <= 0 {
		c.MessageRetentionPeriod = 2 * time.Minute
	}
	if c.OptimisticTimeout <= 0 {
		c.OptimisticTimeout = 120 * time.Second
	}
	if c.RetryStrategy == nil {
		c.RetryStrategy = DefaultRetryStrategy()
	}
	if c.Logger == nil {
		c.Logger = logging.NewConsoleLogger(logging.InfoLevel)
	}
	if c.Metrics == nil {
		c.Metrics = NoopMetrics{}
	}
	return c
}
