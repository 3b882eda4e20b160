package utils

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// RetryConfig holds retry operation configuration
type RetryConfig struct {
	MaxAttempts      int
	InitialDelay     time.Duration
	MaxDelay         time.Duration
	BackoffFactor    float64
	RetryableErrors  []error
	MaxJitterPercent float64
}

// DefaultRetryConfig returns default retry configuration
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:      5,
		InitialDelay:     200 * time.Millisecond,
		MaxDelay:         5 * time.Second,
		BackoffFactor:    2.0,
		MaxJitterPercent: 0.2,
	}
}

// RetryWithBackoff executes an operation with exponential backoff and jitter.
// Used for connecting to storage backends and messaging brokers at startup.
func RetryWithBackoff(ctx context.Context, operation func() error, cfg *RetryConfig) error {
	if cfg == nil {
		cfg = DefaultRetryConfig()
	}

	var lastErr error
	delay := cfg.InitialDelay

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		err := operation()
		if err == nil {
			return nil
		}
		lastErr = err

		if !isRetryableError(err, cfg.RetryableErrors) {
			return err
		}
		if attempt == cfg.MaxAttempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(addJitter(delay, cfg.MaxJitterPercent)):
		}

		delay = time.Duration(float64(delay) * cfg.BackoffFactor)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	return fmt.Errorf("operation failed after %d attempts: %w", cfg.MaxAttempts, lastErr)
}

// SafeGo executes a function in a goroutine with panic recovery
func SafeGo(logger *zap.Logger, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("Panic recovered in goroutine",
					zap.Any("panic", r),
					zap.Stack("stack"))
			}
		}()
		fn()
	}()
}

// WriteFileAtomic writes data to a temporary file and renames it into place,
// creating the parent directory when needed.
func WriteFileAtomic(filename string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0700); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}

	tmpfile := filename + ".tmp"
	if err := os.WriteFile(tmpfile, data, perm); err != nil {
		return fmt.Errorf("writing temporary file: %w", err)
	}

	if err := os.Rename(tmpfile, filename); err != nil {
		os.Remove(tmpfile)
		return fmt.Errorf("renaming temporary file: %w", err)
	}

	return nil
}

func isRetryableError(err error, retryableErrors []error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if len(retryableErrors) == 0 {
		return true
	}
	for _, retryableErr := range retryableErrors {
		if errors.Is(err, retryableErr) {
			return true
		}
	}
	return false
}

func addJitter(delay time.Duration, maxJitterPercent float64) time.Duration {
	if maxJitterPercent <= 0 {
		return delay
	}

	jitter := time.Duration(float64(delay) * maxJitterPercent * rand.Float64())
	return delay + jitter
}
