package retry

import (
	"context"
	"errors"
	"io"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// RetryConfig configures retry behavior with exponential backoff
type RetryConfig struct {
	MaxRetries int           `json:"max_retries"` // Maximum number of retry attempts (default: 3)
	BaseDelay  time.Duration `json:"base_delay"`  // Base delay between retries (default: 1s)
	MaxDelay   time.Duration `json:"max_delay"`   // Maximum delay between retries (default: 30s)
	Multiplier float64       `json:"multiplier"`  // Exponential backoff multiplier (default: 2.0)
	Jitter     bool          `json:"jitter"`      // Add random jitter to prevent thundering herd (default: true)
	LogRetries bool          `json:"log_retries"` // Whether to log retry attempts (default: true)

	// RetryIf decides whether a failure may be retried. Nil retries every failure.
	RetryIf func(error) bool `json:"-"`
}

// RetryResult contains information about the retry operation
type RetryResult struct {
	Attempts      int           `json:"attempts"`       // Total number of attempts made
	TotalDuration time.Duration `json:"total_duration"` // Total time spent on all attempts
	LastError     error         `json:"-"`              // Last error encountered
	Success       bool          `json:"success"`        // Whether the operation eventually succeeded
	RetryReasons  []string      `json:"retry_reasons"`  // Reasons for each retry attempt
}

// FixedDelayConfig retries up to maxRetries times, waiting exactly delay
// between attempts
func FixedDelayConfig(delay time.Duration, maxRetries int) RetryConfig {
	return RetryConfig{
		MaxRetries: maxRetries,
		BaseDelay:  delay,
		MaxDelay:   delay,
		Multiplier: 1.0,
		Jitter:     false,
		LogRetries: true,
	}
}

// StoreConnectConfig returns a retry configuration for opening a database
// that may still be starting up
func StoreConnectConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 5,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   10 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
		LogRetries: true,
		RetryIf:    IsRetryableError,
	}
}

// RetryWithBackoff executes an operation with exponential backoff retry logic
func RetryWithBackoff(ctx context.Context, config RetryConfig, operation func() error, logger *zerolog.Logger) RetryResult {
	return RetryWithBackoffAndReason(ctx, config, func() (error, string) {
		err := operation()
		reason := "unknown_error"
		if err != nil {
			reason = err.Error()
		}
		return err, reason
	}, logger)
}

// RetryWithBackoffAndReason executes an operation with exponential backoff retry logic and custom reason tracking
func RetryWithBackoffAndReason(ctx context.Context, config RetryConfig, operation func() (error, string), logger *zerolog.Logger) RetryResult {
	startTime := time.Now()
	logging := config.LogRetries && logger != nil

	result := RetryResult{
		Attempts:     0,
		Success:      false,
		RetryReasons: make([]string, 0),
	}

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		result.Attempts = attempt + 1

		if logging && attempt > 0 {
			logger.Debug().
				Int("attempt", attempt+1).
				Int("max_attempts", config.MaxRetries+1).
				Msg("Retrying operation")
		}

		err, reason := operation()
		if err == nil {
			result.Success = true
			result.TotalDuration = time.Since(startTime)
			if logging && attempt > 0 {
				logger.Info().
					Int("retries", attempt).
					Dur("total_duration", result.TotalDuration).
					Msg("Operation succeeded after retries")
			}
			return result
		}

		result.LastError = err

		if config.RetryIf != nil && !config.RetryIf(err) {
			result.TotalDuration = time.Since(startTime)
			return result
		}
		result.RetryReasons = append(result.RetryReasons, reason)

		if attempt >= config.MaxRetries {
			result.TotalDuration = time.Since(startTime)
			if logging {
				logger.Warn().Err(err).
					Int("attempts", result.Attempts).
					Dur("total_duration", result.TotalDuration).
					Msg("Operation failed after all attempts")
			}
			return result
		}

		if ctx.Err() != nil {
			result.LastError = ctx.Err()
			result.TotalDuration = time.Since(startTime)
			return result
		}

		delay := calculateDelay(config, attempt)

		if logging {
			logger.Warn().Err(err).
				Int("attempt", attempt+1).
				Int("max_attempts", config.MaxRetries+1).
				Dur("delay", delay).
				Msg("Operation failed, waiting before retry")
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			result.LastError = ctx.Err()
			result.TotalDuration = time.Since(startTime)
			return result
		case <-timer.C:
		}
	}

	// This should never be reached due to the loop logic above
	result.TotalDuration = time.Since(startTime)
	return result
}

// calculateDelay calculates the delay for the next retry attempt using exponential backoff
func calculateDelay(config RetryConfig, attempt int) time.Duration {
	// Calculate exponential backoff: baseDelay * multiplier^attempt
	delay := float64(config.BaseDelay) * math.Pow(config.Multiplier, float64(attempt))

	// Apply maximum delay limit
	if delay > float64(config.MaxDelay) {
		delay = float64(config.MaxDelay)
	}

	// Add up to 10% random jitter
	if config.Jitter {
		jitterRange := delay * 0.1
		jitter := (rand.Float64() - 0.5) * 2 * jitterRange
		delay += jitter

		if delay < 0 {
			delay = float64(config.BaseDelay)
		}
	}

	return time.Duration(delay)
}

// IsCancellation reports whether err was caused by explicit cancellation
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled)
}

// IsTransientReadError reports whether a failed read of a response body may
// succeed when attempted again. End of stream and cancellation are final.
func IsTransientReadError(err error) bool {
	if err == nil || errors.Is(err, io.EOF) || IsCancellation(err) {
		return false
	}
	return true
}

// IsRetryableError determines if an error is retryable
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if IsCancellation(err) {
		return false
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	errStr := strings.ToLower(err.Error())

	// Network-related errors that are typically retryable
	retryableErrors := []string{
		"connection refused",
		"connection reset",
		"connection timeout",
		"timeout",
		"temporary failure",
		"service unavailable",
		"too many requests",
		"rate limit",
		"429", // HTTP 429 Too Many Requests
		"502", // HTTP 502 Bad Gateway
		"503", // HTTP 503 Service Unavailable
		"504", // HTTP 504 Gateway Timeout
		"dns lookup failed",
		"no such host",
		"network unreachable",
		"broken pipe",
		"context deadline exceeded",
		"the database system is starting up",
	}

	for _, retryable := range retryableErrors {
		if strings.Contains(errStr, retryable) {
			return true
		}
	}

	return false
}
