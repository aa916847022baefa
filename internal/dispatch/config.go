package dispatch

import (
	"os"
	"strconv"
	"time"
)

// BackoffType selects how RetryPolicy.Delay computes the next retry delay.
type BackoffType string

const (
	BackoffExponential BackoffType = "exponential"
	BackoffFixed       BackoffType = "fixed"
)

// RetryPolicy is one channel's retry record: how many retries, and how
// the delay between them grows.
type RetryPolicy struct {
	MaxRetries  int
	BackoffType BackoffType
	BaseDelay   time.Duration
	MaxDelay    time.Duration // zero means "no explicit cap" (fixed policies)
}

// Delay returns the delay before retry attempt k (1-indexed among
// retries): exponential doubles from the base, capped at MaxDelay (or
// base*10 when no cap is set); fixed always returns the base. The cap
// is hard: no delay ever exceeds it.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if p.BackoffType == BackoffFixed {
		return p.BaseDelay
	}
	ceiling := p.MaxDelay
	if ceiling == 0 {
		ceiling = p.BaseDelay * 10
	}
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= ceiling {
			return ceiling
		}
	}
	if delay > ceiling {
		delay = ceiling
	}
	return delay
}

// DefaultRetryPolicies is the per-channel default table.
func DefaultRetryPolicies() map[Channel]RetryPolicy {
	return map[Channel]RetryPolicy{
		ChannelEmail: {
			MaxRetries:  5,
			BackoffType: BackoffExponential,
			BaseDelay:   2000 * time.Millisecond,
			MaxDelay:    300000 * time.Millisecond,
		},
		ChannelSMS: {
			MaxRetries:  3,
			BackoffType: BackoffExponential,
			BaseDelay:   5000 * time.Millisecond,
			MaxDelay:    600000 * time.Millisecond,
		},
		ChannelPush: {
			MaxRetries:  4,
			BackoffType: BackoffExponential,
			BaseDelay:   1000 * time.Millisecond,
			MaxDelay:    120000 * time.Millisecond,
		},
		ChannelSlack: {
			MaxRetries:  3,
			BackoffType: BackoffFixed,
			BaseDelay:   10000 * time.Millisecond,
		},
		ChannelTelegram: {
			MaxRetries:  3,
			BackoffType: BackoffFixed,
			BaseDelay:   10000 * time.Millisecond,
		},
	}
}

// Config holds the dispatch engine's tunables.
type Config struct {
	RetryPolicies map[Channel]RetryPolicy

	// WorkerConcurrency is the pool's concurrent worker count.
	WorkerConcurrency int
	// RateLimitPerWindow and RateLimitWindow implement the pool-wide
	// token-bucket rate limit applied across all workers.
	RateLimitPerWindow int
	RateLimitWindow    time.Duration

	// AdapterTimeout is the hard per-send timeout. It must stay below
	// the rate-limit window so a hung provider cannot absorb the pool.
	AdapterTimeout time.Duration

	// StallSweepInterval is how often the stall sweeper runs.
	StallSweepInterval time.Duration
	// StallThreshold is how long a row may sit in processing with no
	// active broker job before it is considered stalled.
	StallThreshold time.Duration

	// ReconcileInterval drives the database-driven retry sweep that
	// re-enqueues rows whose broker state was lost.
	ReconcileInterval time.Duration

	// DLQHealthCheckInterval, DLQWarningThreshold, DLQCriticalThreshold
	// drive failed-queue alerting.
	DLQHealthCheckInterval time.Duration
	DLQWarningThreshold    int
	DLQCriticalThreshold   int
}

func DefaultConfig() Config {
	return Config{
		RetryPolicies:          DefaultRetryPolicies(),
		WorkerConcurrency:      10,
		RateLimitPerWindow:     100,
		RateLimitWindow:        60000 * time.Millisecond,
		AdapterTimeout:         30 * time.Second,
		StallSweepInterval:     30 * time.Second,
		StallThreshold:         30 * time.Minute,
		ReconcileInterval:      5 * time.Minute,
		DLQHealthCheckInterval: 5 * time.Minute,
		DLQWarningThreshold:    10,
		DLQCriticalThreshold:   50,
	}
}

func LoadConfig() Config {
	c := DefaultConfig()
	c.WorkerConcurrency = envIntOr("DISPATCH_WORKER_CONCURRENCY", c.WorkerConcurrency)
	c.RateLimitPerWindow = envIntOr("DISPATCH_RATE_LIMIT_PER_WINDOW", c.RateLimitPerWindow)
	c.RateLimitWindow = envDurationMillisOr("DISPATCH_RATE_LIMIT_WINDOW_MS", c.RateLimitWindow)
	c.AdapterTimeout = envDurationSecondsOr("DISPATCH_ADAPTER_TIMEOUT_SECONDS", c.AdapterTimeout)
	c.StallSweepInterval = envDurationSecondsOr("DISPATCH_STALL_SWEEP_SECONDS", c.StallSweepInterval)
	c.StallThreshold = envDurationMinutesOr("DISPATCH_STALL_THRESHOLD_MINUTES", c.StallThreshold)
	return c
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDurationSecondsOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return fallback
}

func envDurationMinutesOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Minute
		}
	}
	return fallback
}

func envDurationMillisOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Millisecond
		}
	}
	return fallback
}
