package checkout

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ReliabilityConfig tunes the controls around the reservation and ledger
// collaborators.
type ReliabilityConfig struct {
	RetryMaxAttempts    int
	RetryBaseDelay      time.Duration
	RetryMaxDelay       time.Duration
	BreakerMaxFailures  int
	BreakerResetTimeout time.Duration
	RateLimitInterval   time.Duration
	RateLimitBurst      int
	CallTimeout         time.Duration
}

// DefaultReliabilityConfig is used for any CHECKOUT_* variable left unset.
func DefaultReliabilityConfig() ReliabilityConfig {
	return ReliabilityConfig{
		RetryMaxAttempts:    3,
		RetryBaseDelay:      100 * time.Millisecond,
		RetryMaxDelay:       2 * time.Second,
		BreakerMaxFailures:  5,
		BreakerResetTimeout: 10 * time.Second,
		RateLimitInterval:   10 * time.Millisecond,
		RateLimitBurst:      50,
		CallTimeout:         5 * time.Second,
	}
}

// LoadReliabilityConfigFromEnv reads CHECKOUT_* overrides on top of the defaults.
func LoadReliabilityConfigFromEnv() (ReliabilityConfig, error) {
	cfg := DefaultReliabilityConfig()
	var err error

	if cfg.RetryMaxAttempts, err = envInt("CHECKOUT_RETRY_MAX_ATTEMPTS", cfg.RetryMaxAttempts); err != nil {
		return cfg, err
	}
	if cfg.RetryBaseDelay, err = envDuration("CHECKOUT_RETRY_BASE_DELAY", cfg.RetryBaseDelay); err != nil {
		return cfg, err
	}
	if cfg.RetryMaxDelay, err = envDuration("CHECKOUT_RETRY_MAX_DELAY", cfg.RetryMaxDelay); err != nil {
		return cfg, err
	}
	if cfg.BreakerMaxFailures, err = envInt("CHECKOUT_BREAKER_MAX_FAILURES", cfg.BreakerMaxFailures); err != nil {
		return cfg, err
	}
	if cfg.BreakerResetTimeout, err = envDuration("CHECKOUT_BREAKER_RESET_TIMEOUT", cfg.BreakerResetTimeout); err != nil {
		return cfg, err
	}
	if cfg.RateLimitInterval, err = envDuration("CHECKOUT_RATE_LIMIT_INTERVAL", cfg.RateLimitInterval); err != nil {
		return cfg, err
	}
	if cfg.RateLimitBurst, err = envInt("CHECKOUT_RATE_LIMIT_BURST", cfg.RateLimitBurst); err != nil {
		return cfg, err
	}
	if cfg.CallTimeout, err = envDuration("CHECKOUT_CALL_TIMEOUT", cfg.CallTimeout); err != nil {
		return cfg, err
	}
	if cfg.RetryMaxDelay > 0 && cfg.RetryBaseDelay > cfg.RetryMaxDelay {
		return cfg, fmt.Errorf("CHECKOUT_RETRY_BASE_DELAY (%v) exceeds CHECKOUT_RETRY_MAX_DELAY (%v)", cfg.RetryBaseDelay, cfg.RetryMaxDelay)
	}
	return cfg, nil
}

// Retry builds the retry policy described by the config.
func (c ReliabilityConfig) Retry() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: c.RetryMaxAttempts,
		BaseDelay:   c.RetryBaseDelay,
		MaxDelay:    c.RetryMaxDelay,
	}
}

// Breaker builds a fresh circuit breaker. Each collaborator gets its own.
func (c ReliabilityConfig) Breaker() *CircuitBreaker {
	return NewCircuitBreaker(CircuitBreakerConfig{
		MaxFailures:  c.BreakerMaxFailures,
		ResetTimeout: c.BreakerResetTimeout,
	})
}

// Limiter builds a fresh rate limiter.
func (c ReliabilityConfig) Limiter() *RateLimiter {
	return NewRateLimiter(c.RateLimitInterval, c.RateLimitBurst)
}

// WrapReservations applies the config to a reservation service.
func (c ReliabilityConfig) WrapReservations(base ReservationService, retryHolds bool) *ReliableReservationService {
	return NewReliableReservationService(base, c.Limiter(), c.Breaker(), c.Retry(), c.CallTimeout, retryHolds)
}

// WrapLedger applies the config to a ledger.
func (c ReliabilityConfig) WrapLedger(base PaymentLedgerService) *ReliableLedger {
	return NewReliableLedger(base, c.Limiter(), c.Breaker(), c.Retry(), c.CallTimeout)
}

func envDuration(name string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback, nil
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("%s must be >= 0", name)
	}
	return val, nil
}

func envInt(name string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("%s must be >= 0", name)
	}
	return val, nil
}
