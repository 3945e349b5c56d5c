package checkout

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"
)

// ErrCircuitOpen indicates the circuit breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker open")

// IsRejection reports whether err is a business answer from a collaborator
// rather than a transport fault. Rejections are final: retrying them cannot
// change the answer and they say nothing about the collaborator's health.
func IsRejection(err error) bool {
	return errors.Is(err, ErrInventoryUnavailable) ||
		errors.Is(err, ErrVerificationFailed) ||
		errors.Is(err, ErrConfirmationFailed) ||
		errors.Is(err, ErrAttemptNotFound) ||
		errors.Is(err, ErrUnsupportedMethod) ||
		errors.Is(err, ErrInvalidRequest)
}

func retryable(err error) bool {
	return !errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded) &&
		!errors.Is(err, ErrCircuitOpen) &&
		!IsRejection(err)
}

// RetryPolicy controls retry behavior for outbound calls.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      func(time.Duration) time.Duration
	Sleep       func(context.Context, time.Duration) error
	ShouldRetry func(error) bool
}

// Do executes fn with exponential backoff until it succeeds, returns a
// non-retryable error, or attempts run out.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	attempts := max(p.MaxAttempts, 1)
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepWithContext
	}
	shouldRetry := p.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = retryable
	}
	jitter := p.Jitter
	if jitter == nil {
		jitter = defaultJitter
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if err = fn(); err == nil {
			return nil
		}
		if attempt == attempts || !shouldRetry(err) {
			break
		}

		delay := p.BaseDelay << (attempt - 1)
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
		if delay = jitter(delay); delay > 0 {
			if serr := sleep(ctx, delay); serr != nil {
				return serr
			}
		}
	}
	return err
}

// CircuitBreakerConfig configures a circuit breaker.
type CircuitBreakerConfig struct {
	MaxFailures  int
	ResetTimeout time.Duration
	Now          func() time.Time
	// IsFailure decides which errors count against the breaker. Defaults to
	// everything except rejections and caller cancellation.
	IsFailure func(error) bool
}

type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

// CircuitBreaker stops calls to a collaborator after repeated faults.
type CircuitBreaker struct {
	mu         sync.Mutex
	maxFails   int
	resetAfter time.Duration
	now        func() time.Time
	isFailure  func(error) bool

	state          circuitState
	failures       int
	openedAt       time.Time
	halfOpenFlight bool
}

// NewCircuitBreaker constructs a circuit breaker with sane defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	resetAfter := cfg.ResetTimeout
	if resetAfter <= 0 {
		resetAfter = 2 * time.Second
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	isFailure := cfg.IsFailure
	if isFailure == nil {
		isFailure = func(err error) bool {
			return !IsRejection(err) && !errors.Is(err, context.Canceled)
		}
	}
	return &CircuitBreaker{
		maxFails:   max(cfg.MaxFailures, 1),
		resetAfter: resetAfter,
		now:        now,
		isFailure:  isFailure,
	}
}

// Execute runs fn unless the breaker is open.
func (c *CircuitBreaker) Execute(fn func() error) error {
	if c == nil {
		return fn()
	}
	if err := c.admit(); err != nil {
		return err
	}
	err := fn()
	c.settle(err)
	return err
}

func (c *CircuitBreaker) admit() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case circuitOpen:
		if c.now().Sub(c.openedAt) < c.resetAfter {
			return ErrCircuitOpen
		}
		c.state = circuitHalfOpen
		c.halfOpenFlight = true
	case circuitHalfOpen:
		if c.halfOpenFlight {
			return ErrCircuitOpen
		}
		c.halfOpenFlight = true
	}
	return nil
}

func (c *CircuitBreaker) settle(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	probing := c.state == circuitHalfOpen
	c.halfOpenFlight = false

	if err == nil || !c.isFailure(err) {
		c.state = circuitClosed
		c.failures = 0
		return
	}
	if probing {
		c.state = circuitOpen
		c.openedAt = c.now()
		c.failures = 0
		return
	}
	c.failures++
	if c.failures >= c.maxFails {
		c.state = circuitOpen
		c.openedAt = c.now()
	}
}

// RateLimiter is a token-bucket limiter.
type RateLimiter struct {
	mu     sync.Mutex
	rate   time.Duration
	burst  int
	now    func() time.Time
	sleep  func(context.Context, time.Duration) error
	onWait func(time.Duration)

	tokens int
	last   time.Time
}

// NewRateLimiter constructs a limiter that refills one token every rate.
func NewRateLimiter(rate time.Duration, burst int) *RateLimiter {
	limiter := &RateLimiter{
		rate:   rate,
		burst:  burst,
		now:    time.Now,
		sleep:  sleepWithContext,
		tokens: burst,
	}
	limiter.last = limiter.now()
	return limiter
}

// OnWait registers fn to observe every throttled wait.
func (r *RateLimiter) OnWait(fn func(time.Duration)) *RateLimiter {
	r.onWait = fn
	return r
}

// Wait blocks until a token is available or the context ends.
func (r *RateLimiter) Wait(ctx context.Context) error {
	if r == nil || r.rate <= 0 || r.burst <= 0 {
		return ctx.Err()
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		wait, ok := r.take()
		if ok {
			return nil
		}
		if r.onWait != nil {
			r.onWait(wait)
		}
		if err := r.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// take consumes a token or reports how long until the next one.
func (r *RateLimiter) take() (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	if elapsed := now.Sub(r.last); elapsed >= r.rate {
		add := int(elapsed / r.rate)
		r.tokens = min(r.tokens+add, r.burst)
		r.last = r.last.Add(time.Duration(add) * r.rate)
	}
	if r.tokens > 0 {
		r.tokens--
		return 0, true
	}
	return max(r.rate-now.Sub(r.last), time.Millisecond), false
}

// reliability bundles the controls applied to one collaborator.
type reliability struct {
	limiter *RateLimiter
	breaker *CircuitBreaker
	retry   RetryPolicy
	timeout time.Duration
}

// do runs fn under the retry policy; each try waits for the limiter, passes
// the breaker and gets its own timeout.
func (r reliability) do(ctx context.Context, fn func(context.Context) error) error {
	return r.retry.Do(ctx, func() error {
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		return r.breaker.Execute(func() error {
			callCtx := ctx
			if r.timeout > 0 {
				var cancel context.CancelFunc
				callCtx, cancel = context.WithTimeout(ctx, r.timeout)
				defer cancel()
			}
			return fn(callCtx)
		})
	})
}

// ReliableReservationService wraps a ReservationService with reliability
// controls. CreateHolds is retried only when the wrapped service rejects
// duplicates on its own; callers opt in with retryHolds.
type ReliableReservationService struct {
	base       ReservationService
	rel        reliability
	retryHolds bool
}

// NewReliableReservationService constructs a reliability-wrapped reservation service.
func NewReliableReservationService(base ReservationService, limiter *RateLimiter, breaker *CircuitBreaker, retry RetryPolicy, timeout time.Duration, retryHolds bool) *ReliableReservationService {
	return &ReliableReservationService{
		base:       base,
		rel:        reliability{limiter: limiter, breaker: breaker, retry: retry, timeout: timeout},
		retryHolds: retryHolds,
	}
}

func (s *ReliableReservationService) CreateHolds(ctx context.Context, kind ReservationKind, items []LineItem) ([]ReservationHold, error) {
	rel := s.rel
	if !s.retryHolds {
		rel.retry.MaxAttempts = 1
	}
	var holds []ReservationHold
	err := rel.do(ctx, func(ctx context.Context) error {
		var err error
		holds, err = s.base.CreateHolds(ctx, kind, items)
		return err
	})
	return holds, err
}

func (s *ReliableReservationService) Release(ctx context.Context, holdIDs []string) error {
	return s.rel.do(ctx, func(ctx context.Context) error {
		return s.base.Release(ctx, holdIDs)
	})
}

// ReliableLedger wraps a PaymentLedgerService with reliability controls. All
// ledger operations are keyed by attempt ID and safe to repeat.
type ReliableLedger struct {
	base PaymentLedgerService
	rel  reliability
}

// NewReliableLedger constructs a reliability-wrapped ledger.
func NewReliableLedger(base PaymentLedgerService, limiter *RateLimiter, breaker *CircuitBreaker, retry RetryPolicy, timeout time.Duration) *ReliableLedger {
	return &ReliableLedger{
		base: base,
		rel:  reliability{limiter: limiter, breaker: breaker, retry: retry, timeout: timeout},
	}
}

func (l *ReliableLedger) RecordAttempt(ctx context.Context, rec AttemptRecord) error {
	return l.rel.do(ctx, func(ctx context.Context) error {
		return l.base.RecordAttempt(ctx, rec)
	})
}

func (l *ReliableLedger) Verify(ctx context.Context, req VerifyRequest) (VerificationResult, error) {
	var res VerificationResult
	err := l.rel.do(ctx, func(ctx context.Context) error {
		var err error
		res, err = l.base.Verify(ctx, req)
		return err
	})
	return res, err
}

func (l *ReliableLedger) Confirm(ctx context.Context, req ConfirmRequest) (ConfirmationRecord, error) {
	var rec ConfirmationRecord
	err := l.rel.do(ctx, func(ctx context.Context) error {
		var err error
		rec, err = l.base.Confirm(ctx, req)
		return err
	})
	return rec, err
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func defaultJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}
