package checkout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "voyager/checkout"

// Metrics receives saga telemetry. Implementations must be safe for
// concurrent use.
type Metrics interface {
	AttemptStarted()
	AttemptFinished(status OutcomeStatus, kind FailureKind)
	DuplicateRejected()
	CompensationFailed()
	LateCallback()
	ObserveStep(step string, elapsed time.Duration, err error)
}

// Coordinator runs the reservation-to-payment saga for one checkout session.
// It allows a single attempt in flight at a time.
type Coordinator struct {
	sessionKey   string
	reservations ReservationService
	ledger       PaymentLedgerService
	gateway      GatewayClient

	states   StateStore
	notifier Notifier
	journal  AttemptJournal
	metrics  Metrics
	tracer   trace.Tracer
	logger   zerolog.Logger

	now             func() time.Time
	newID           func() string
	callbackTimeout time.Duration

	guard Guard
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithSessionKey tags state snapshots and notifications with the session key.
func WithSessionKey(key string) Option {
	return func(c *Coordinator) { c.sessionKey = key }
}

// WithStateStore sets where progress snapshots are dispatched.
func WithStateStore(s StateStore) Option {
	return func(c *Coordinator) {
		if s != nil {
			c.states = s
		}
	}
}

// WithNotifier sets the terminal notification sink.
func WithNotifier(n Notifier) Option {
	return func(c *Coordinator) {
		if n != nil {
			c.notifier = n
		}
	}
}

// WithJournal sets the durable attempt journal.
func WithJournal(j AttemptJournal) Option {
	return func(c *Coordinator) {
		if j != nil {
			c.journal = j
		}
	}
}

func WithMetrics(m Metrics) Option {
	return func(c *Coordinator) {
		if m != nil {
			c.metrics = m
		}
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(c *Coordinator) {
		if t != nil {
			c.tracer = t
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithClock overrides the time source used for attempt timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// WithIDGenerator overrides attempt ID generation.
func WithIDGenerator(newID func() string) Option {
	return func(c *Coordinator) {
		if newID != nil {
			c.newID = newID
		}
	}
}

// WithCallbackTimeout bounds the wait for the gateway callback. Zero waits
// until the caller's context is done.
func WithCallbackTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.callbackTimeout = d }
}

// NewCoordinator constructs a Coordinator over the three external ports.
func NewCoordinator(reservations ReservationService, ledger PaymentLedgerService, gateway GatewayClient, opts ...Option) *Coordinator {
	c := &Coordinator{
		reservations: reservations,
		ledger:       ledger,
		gateway:      gateway,
		states:       NoopStateStore{},
		notifier:     NoopNotifier{},
		journal:      NoopJournal{},
		metrics:      noopMetrics{},
		tracer:       otel.Tracer(tracerName),
		logger:       zerolog.Nop(),
		now:          time.Now,
		newID:        uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Busy reports whether an attempt is in flight.
func (c *Coordinator) Busy() bool {
	return c.guard.Busy()
}

// attemptRun carries one attempt through the saga.
type attemptRun struct {
	token   AttemptToken
	attempt *PaymentAttempt
	log     zerolog.Logger
	// detached outlives the caller's context; compensation and bookkeeping
	// must complete even if the buyer walks away.
	detached context.Context
}

// ExecutePurchase runs one purchase attempt to a terminal outcome.
//
// It returns an error only when no attempt was started: the request is
// invalid, or another attempt is already in flight (ErrAttemptInFlight). Every
// started attempt ends in an Outcome.
func (c *Coordinator) ExecutePurchase(ctx context.Context, req PurchaseRequest) (Outcome, error) {
	if err := req.Validate(); err != nil {
		return Outcome{}, err
	}

	token, err := c.guard.BeginAttempt()
	if err != nil {
		c.metrics.DuplicateRejected()
		c.logger.Info().Str("session_key", c.sessionKey).Msg("purchase rejected, attempt already in flight")
		return Outcome{}, err
	}
	c.metrics.AttemptStarted()

	a := newAttempt(c.newID(), req, c.now())
	ctx, span := c.tracer.Start(ctx, "checkout.ExecutePurchase", trace.WithAttributes(
		attribute.String("attempt.id", a.ID),
		attribute.String("reservation.kind", string(req.Kind)),
		attribute.Int64("amount", req.TotalAmount),
	))
	defer span.End()

	run := &attemptRun{
		token:   token,
		attempt: a,
		log: c.logger.With().
			Str("session_key", c.sessionKey).
			Str("attempt_id", a.ID).
			Str("kind", string(req.Kind)).
			Logger(),
		detached: context.WithoutCancel(ctx),
	}

	outcome := c.run(ctx, run)
	if !outcome.Succeeded() {
		span.SetStatus(codes.Error, string(outcome.Kind))
	}
	span.SetAttributes(attribute.String("outcome", string(outcome.Status)))
	return outcome, nil
}

func (c *Coordinator) run(ctx context.Context, r *attemptRun) Outcome {
	a := r.attempt
	if err := c.journal.Start(r.detached, a); err != nil {
		r.log.Warn().Err(err).Msg("journal start failed")
	}
	c.dispatch(r, "")
	r.log.Info().Int64("amount", a.Request.TotalAmount).Msg("purchase attempt started")

	if err := c.step(ctx, r, "gateway_ready", c.gateway.Ready); err != nil {
		return c.failBeforeSession(ctx, r, KindGatewayInitFailed, "payment gateway is not ready", err)
	}

	var holds []ReservationHold
	err := c.step(ctx, r, "create_holds", func(ctx context.Context) error {
		var err error
		holds, err = c.reservations.CreateHolds(ctx, a.Request.Kind, a.Request.LineItems)
		return err
	})
	for _, h := range holds {
		if h.HoldID != "" {
			a.HoldIDs = append(a.HoldIDs, h.HoldID)
		}
	}
	if err == nil && len(a.HoldIDs) != len(a.Request.LineItems) {
		err = fmt.Errorf("%w: got %d holds for %d items", ErrInventoryUnavailable, len(a.HoldIDs), len(a.Request.LineItems))
	}
	if err != nil {
		return c.failBeforeSession(ctx, r, KindInventoryUnavailable, "selected inventory is no longer available", err)
	}
	r.log.Info().Strs("hold_ids", a.HoldIDs).Msg("holds created")

	err = c.step(ctx, r, "record_attempt", func(ctx context.Context) error {
		return c.ledger.RecordAttempt(ctx, AttemptRecord{
			AttemptID: a.ID,
			Kind:      a.Request.Kind,
			Amount:    a.Request.TotalAmount,
			Method:    a.Request.Method,
			HoldIDs:   a.holdIDs(),
			Buyer:     a.Request.Buyer,
		})
	})
	if err != nil {
		return c.failBeforeSession(ctx, r, KindGatewayInitFailed, "payment could not be started", err)
	}

	if err := c.advance(r, StatusAwaitingGateway); err != nil {
		return c.fail(r, KindGatewayInitFailed, "payment could not be started", err, true)
	}

	results := make(chan GatewayResult, 1)
	var once sync.Once
	callback := func(res GatewayResult) {
		if res.MerchantRef != "" && res.MerchantRef != a.ID {
			c.metrics.LateCallback()
			r.log.Warn().Str("merchant_ref", res.MerchantRef).Msg("ignoring callback for another attempt")
			return
		}
		if !c.guard.IsCurrent(r.token) {
			c.metrics.LateCallback()
			r.log.Warn().Msg("ignoring gateway callback for finished attempt")
			return
		}
		delivered := false
		once.Do(func() {
			results <- res
			delivered = true
		})
		if !delivered {
			c.metrics.LateCallback()
			r.log.Warn().Msg("ignoring duplicate gateway callback")
		}
	}

	payload := GatewayPayload{
		MerchantRef: a.ID,
		Amount:      a.Request.TotalAmount,
		Method:      a.Request.Method,
		OrderName:   a.Request.OrderName(),
		Buyer:       a.Request.Buyer,
	}
	err = c.step(ctx, r, "request_payment", func(ctx context.Context) error {
		return c.gateway.RequestPayment(ctx, payload, callback)
	})
	if err != nil {
		return c.fail(r, KindGatewayInitFailed, "payment window could not be opened", err, true)
	}

	waitCtx := ctx
	if c.callbackTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, c.callbackTimeout)
		defer cancel()
	}

	var result GatewayResult
	select {
	case result = <-results:
	case <-waitCtx.Done():
		return c.abandon(r, waitCtx.Err())
	}

	if result.GatewayTransactionID != "" {
		a.GatewayRef = result.GatewayTransactionID
	}
	if !result.Success {
		reason := "payment was declined"
		if result.Reason != "" {
			reason = result.Reason
		}
		return c.fail(r, KindPaymentDeclined, reason, nil, true)
	}
	r.log.Info().Str("gateway_ref", a.GatewayRef).Int64("paid_amount", result.PaidAmount).Msg("gateway reported payment")

	// The charge is captured; finish the saga regardless of the caller.
	ctx = r.detached

	if err := c.advance(r, StatusVerifying); err != nil {
		return c.fail(r, KindVerificationFailed, "payment could not be verified", err, true)
	}
	var verified VerificationResult
	err = c.step(ctx, r, "verify", func(ctx context.Context) error {
		var err error
		verified, err = c.ledger.Verify(ctx, VerifyRequest{
			AttemptID:            a.ID,
			GatewayTransactionID: result.GatewayTransactionID,
			PaidAmount:           result.PaidAmount,
			ExpectedAmount:       a.Request.TotalAmount,
		})
		return err
	})
	if err != nil {
		return c.fail(r, KindVerificationFailed, "payment could not be verified", err, true)
	}
	if verified.VerifiedAmount != a.Request.TotalAmount {
		reason := fmt.Sprintf("verified amount %d does not match total %d", verified.VerifiedAmount, a.Request.TotalAmount)
		return c.fail(r, KindVerificationFailed, reason, ErrVerificationFailed, true)
	}
	if verified.GatewayRef != "" && result.GatewayTransactionID != "" && verified.GatewayRef != result.GatewayTransactionID {
		return c.fail(r, KindVerificationFailed, "verified payment belongs to another transaction", ErrVerificationFailed, true)
	}

	if err := c.advance(r, StatusConfirming); err != nil {
		return c.fail(r, KindConfirmationFailed, "reservation could not be confirmed", err, false)
	}
	var record ConfirmationRecord
	err = c.step(ctx, r, "confirm", func(ctx context.Context) error {
		var err error
		record, err = c.ledger.Confirm(ctx, ConfirmRequest{
			AttemptID:            a.ID,
			HoldIDs:              a.holdIDs(),
			GatewayTransactionID: result.GatewayTransactionID,
		})
		return err
	})
	if err != nil {
		// Payment is captured; releasing would sell the inventory twice.
		r.log.Error().Err(err).Strs("hold_ids", a.HoldIDs).Str("gateway_ref", a.GatewayRef).
			Msg("confirmation failed after capture, manual review required")
		return c.fail(r, KindConfirmationFailed, "reservation could not be confirmed, our team will review it", err, false)
	}

	if err := c.advance(r, StatusCompleted); err != nil {
		r.log.Error().Err(err).Msg("completed attempt could not transition")
	}
	if record.AttemptID == "" {
		record.AttemptID = a.ID
	}
	if record.GatewayRef == "" {
		record.GatewayRef = a.GatewayRef
	}
	outcome := successOutcome(a.ID, record)
	r.log.Info().Str("confirmation_id", record.ConfirmationID).Msg("purchase completed")
	c.finish(r, outcome)
	return outcome
}

// step runs one remote call inside its own span and records its latency.
func (c *Coordinator) step(ctx context.Context, r *attemptRun, name string, fn func(context.Context) error) error {
	ctx, span := c.tracer.Start(ctx, "checkout."+name, trace.WithAttributes(
		attribute.String("attempt.id", r.attempt.ID),
	))
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	c.metrics.ObserveStep(name, time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if jerr := c.journal.AddStep(r.detached, r.attempt.ID, name, "failed", err.Error()); jerr != nil {
			r.log.Warn().Err(jerr).Str("step", name).Msg("journal step failed")
		}
		return err
	}
	if jerr := c.journal.AddStep(r.detached, r.attempt.ID, name, "ok", ""); jerr != nil {
		r.log.Warn().Err(jerr).Str("step", name).Msg("journal step failed")
	}
	return nil
}

// advance applies a forward transition and dispatches the new snapshot.
func (c *Coordinator) advance(r *attemptRun, next AttemptStatus) error {
	if err := r.attempt.TransitionTo(next, c.now()); err != nil {
		r.log.Error().Err(err).Str("from", string(r.attempt.Status)).Str("to", string(next)).Msg("illegal attempt transition")
		return err
	}
	c.dispatch(r, "")
	if err := c.journal.UpdateStatus(r.detached, r.attempt.ID, next); err != nil {
		r.log.Warn().Err(err).Msg("journal status update failed")
	}
	r.log.Debug().Str("state", string(next)).Msg("attempt advanced")
	return nil
}

func (c *Coordinator) dispatch(r *attemptRun, kind FailureKind) {
	if err := c.states.Save(r.detached, snapshot(c.sessionKey, r.attempt, kind)); err != nil {
		r.log.Warn().Err(err).Msg("state dispatch failed")
	}
}

// failBeforeSession fails an attempt whose gateway session was never opened.
// A cancelled caller turns the failure into an abandonment; holds are
// released either way since nothing was charged.
func (c *Coordinator) failBeforeSession(ctx context.Context, r *attemptRun, kind FailureKind, reason string, cause error) Outcome {
	if ctx.Err() != nil && (errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded)) {
		kind = KindAttemptAbandoned
		reason = "purchase was abandoned before payment"
	}
	return c.fail(r, kind, reason, cause, true)
}

// abandon ends an attempt whose callback never arrived. The gateway session
// is cancelled when the gateway supports it, so a late capture is reported
// as an unknown session and left to reconciliation. Holds are released.
func (c *Coordinator) abandon(r *attemptRun, cause error) Outcome {
	r.log.Warn().Err(cause).Strs("hold_ids", r.attempt.HoldIDs).
		Msg("gateway callback not received, abandoning attempt")
	if canceller, ok := c.gateway.(SessionCanceller); ok {
		canceller.CancelPayment(r.attempt.ID)
	}
	return c.fail(r, KindAttemptAbandoned, "payment window was abandoned", cause, true)
}

func (c *Coordinator) fail(r *attemptRun, kind FailureKind, reason string, cause error, compensate bool) Outcome {
	a := r.attempt
	if compensate {
		c.release(r)
	}
	if err := a.TransitionTo(StatusFailed, c.now()); err != nil {
		r.log.Error().Err(err).Msg("attempt could not be failed")
	}
	c.dispatch(r, kind)
	if err := c.journal.UpdateStatus(r.detached, a.ID, StatusFailed); err != nil {
		r.log.Warn().Err(err).Msg("journal status update failed")
	}

	ev := r.log.Warn()
	if kind == KindConfirmationFailed {
		ev = r.log.Error()
	}
	ev.Err(cause).Str("failure_kind", string(kind)).Bool("compensated", compensate).Msg("purchase attempt failed")

	outcome := failedOutcome(a.ID, kind, reason)
	c.finish(r, outcome)
	return outcome
}

// release returns every hold of the attempt. Failures are logged and counted
// but never change the outcome.
func (c *Coordinator) release(r *attemptRun) {
	ids := r.attempt.holdIDs()
	if len(ids) == 0 {
		return
	}
	err := c.step(r.detached, r, "release_holds", func(ctx context.Context) error {
		return c.reservations.Release(ctx, ids)
	})
	if err != nil {
		c.metrics.CompensationFailed()
		r.log.Error().Err(err).Strs("hold_ids", ids).Msg("hold release failed")
		return
	}
	r.log.Info().Strs("hold_ids", ids).Msg("holds released")
}

// finish clears local state, frees the guard and publishes the terminal
// notification.
func (c *Coordinator) finish(r *attemptRun, outcome Outcome) {
	a := r.attempt
	if err := c.states.Clear(r.detached, c.sessionKey, a.ID); err != nil {
		r.log.Warn().Err(err).Msg("state clear failed")
	}
	c.guard.EndAttempt(r.token)
	c.metrics.AttemptFinished(outcome.Status, outcome.Kind)

	n := Notification{
		AttemptID:  a.ID,
		SessionKey: c.sessionKey,
		Kind:       a.Request.Kind,
		Amount:     a.Request.TotalAmount,
		Buyer:      a.Request.Buyer,
		Outcome:    outcome,
		OccurredAt: c.now(),
	}
	if err := c.notifier.Notify(r.detached, n); err != nil {
		r.log.Warn().Err(err).Msg("terminal notification failed")
	}
}

type noopMetrics struct{}

func (noopMetrics) AttemptStarted() {}
func (noopMetrics) AttemptFinished(OutcomeStatus, FailureKind) {}
func (noopMetrics) DuplicateRejected() {}
func (noopMetrics) CompensationFailed() {}
func (noopMetrics) LateCallback() {}
func (noopMetrics) ObserveStep(string, time.Duration, error) {}
