package checkout

import (
	"errors"
	"time"
)

// AttemptStatus captures where a payment attempt is in the saga.
type AttemptStatus string

const (
	StatusCreated         AttemptStatus = "CREATED"
	StatusAwaitingGateway AttemptStatus = "AWAITING_GATEWAY"
	StatusVerifying       AttemptStatus = "VERIFYING"
	StatusConfirming      AttemptStatus = "CONFIRMING"
	StatusCompleted       AttemptStatus = "COMPLETED"
	StatusFailed          AttemptStatus = "FAILED"
)

// IsTerminal reports whether no further transitions are possible.
func (s AttemptStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

var (
	ErrInvalidTransition = errors.New("invalid attempt transition")
	ErrAttemptFinished   = errors.New("attempt already finished")
)

// allowedTransitions is the forward path; FAILED is reachable from every
// non-terminal state and handled separately.
var allowedTransitions = map[AttemptStatus]AttemptStatus{
	StatusCreated:         StatusAwaitingGateway,
	StatusAwaitingGateway: StatusVerifying,
	StatusVerifying:       StatusConfirming,
	StatusConfirming:      StatusCompleted,
}

// PaymentAttempt is the coordinator's record of one purchase attempt. It is
// never revived once terminal; a retry needs a fresh attempt.
type PaymentAttempt struct {
	ID         string
	Request    PurchaseRequest
	HoldIDs    []string
	GatewayRef string
	Status     AttemptStatus
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func newAttempt(id string, req PurchaseRequest, now time.Time) *PaymentAttempt {
	return &PaymentAttempt{
		ID:        id,
		Request:   req,
		Status:    StatusCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// CanTransitionTo reports whether next is a legal successor of the current status.
func (a *PaymentAttempt) CanTransitionTo(next AttemptStatus) bool {
	if a.Status.IsTerminal() {
		return false
	}
	if next == StatusFailed {
		return true
	}
	return allowedTransitions[a.Status] == next
}

// TransitionTo moves the attempt to next or reports why it cannot.
func (a *PaymentAttempt) TransitionTo(next AttemptStatus, now time.Time) error {
	if a.Status.IsTerminal() {
		return ErrAttemptFinished
	}
	if !a.CanTransitionTo(next) {
		return ErrInvalidTransition
	}
	a.Status = next
	a.UpdatedAt = now
	return nil
}

// holdIDs returns a copy so callers cannot mutate the attempt's references.
func (a *PaymentAttempt) holdIDs() []string {
	out := make([]string, len(a.HoldIDs))
	copy(out, a.HoldIDs)
	return out
}
