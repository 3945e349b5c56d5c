package checkout

import (
	"errors"
	"time"
)

// OutcomeStatus tags the Outcome union.
type OutcomeStatus string

const (
	OutcomeSuccess OutcomeStatus = "SUCCESS"
	OutcomeFailed  OutcomeStatus = "FAILED"
)

// FailureKind classifies why an attempt failed. Every remote failure is mapped
// to one of these before it leaves the coordinator.
type FailureKind string

const (
	KindInventoryUnavailable FailureKind = "INVENTORY_UNAVAILABLE"
	KindGatewayInitFailed    FailureKind = "GATEWAY_INIT_FAILED"
	KindPaymentDeclined      FailureKind = "PAYMENT_DECLINED"
	KindVerificationFailed   FailureKind = "VERIFICATION_FAILED"
	KindConfirmationFailed   FailureKind = "CONFIRMATION_FAILED"
	KindAttemptAbandoned     FailureKind = "ATTEMPT_ABANDONED"
)

// Retryable reports whether the buyer may start a new attempt right away.
func (k FailureKind) Retryable() bool {
	switch k {
	case KindInventoryUnavailable, KindGatewayInitFailed, KindPaymentDeclined, KindAttemptAbandoned:
		return true
	default:
		return false
	}
}

// ConfirmationRecord is returned by the ledger once holds are confirmed and the
// payment is settled.
type ConfirmationRecord struct {
	ConfirmationID string    `json:"confirmation_id"`
	AttemptID      string    `json:"attempt_id"`
	GatewayRef     string    `json:"gateway_ref"`
	HoldIDs        []string  `json:"hold_ids"`
	Amount         int64     `json:"amount"`
	ConfirmedAt    time.Time `json:"confirmed_at"`
}

// Outcome is what ExecutePurchase reports to the API layer.
type Outcome struct {
	Status               OutcomeStatus       `json:"status"`
	AttemptID            string              `json:"attempt_id"`
	Confirmation         *ConfirmationRecord `json:"confirmation,omitempty"`
	Kind                 FailureKind         `json:"kind,omitempty"`
	RequiresManualReview bool                `json:"requires_manual_review,omitempty"`
	Reason               string              `json:"reason,omitempty"`
}

// Succeeded reports whether the outcome carries a confirmation.
func (o Outcome) Succeeded() bool {
	return o.Status == OutcomeSuccess
}

func successOutcome(attemptID string, rec ConfirmationRecord) Outcome {
	return Outcome{
		Status:       OutcomeSuccess,
		AttemptID:    attemptID,
		Confirmation: &rec,
	}
}

func failedOutcome(attemptID string, kind FailureKind, reason string) Outcome {
	return Outcome{
		Status:               OutcomeFailed,
		AttemptID:            attemptID,
		Kind:                 kind,
		RequiresManualReview: kind == KindConfirmationFailed,
		Reason:               reason,
	}
}

// Errors returned by collaborators. Adapters wrap their transport errors with
// these so the coordinator can classify them.
var (
	ErrAttemptInFlight      = errors.New("a purchase attempt is already in flight")
	ErrInventoryUnavailable = errors.New("inventory unavailable")
	ErrGatewayUnavailable   = errors.New("payment gateway unavailable")
	ErrUnsupportedMethod    = errors.New("payment method not supported by gateway")
	ErrVerificationFailed   = errors.New("payment verification failed")
	ErrConfirmationFailed   = errors.New("reservation confirmation failed")
	ErrAttemptNotFound      = errors.New("payment attempt not found")
)
