package checkout

import (
	"context"
	"time"
)

// HoldStatus is the lifecycle of an inventory hold, owned by ReservationService.
type HoldStatus string

const (
	HoldPending   HoldStatus = "PENDING"
	HoldConfirmed HoldStatus = "CONFIRMED"
	HoldReleased  HoldStatus = "RELEASED"
)

// ReservationHold is a temporary exclusive reservation of one inventory unit.
type ReservationHold struct {
	HoldID    string     `json:"hold_id"`
	ItemRef   string     `json:"item_ref"`
	ExpiresAt time.Time  `json:"expires_at"`
	Status    HoldStatus `json:"status"`
}

// ReservationService creates and releases inventory holds.
//
// CreateHolds returns one hold per line item or an error wrapping
// ErrInventoryUnavailable. Implementations that cannot create holds
// atomically must release partial batches before returning the error.
// Release is best-effort and idempotent.
type ReservationService interface {
	CreateHolds(ctx context.Context, kind ReservationKind, items []LineItem) ([]ReservationHold, error)
	Release(ctx context.Context, holdIDs []string) error
}

// HoldConfirmer turns PENDING holds into CONFIRMED ones. Ledger
// implementations use it while finalizing a payment.
type HoldConfirmer interface {
	ConfirmHolds(ctx context.Context, holdIDs []string) error
}

// GatewayPayload is what the coordinator hands to the gateway to open a session.
type GatewayPayload struct {
	MerchantRef string
	Amount      int64
	Method      PaymentMethod
	OrderName   string
	Buyer       Buyer
}

// GatewayResult is the normalized shape of the gateway's single callback.
type GatewayResult struct {
	MerchantRef          string
	Success              bool
	GatewayTransactionID string
	PaidAmount           int64
	Reason               string
}

// GatewayClient adapts an external callback-based payment SDK.
//
// RequestPayment opens a session and returns; the callback is invoked exactly
// once later, from any goroutine. A non-nil error means no session was opened
// and the callback will never fire.
type GatewayClient interface {
	Ready(ctx context.Context) error
	RequestPayment(ctx context.Context, payload GatewayPayload, callback func(GatewayResult)) error
}

// SessionCanceller is implemented by gateways that can forget an open
// session. A callback arriving after CancelPayment is treated as unknown.
type SessionCanceller interface {
	CancelPayment(merchantRef string)
}

// GatewayPayment is the gateway's own record of a payment, read
// server-to-server rather than taken from a callback body.
type GatewayPayment struct {
	TransactionID string
	MerchantRef   string
	Amount        int64
	Status        string
	Paid          bool
}

// PaymentLookup reads a payment from the gateway by transaction ID.
// Transactions the gateway does not know return an error wrapping
// ErrVerificationFailed.
type PaymentLookup interface {
	LookupPayment(ctx context.Context, transactionID string) (GatewayPayment, error)
}

// AttemptRecord mirrors a local PaymentAttempt on the ledger before the gateway
// session is opened, so the ledger can verify the gateway's claim later.
type AttemptRecord struct {
	AttemptID string
	Kind      ReservationKind
	Amount    int64
	Method    PaymentMethod
	HoldIDs   []string
	Buyer     Buyer
}

// VerifyRequest asks the ledger to re-check a gateway callback.
type VerifyRequest struct {
	AttemptID            string
	GatewayTransactionID string
	PaidAmount           int64
	ExpectedAmount       int64
}

// VerificationResult is the ledger's view of the captured payment.
type VerificationResult struct {
	GatewayRef     string    `json:"gateway_ref"`
	VerifiedAmount int64     `json:"verified_amount"`
	VerifiedAt     time.Time `json:"verified_at"`
}

// ConfirmRequest finalizes a verified payment.
type ConfirmRequest struct {
	AttemptID            string
	HoldIDs              []string
	GatewayTransactionID string
}

// PaymentLedgerService persists attempts, verifies gateway results and
// finalizes reservations.
type PaymentLedgerService interface {
	RecordAttempt(ctx context.Context, rec AttemptRecord) error
	Verify(ctx context.Context, req VerifyRequest) (VerificationResult, error)
	Confirm(ctx context.Context, req ConfirmRequest) (ConfirmationRecord, error)
}

// Notification is published once per attempt, on its terminal state.
type Notification struct {
	AttemptID  string          `json:"attempt_id"`
	SessionKey string          `json:"session_key,omitempty"`
	Kind       ReservationKind `json:"reservation_kind"`
	Amount     int64           `json:"amount"`
	Buyer      Buyer           `json:"buyer"`
	Outcome    Outcome         `json:"outcome"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// Notifier delivers terminal notifications to downstream consumers.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// AttemptJournal durably records the saga's progress for audit and reconciliation.
type AttemptJournal interface {
	Start(ctx context.Context, attempt *PaymentAttempt) error
	AddStep(ctx context.Context, attemptID, step, status, detail string) error
	UpdateStatus(ctx context.Context, attemptID string, status AttemptStatus) error
}
