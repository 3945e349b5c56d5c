package rest

import (
	"context"
	"net/http"
	"net/url"

	"github.com/pkg/errors"

	"voyager/internal/checkout"
	"voyager/internal/httpclient"
)

// LedgerClient talks to the payment-ledger backend.
type LedgerClient struct {
	client *httpclient.Client
}

func NewLedgerClient(client *httpclient.Client) *LedgerClient {
	return &LedgerClient{client: client}
}

type attemptRequest struct {
	AttemptID string                   `json:"attempt_id"`
	Kind      checkout.ReservationKind `json:"reservation_kind"`
	Amount    int64                    `json:"amount"`
	Method    checkout.PaymentMethod   `json:"payment_method"`
	HoldIDs   []string                 `json:"hold_ids"`
	Buyer     checkout.Buyer           `json:"buyer"`
}

type verifyRequest struct {
	GatewayTransactionID string `json:"gateway_transaction_id"`
	PaidAmount           int64  `json:"paid_amount"`
	ExpectedAmount       int64  `json:"expected_amount"`
}

type confirmRequest struct {
	HoldIDs              []string `json:"hold_ids"`
	GatewayTransactionID string   `json:"gateway_transaction_id"`
}

// RecordAttempt registers the attempt. A 409 means it is already recorded.
func (c *LedgerClient) RecordAttempt(ctx context.Context, rec checkout.AttemptRecord) error {
	err := c.client.PostJSON(ctx, "/payments/attempts", attemptRequest{
		AttemptID: rec.AttemptID,
		Kind:      rec.Kind,
		Amount:    rec.Amount,
		Method:    rec.Method,
		HoldIDs:   rec.HoldIDs,
		Buyer:     rec.Buyer,
	}, nil)
	if httpclient.StatusCode(err) == http.StatusConflict {
		return nil
	}
	return errors.Wrapf(err, "record attempt %s", rec.AttemptID)
}

func (c *LedgerClient) Verify(ctx context.Context, req checkout.VerifyRequest) (checkout.VerificationResult, error) {
	var out checkout.VerificationResult
	err := c.client.PostJSON(ctx, attemptPath(req.AttemptID, "verify"), verifyRequest{
		GatewayTransactionID: req.GatewayTransactionID,
		PaidAmount:           req.PaidAmount,
		ExpectedAmount:       req.ExpectedAmount,
	}, &out)
	if err != nil {
		return checkout.VerificationResult{}, ledgerError(err, checkout.ErrVerificationFailed, "verify", req.AttemptID)
	}
	return out, nil
}

func (c *LedgerClient) Confirm(ctx context.Context, req checkout.ConfirmRequest) (checkout.ConfirmationRecord, error) {
	var out checkout.ConfirmationRecord
	err := c.client.PostJSON(ctx, attemptPath(req.AttemptID, "confirm"), confirmRequest{
		HoldIDs:              req.HoldIDs,
		GatewayTransactionID: req.GatewayTransactionID,
	}, &out)
	if err != nil {
		return checkout.ConfirmationRecord{}, ledgerError(err, checkout.ErrConfirmationFailed, "confirm", req.AttemptID)
	}
	if out.AttemptID == "" {
		out.AttemptID = req.AttemptID
	}
	return out, nil
}

func attemptPath(attemptID, action string) string {
	return "/payments/attempts/" + url.PathEscape(attemptID) + "/" + action
}

// ledgerError maps backend rejections onto checkout sentinels. Other failures
// keep their transport error so the reliability wrappers can retry them.
func ledgerError(err, rejected error, op, attemptID string) error {
	switch httpclient.StatusCode(err) {
	case http.StatusNotFound:
		return errors.Wrapf(checkout.ErrAttemptNotFound, "%s %s", op, attemptID)
	case http.StatusConflict, http.StatusUnprocessableEntity, http.StatusPaymentRequired:
		return errors.Wrapf(rejected, "%s %s: %v", op, attemptID, err)
	default:
		return errors.Wrapf(err, "%s %s", op, attemptID)
	}
}
