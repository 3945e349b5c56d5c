package checkout

import (
	"context"
	"fmt"
)

// LookupVerified fetches the gateway's record of req's transaction and checks
// that it is a captured payment for req's attempt. Ledgers take the verified
// amount from the returned record, never from the callback.
func LookupVerified(ctx context.Context, lookup PaymentLookup, req VerifyRequest) (GatewayPayment, error) {
	if req.GatewayTransactionID == "" {
		return GatewayPayment{}, fmt.Errorf("%w: missing gateway transaction", ErrVerificationFailed)
	}
	if lookup == nil {
		return GatewayPayment{}, fmt.Errorf("%w: no gateway lookup configured", ErrVerificationFailed)
	}
	p, err := lookup.LookupPayment(ctx, req.GatewayTransactionID)
	if err != nil {
		return GatewayPayment{}, err
	}
	switch {
	case p.TransactionID != "" && p.TransactionID != req.GatewayTransactionID:
		return p, fmt.Errorf("%w: gateway returned transaction %s for %s", ErrVerificationFailed, p.TransactionID, req.GatewayTransactionID)
	case p.MerchantRef != req.AttemptID:
		return p, fmt.Errorf("%w: transaction %s belongs to %q, not attempt %s", ErrVerificationFailed, req.GatewayTransactionID, p.MerchantRef, req.AttemptID)
	case !p.Paid:
		return p, fmt.Errorf("%w: gateway reports transaction %s as %q", ErrVerificationFailed, req.GatewayTransactionID, p.Status)
	}
	if p.TransactionID == "" {
		p.TransactionID = req.GatewayTransactionID
	}
	return p, nil
}
