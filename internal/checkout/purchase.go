package checkout

import (
	"errors"
	"fmt"
	"strings"
)

// ReservationKind names the inventory family a purchase reserves.
type ReservationKind string

const (
	KindAccommodation ReservationKind = "ACCOMMODATION"
	KindFlight        ReservationKind = "FLIGHT"
	KindDelivery      ReservationKind = "DELIVERY"
)

// Valid reports whether k is a known reservation kind.
func (k ReservationKind) Valid() bool {
	switch k {
	case KindAccommodation, KindFlight, KindDelivery:
		return true
	default:
		return false
	}
}

// PaymentMethod is the buyer-selected way to pay. Gateway adapters translate it
// to their own channel identifiers.
type PaymentMethod string

const (
	MethodCard           PaymentMethod = "CARD"
	MethodBankTransfer   PaymentMethod = "BANK_TRANSFER"
	MethodVirtualAccount PaymentMethod = "VIRTUAL_ACCOUNT"
	MethodMobile         PaymentMethod = "MOBILE"
	MethodKakaoPay       PaymentMethod = "KAKAOPAY"
	MethodNaverPay       PaymentMethod = "NAVERPAY"
	MethodTossPay        PaymentMethod = "TOSSPAY"
)

// LineItem is one inventory unit being purchased: a room night, a flight leg,
// a delivery slot.
type LineItem struct {
	ItemRef    string `json:"item_ref"`
	UnitAmount int64  `json:"unit_amount"`
}

// Buyer carries the contact details forwarded to the gateway.
type Buyer struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
	Email string `json:"email"`
}

// PurchaseRequest is the immutable input to ExecutePurchase. Amounts are in
// minor currency units.
type PurchaseRequest struct {
	Kind        ReservationKind `json:"reservation_kind"`
	LineItems   []LineItem      `json:"line_items"`
	TotalAmount int64           `json:"total_amount"`
	Buyer       Buyer           `json:"buyer"`
	Method      PaymentMethod   `json:"payment_method"`
}

var (
	ErrInvalidRequest   = errors.New("invalid purchase request")
	ErrAmountMismatch   = errors.New("total amount does not match line items")
	ErrNoLineItems      = errors.New("line items are required")
	ErrNonPositiveTotal = errors.New("total amount must be positive")
)

// Validate enforces the request invariants. It runs before any remote call.
func (r PurchaseRequest) Validate() error {
	if !r.Kind.Valid() {
		return fmt.Errorf("%w: unknown reservation kind %q", ErrInvalidRequest, r.Kind)
	}
	if len(r.LineItems) == 0 {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, ErrNoLineItems)
	}
	if r.TotalAmount <= 0 {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, ErrNonPositiveTotal)
	}
	if strings.TrimSpace(string(r.Method)) == "" {
		return fmt.Errorf("%w: payment method is required", ErrInvalidRequest)
	}

	var sum int64
	for i, item := range r.LineItems {
		if strings.TrimSpace(item.ItemRef) == "" {
			return fmt.Errorf("%w: line item %d has no item ref", ErrInvalidRequest, i)
		}
		if item.UnitAmount <= 0 {
			return fmt.Errorf("%w: line item %s has non-positive amount", ErrInvalidRequest, item.ItemRef)
		}
		sum += item.UnitAmount
	}
	if sum != r.TotalAmount {
		return fmt.Errorf("%w: %w (sum %d, total %d)", ErrInvalidRequest, ErrAmountMismatch, sum, r.TotalAmount)
	}
	return nil
}

// ItemRefs lists the item references in request order.
func (r PurchaseRequest) ItemRefs() []string {
	refs := make([]string, 0, len(r.LineItems))
	for _, item := range r.LineItems {
		refs = append(refs, item.ItemRef)
	}
	return refs
}

// OrderName is the short human label shown on the gateway's payment sheet.
func (r PurchaseRequest) OrderName() string {
	if len(r.LineItems) == 0 {
		return string(r.Kind)
	}
	if len(r.LineItems) == 1 {
		return r.LineItems[0].ItemRef
	}
	return fmt.Sprintf("%s and %d more", r.LineItems[0].ItemRef, len(r.LineItems)-1)
}
