package checkout

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// NewInMemoryReservationService constructs an in-memory reservation service
// whose holds expire after ttl.
func NewInMemoryReservationService(ttl time.Duration) *InMemoryReservationService {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &InMemoryReservationService{
		ttl:     ttl,
		now:     time.Now,
		holds:   make(map[string]ReservationHold),
		holders: make(map[string]string),
		blocked: make(map[string]bool),
	}
}

// InMemoryReservationService tracks holds in memory. Batches are all-or-nothing.
type InMemoryReservationService struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	holds   map[string]ReservationHold
	holders map[string]string // item ref -> hold ID
	blocked map[string]bool
}

// Block marks an item as sold elsewhere (for testing/inspection).
func (s *InMemoryReservationService) Block(itemRef string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocked[itemRef] = true
}

func (s *InMemoryReservationService) CreateHolds(ctx context.Context, kind ReservationKind, items []LineItem) ([]ReservationHold, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, item := range items {
		if s.blocked[item.ItemRef] {
			return nil, fmt.Errorf("%w: %s", ErrInventoryUnavailable, item.ItemRef)
		}
		if holdID, ok := s.holders[item.ItemRef]; ok && s.active(holdID, now) {
			return nil, fmt.Errorf("%w: %s is held", ErrInventoryUnavailable, item.ItemRef)
		}
	}

	out := make([]ReservationHold, 0, len(items))
	for _, item := range items {
		h := ReservationHold{
			HoldID:    "hold-" + uuid.NewString(),
			ItemRef:   item.ItemRef,
			ExpiresAt: now.Add(s.ttl),
			Status:    HoldPending,
		}
		s.holds[h.HoldID] = h
		s.holders[item.ItemRef] = h.HoldID
		out = append(out, h)
	}
	return out, nil
}

// active reports whether the hold still blocks its item. Callers hold s.mu.
func (s *InMemoryReservationService) active(holdID string, now time.Time) bool {
	h, ok := s.holds[holdID]
	if !ok {
		return false
	}
	switch h.Status {
	case HoldConfirmed:
		return true
	case HoldPending:
		return now.Before(h.ExpiresAt)
	default:
		return false
	}
}

func (s *InMemoryReservationService) Release(ctx context.Context, holdIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range holdIDs {
		h, ok := s.holds[id]
		if !ok || h.Status != HoldPending {
			continue
		}
		h.Status = HoldReleased
		s.holds[id] = h
		if s.holders[h.ItemRef] == id {
			delete(s.holders, h.ItemRef)
		}
	}
	return nil
}

// ConfirmHolds marks every hold CONFIRMED. It fails without changes if any
// hold is unknown, released or expired.
func (s *InMemoryReservationService) ConfirmHolds(ctx context.Context, holdIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for _, id := range holdIDs {
		h, ok := s.holds[id]
		if !ok {
			return fmt.Errorf("%w: unknown hold %s", ErrConfirmationFailed, id)
		}
		if h.Status == HoldReleased || (h.Status == HoldPending && !now.Before(h.ExpiresAt)) {
			return fmt.Errorf("%w: hold %s is no longer pending", ErrConfirmationFailed, id)
		}
	}
	for _, id := range holdIDs {
		h := s.holds[id]
		h.Status = HoldConfirmed
		s.holds[id] = h
	}
	return nil
}

// Hold returns a hold by ID (for testing/inspection).
func (s *InMemoryReservationService) Hold(holdID string) (ReservationHold, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.holds[holdID]
	return h, ok
}

// NewInMemoryLedger constructs an in-memory ledger that confirms holds
// through confirmer and verifies payments through lookup.
func NewInMemoryLedger(confirmer HoldConfirmer, lookup PaymentLookup) *InMemoryLedger {
	return &InMemoryLedger{
		confirmer: confirmer,
		lookup:    lookup,
		now:       time.Now,
		entries:   make(map[string]*ledgerEntry),
		refs:      make(map[string]string),
	}
}

// InMemoryLedger records attempts in memory. Verification reads the payment
// back from the gateway.
type InMemoryLedger struct {
	mu        sync.Mutex
	confirmer HoldConfirmer
	lookup    PaymentLookup
	now       func() time.Time
	entries   map[string]*ledgerEntry
	refs      map[string]string // gateway ref -> attempt ID
}

type ledgerEntry struct {
	record       AttemptRecord
	verified     *VerificationResult
	confirmation *ConfirmationRecord
}

func (l *InMemoryLedger) RecordAttempt(ctx context.Context, rec AttemptRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.entries[rec.AttemptID]; ok {
		return nil
	}
	l.entries[rec.AttemptID] = &ledgerEntry{record: rec}
	return nil
}

func (l *InMemoryLedger) Verify(ctx context.Context, req VerifyRequest) (VerificationResult, error) {
	l.mu.Lock()
	_, ok := l.entries[req.AttemptID]
	l.mu.Unlock()
	if !ok {
		return VerificationResult{}, ErrAttemptNotFound
	}

	payment, err := LookupVerified(ctx, l.lookup, req)
	if err != nil {
		return VerificationResult{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	entry := l.entries[req.AttemptID]
	if entry.confirmation != nil {
		return VerificationResult{}, fmt.Errorf("%w: attempt %s already confirmed", ErrVerificationFailed, req.AttemptID)
	}
	if owner, used := l.refs[payment.TransactionID]; used && owner != req.AttemptID {
		return VerificationResult{}, fmt.Errorf("%w: transaction %s already verified for attempt %s", ErrVerificationFailed, payment.TransactionID, owner)
	}
	res := VerificationResult{
		GatewayRef:     payment.TransactionID,
		VerifiedAmount: payment.Amount,
		VerifiedAt:     l.now(),
	}
	l.refs[payment.TransactionID] = req.AttemptID
	entry.verified = &res
	return res, nil
}

func (l *InMemoryLedger) Confirm(ctx context.Context, req ConfirmRequest) (ConfirmationRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[req.AttemptID]
	if !ok {
		return ConfirmationRecord{}, ErrAttemptNotFound
	}
	if entry.confirmation != nil {
		return *entry.confirmation, nil
	}
	if entry.verified == nil || entry.verified.VerifiedAmount != entry.record.Amount {
		return ConfirmationRecord{}, fmt.Errorf("%w: attempt %s is not verified", ErrConfirmationFailed, req.AttemptID)
	}
	if l.confirmer != nil {
		if err := l.confirmer.ConfirmHolds(ctx, req.HoldIDs); err != nil {
			return ConfirmationRecord{}, err
		}
	}
	rec := ConfirmationRecord{
		ConfirmationID: "conf-" + uuid.NewString(),
		AttemptID:      req.AttemptID,
		GatewayRef:     entry.verified.GatewayRef,
		HoldIDs:        append([]string(nil), req.HoldIDs...),
		Amount:         entry.verified.VerifiedAmount,
		ConfirmedAt:    l.now(),
	}
	entry.confirmation = &rec
	return rec, nil
}

// Confirmation returns the confirmation for an attempt, if any (for testing/inspection).
func (l *InMemoryLedger) Confirmation(attemptID string) (ConfirmationRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[attemptID]
	if !ok || entry.confirmation == nil {
		return ConfirmationRecord{}, false
	}
	return *entry.confirmation, true
}
