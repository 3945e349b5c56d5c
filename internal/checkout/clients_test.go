package checkout

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestInMemoryReservationService_AllOrNothing(t *testing.T) {
	svc := NewInMemoryReservationService(time.Minute)
	ctx := context.Background()
	items := []LineItem{{ItemRef: "slot-a", UnitAmount: 10}, {ItemRef: "slot-b", UnitAmount: 10}}

	first, err := svc.CreateHolds(ctx, KindDelivery, items[:1])
	if err != nil || len(first) != 1 {
		t.Fatalf("first hold: %v %v", first, err)
	}

	if _, err := svc.CreateHolds(ctx, KindDelivery, items); !errors.Is(err, ErrInventoryUnavailable) {
		t.Fatalf("expected ErrInventoryUnavailable, got %v", err)
	}
	// slot-b must still be free: the failed batch left nothing behind.
	if _, err := svc.CreateHolds(ctx, KindDelivery, items[1:]); err != nil {
		t.Fatalf("expected slot-b to be free, got %v", err)
	}

	if err := svc.Release(ctx, []string{first[0].HoldID}); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := svc.Release(ctx, []string{first[0].HoldID, "unknown"}); err != nil {
		t.Fatalf("release must be idempotent: %v", err)
	}
	if h, _ := svc.Hold(first[0].HoldID); h.Status != HoldReleased {
		t.Fatalf("expected released, got %s", h.Status)
	}
	if _, err := svc.CreateHolds(ctx, KindDelivery, items[:1]); err != nil {
		t.Fatalf("released item must be holdable again: %v", err)
	}
}

func TestInMemoryReservationService_ExpiryAndConfirm(t *testing.T) {
	now := time.Date(2024, 7, 1, 9, 0, 0, 0, time.UTC)
	svc := NewInMemoryReservationService(time.Minute)
	svc.now = func() time.Time { return now }
	ctx := context.Background()
	items := []LineItem{{ItemRef: "room-1", UnitAmount: 10}}

	holds, _ := svc.CreateHolds(ctx, KindAccommodation, items)
	now = now.Add(2 * time.Minute)

	if err := svc.ConfirmHolds(ctx, []string{holds[0].HoldID}); !errors.Is(err, ErrConfirmationFailed) {
		t.Fatalf("expired holds cannot be confirmed, got %v", err)
	}
	fresh, err := svc.CreateHolds(ctx, KindAccommodation, items)
	if err != nil {
		t.Fatalf("expired hold must free the item: %v", err)
	}
	if err := svc.ConfirmHolds(ctx, []string{fresh[0].HoldID}); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if err := svc.Release(ctx, []string{fresh[0].HoldID}); err != nil {
		t.Fatalf("release: %v", err)
	}
	if h, _ := svc.Hold(fresh[0].HoldID); h.Status != HoldConfirmed {
		t.Fatalf("confirmed holds are not released, got %s", h.Status)
	}

	svc.Block("room-2")
	if _, err := svc.CreateHolds(ctx, KindAccommodation, []LineItem{{ItemRef: "room-2", UnitAmount: 1}}); !errors.Is(err, ErrInventoryUnavailable) {
		t.Fatalf("expected blocked item unavailable, got %v", err)
	}
}

func TestInMemoryLedger_ConfirmRequiresVerification(t *testing.T) {
	gw := newFakeGateway(&callLog{}, nil)
	gw.capture(GatewayPayment{TransactionID: "imp_1", MerchantRef: "att-1", Amount: 500, Status: "paid", Paid: true})
	ledger := NewInMemoryLedger(nil, gw)
	ctx := context.Background()

	if _, err := ledger.Verify(ctx, VerifyRequest{AttemptID: "missing"}); !errors.Is(err, ErrAttemptNotFound) {
		t.Fatalf("expected ErrAttemptNotFound, got %v", err)
	}
	_ = ledger.RecordAttempt(ctx, AttemptRecord{AttemptID: "att-1", Amount: 500})
	if _, err := ledger.Confirm(ctx, ConfirmRequest{AttemptID: "att-1"}); !errors.Is(err, ErrConfirmationFailed) {
		t.Fatalf("expected unverified confirm to fail, got %v", err)
	}

	res, err := ledger.Verify(ctx, VerifyRequest{AttemptID: "att-1", GatewayTransactionID: "imp_1", PaidAmount: 500})
	if err != nil || res.VerifiedAmount != 500 || res.GatewayRef != "imp_1" {
		t.Fatalf("unexpected verify: %+v %v", res, err)
	}
	first, err := ledger.Confirm(ctx, ConfirmRequest{AttemptID: "att-1", HoldIDs: []string{"h1"}})
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	second, err := ledger.Confirm(ctx, ConfirmRequest{AttemptID: "att-1", HoldIDs: []string{"h1"}})
	if err != nil || second.ConfirmationID != first.ConfirmationID {
		t.Fatalf("confirm must be idempotent: %+v %v", second, err)
	}
	if got, ok := ledger.Confirmation("att-1"); !ok || got.GatewayRef != "imp_1" {
		t.Fatalf("unexpected stored confirmation: %+v", got)
	}
}

func TestInMemoryLedger_VerifyTrustsGatewayRecordOverCallback(t *testing.T) {
	gw := newFakeGateway(&callLog{}, nil)
	gw.capture(GatewayPayment{TransactionID: "imp_small", MerchantRef: "att-1", Amount: 100, Status: "paid", Paid: true})
	gw.capture(GatewayPayment{TransactionID: "imp_other", MerchantRef: "att-9", Amount: 500, Status: "paid", Paid: true})
	gw.capture(GatewayPayment{TransactionID: "imp_ready", MerchantRef: "att-1", Amount: 500, Status: "ready"})
	gw.capture(GatewayPayment{TransactionID: "imp_ok", MerchantRef: "att-1", Amount: 500, Status: "paid", Paid: true})
	ledger := NewInMemoryLedger(nil, gw)
	ctx := context.Background()
	_ = ledger.RecordAttempt(ctx, AttemptRecord{AttemptID: "att-1", Amount: 500})
	_ = ledger.RecordAttempt(ctx, AttemptRecord{AttemptID: "att-2", Amount: 500})

	res, err := ledger.Verify(ctx, VerifyRequest{AttemptID: "att-1", GatewayTransactionID: "imp_small", PaidAmount: 500})
	if err != nil || res.VerifiedAmount != 100 {
		t.Fatalf("expected gateway amount 100 despite claimed 500, got %+v %v", res, err)
	}
	if _, err := ledger.Confirm(ctx, ConfirmRequest{AttemptID: "att-1"}); !errors.Is(err, ErrConfirmationFailed) {
		t.Fatalf("underpaid attempt must not confirm, got %v", err)
	}

	for name, tx := range map[string]string{
		"made up":       "imp_forged",
		"other attempt": "imp_other",
		"not captured":  "imp_ready",
	} {
		if _, err := ledger.Verify(ctx, VerifyRequest{AttemptID: "att-1", GatewayTransactionID: tx, PaidAmount: 500}); !errors.Is(err, ErrVerificationFailed) {
			t.Fatalf("%s: expected ErrVerificationFailed, got %v", name, err)
		}
	}

	if _, err := ledger.Verify(ctx, VerifyRequest{AttemptID: "att-1", GatewayTransactionID: "imp_ok", PaidAmount: 500}); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if _, err := ledger.Verify(ctx, VerifyRequest{AttemptID: "att-2", GatewayTransactionID: "imp_ok", PaidAmount: 500}); !errors.Is(err, ErrVerificationFailed) {
		t.Fatalf("one capture must not verify two attempts, got %v", err)
	}

	if _, err := NewInMemoryLedger(nil, nil).Verify(ctx, VerifyRequest{AttemptID: "att-1", GatewayTransactionID: "imp_ok"}); err == nil {
		t.Fatalf("expected verification to fail without a gateway lookup")
	}
}

func TestRegistry_SessionRequired(t *testing.T) {
	reg := NewRegistry(NewInMemoryReservationService(0), NewInMemoryLedger(nil, nil), newFakeGateway(&callLog{}, paid))

	for _, key := range []string{"", "   "} {
		if _, err := reg.ExecutePurchase(context.Background(), key, stayRequest()); !errors.Is(err, ErrSessionRequired) || !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("key %q: expected ErrSessionRequired, got %v", key, err)
		}
	}
}

func TestRegistry_EvictsIdleSessions(t *testing.T) {
	reservations := NewInMemoryReservationService(time.Minute)
	gw := newFakeGateway(&callLog{}, nil)
	reg := NewRegistry(reservations, NewInMemoryLedger(reservations, gw), gw)
	ctx := context.Background()

	done := make(chan Outcome, 1)
	go func() {
		outcome, _ := reg.ExecutePurchase(ctx, " sess-a ", stayRequest())
		done <- outcome
	}()
	session := <-gw.sessions

	if reg.Sessions() != 1 || reg.InFlight() != 1 {
		t.Fatalf("expected one busy session, got sessions=%d in_flight=%d", reg.Sessions(), reg.InFlight())
	}
	if _, err := reg.ExecutePurchase(ctx, "sess-a", stayRequest()); !errors.Is(err, ErrAttemptInFlight) {
		t.Fatalf("expected the same session to be single-flight, got %v", err)
	}
	if reg.Sessions() != 1 {
		t.Fatalf("rejected duplicate must not leave a second entry, got %d", reg.Sessions())
	}

	res := paid(session.payload)
	gw.capture(GatewayPayment{TransactionID: res.GatewayTransactionID, MerchantRef: res.MerchantRef, Amount: res.PaidAmount, Status: "paid", Paid: true})
	session.callback(res)
	if outcome := <-done; !outcome.Succeeded() {
		t.Fatalf("expected success, got %+v", outcome)
	}
	if reg.Sessions() != 0 || reg.InFlight() != 0 {
		t.Fatalf("expected idle session evicted, got sessions=%d in_flight=%d", reg.Sessions(), reg.InFlight())
	}

	for i := 0; i < 50; i++ {
		_, _ = reg.ExecutePurchase(ctx, fmt.Sprintf("anon-%d", i), PurchaseRequest{})
	}
	if reg.Sessions() != 0 {
		t.Fatalf("finished sessions must not accumulate, got %d", reg.Sessions())
	}
}
