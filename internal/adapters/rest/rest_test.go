package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"voyager/internal/checkout"
	"voyager/internal/httpclient"
)

type inventoryServer struct {
	mu       sync.Mutex
	soldOut  map[string]bool
	released [][]string
}

func (s *inventoryServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/holds", func(w http.ResponseWriter, r *http.Request) {
		var req holdRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.soldOut[req.ItemRef] {
			http.Error(w, "sold out", http.StatusConflict)
			return
		}
		_ = json.NewEncoder(w).Encode(holdResponse{HoldID: "h-" + req.ItemRef, ItemRef: req.ItemRef})
	})
	mux.HandleFunc("/holds/release", func(w http.ResponseWriter, r *http.Request) {
		var req holdIDsRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		s.mu.Lock()
		s.released = append(s.released, req.HoldIDs)
		s.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/holds/confirm", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "expired", http.StatusGone)
	})
	return mux
}

func newReservationClient(t *testing.T, s *inventoryServer) *ReservationClient {
	t.Helper()
	srv := httptest.NewServer(s.handler())
	t.Cleanup(srv.Close)
	return NewReservationClient(httpclient.New(srv.URL, nil), zerolog.Nop())
}

func items(refs ...string) []checkout.LineItem {
	out := make([]checkout.LineItem, 0, len(refs))
	for _, ref := range refs {
		out = append(out, checkout.LineItem{ItemRef: ref, UnitAmount: 1000})
	}
	return out
}

func TestReservationClient_CreateHolds(t *testing.T) {
	s := &inventoryServer{}
	client := newReservationClient(t, s)

	holds, err := client.CreateHolds(context.Background(), checkout.KindFlight, items("seat-1", "seat-2"))
	if err != nil {
		t.Fatalf("create holds: %v", err)
	}
	if len(holds) != 2 || holds[0].HoldID != "h-seat-1" || holds[1].Status != checkout.HoldPending {
		t.Fatalf("unexpected holds %+v", holds)
	}
}

func TestReservationClient_RollsBackPartialBatch(t *testing.T) {
	s := &inventoryServer{soldOut: map[string]bool{"seat-3": true}}
	client := newReservationClient(t, s)

	_, err := client.CreateHolds(context.Background(), checkout.KindFlight, items("seat-1", "seat-2", "seat-3"))
	if !errors.Is(err, checkout.ErrInventoryUnavailable) {
		t.Fatalf("expected ErrInventoryUnavailable, got %v", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.released) != 1 || len(s.released[0]) != 2 || s.released[0][0] != "h-seat-1" || s.released[0][1] != "h-seat-2" {
		t.Fatalf("expected partial batch released, got %v", s.released)
	}
}

func TestReservationClient_FirstItemUnavailableReleasesNothing(t *testing.T) {
	s := &inventoryServer{soldOut: map[string]bool{"seat-1": true}}
	client := newReservationClient(t, s)

	if _, err := client.CreateHolds(context.Background(), checkout.KindFlight, items("seat-1")); !errors.Is(err, checkout.ErrInventoryUnavailable) {
		t.Fatalf("expected ErrInventoryUnavailable, got %v", err)
	}
	if len(s.released) != 0 {
		t.Fatalf("nothing to release, got %v", s.released)
	}
}

func TestReservationClient_ConfirmRejected(t *testing.T) {
	client := newReservationClient(t, &inventoryServer{})
	if err := client.ConfirmHolds(context.Background(), []string{"h-1"}); !errors.Is(err, checkout.ErrConfirmationFailed) {
		t.Fatalf("expected ErrConfirmationFailed, got %v", err)
	}
}

func TestReservationClient_ReleaseUnknownIsNoop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()
	client := NewReservationClient(httpclient.New(srv.URL, nil), zerolog.Nop())
	if err := client.Release(context.Background(), []string{"h-gone"}); err != nil {
		t.Fatalf("expected release of unknown holds to succeed, got %v", err)
	}
}

func TestLedgerClient_Flow(t *testing.T) {
	var recorded attemptRequest
	mux := http.NewServeMux()
	mux.HandleFunc("/payments/attempts", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&recorded)
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("/payments/attempts/att-1/verify", func(w http.ResponseWriter, r *http.Request) {
		var req verifyRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(checkout.VerificationResult{GatewayRef: req.GatewayTransactionID, VerifiedAmount: req.PaidAmount})
	})
	mux.HandleFunc("/payments/attempts/att-1/confirm", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(checkout.ConfirmationRecord{ConfirmationID: "conf-1", GatewayRef: "imp_1", Amount: 5000})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	client := NewLedgerClient(httpclient.New(srv.URL, nil))
	ctx := context.Background()

	if err := client.RecordAttempt(ctx, checkout.AttemptRecord{AttemptID: "att-1", Amount: 5000, Method: checkout.MethodCard, HoldIDs: []string{"h-1"}}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if recorded.AttemptID != "att-1" || recorded.Amount != 5000 || recorded.Method != checkout.MethodCard {
		t.Fatalf("unexpected record body %+v", recorded)
	}
	v, err := client.Verify(ctx, checkout.VerifyRequest{AttemptID: "att-1", GatewayTransactionID: "imp_1", PaidAmount: 5000, ExpectedAmount: 5000})
	if err != nil || v.GatewayRef != "imp_1" || v.VerifiedAmount != 5000 {
		t.Fatalf("verify: %+v %v", v, err)
	}
	conf, err := client.Confirm(ctx, checkout.ConfirmRequest{AttemptID: "att-1", HoldIDs: []string{"h-1"}, GatewayTransactionID: "imp_1"})
	if err != nil || conf.ConfirmationID != "conf-1" || conf.AttemptID != "att-1" {
		t.Fatalf("confirm: %+v %v", conf, err)
	}
}

func TestLedgerClient_MapsRejections(t *testing.T) {
	cases := []struct {
		name   string
		status int
		call   func(*LedgerClient) error
		want   error
	}{
		{"record duplicate", http.StatusConflict, func(c *LedgerClient) error {
			return c.RecordAttempt(context.Background(), checkout.AttemptRecord{AttemptID: "att-1"})
		}, nil},
		{"verify unknown", http.StatusNotFound, func(c *LedgerClient) error {
			_, err := c.Verify(context.Background(), checkout.VerifyRequest{AttemptID: "att-1"})
			return err
		}, checkout.ErrAttemptNotFound},
		{"verify rejected", http.StatusUnprocessableEntity, func(c *LedgerClient) error {
			_, err := c.Verify(context.Background(), checkout.VerifyRequest{AttemptID: "att-1"})
			return err
		}, checkout.ErrVerificationFailed},
		{"confirm rejected", http.StatusConflict, func(c *LedgerClient) error {
			_, err := c.Confirm(context.Background(), checkout.ConfirmRequest{AttemptID: "att-1"})
			return err
		}, checkout.ErrConfirmationFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()
			err := tc.call(NewLedgerClient(httpclient.New(srv.URL, nil)))
			if tc.want == nil {
				if err != nil {
					t.Fatalf("expected nil, got %v", err)
				}
				return
			}
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if !checkout.IsRejection(err) {
				t.Fatalf("expected a rejection, got %v", err)
			}
		})
	}
}

func TestLedgerClient_ServerErrorStaysRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewLedgerClient(httpclient.New(srv.URL, nil)).Verify(context.Background(), checkout.VerifyRequest{AttemptID: "att-1"})
	if err == nil || checkout.IsRejection(err) {
		t.Fatalf("expected a transient error, got %v", err)
	}
	if httpclient.StatusCode(err) != http.StatusServiceUnavailable {
		t.Fatalf("expected status preserved, got %v", err)
	}
}
