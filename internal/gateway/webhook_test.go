package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"voyager/internal/checkout"
	"voyager/internal/httpclient"
)

type fakeGatewayServer struct {
	mu       sync.Mutex
	prepared []prepareRequest
	status   int
	health   string
	// payments are served by the lookup endpoint as raw JSON bodies.
	payments map[string]string
}

func (f *fakeGatewayServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"status": f.health})
	})
	mux.HandleFunc("/payments/prepare", func(w http.ResponseWriter, r *http.Request) {
		var req prepareRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.prepared = append(f.prepared, req)
		status := f.status
		f.mu.Unlock()
		if status != 0 {
			w.WriteHeader(status)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"code":0}`))
	})
	mux.HandleFunc("/payments/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		body, ok := f.payments[strings.TrimPrefix(r.URL.Path, "/payments/")]
		f.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(body))
	})
	return mux
}

func (f *fakeGatewayServer) calls() []prepareRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]prepareRequest(nil), f.prepared...)
}

func newTestGateway(t *testing.T, f *fakeGatewayServer) *WebhookGateway {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	return NewWebhookGateway(httpclient.New(srv.URL, nil), Config{MerchantID: "imp_123", NoticeURL: "https://shop.example/v1/gateway/webhook"}, zerolog.Nop())
}

func payload(ref string, method checkout.PaymentMethod) checkout.GatewayPayload {
	return checkout.GatewayPayload{
		MerchantRef: ref,
		Amount:      120000,
		Method:      method,
		OrderName:   "Ocean view, 2 nights",
		Buyer:       checkout.Buyer{Name: "Kim", Phone: "010", Email: "kim@example.com"},
	}
}

func TestWebhookGateway_DeliversCallbackOnce(t *testing.T) {
	f := &fakeGatewayServer{health: "ok"}
	gw := newTestGateway(t, f)
	ctx := context.Background()

	if err := gw.Ready(ctx); err != nil {
		t.Fatalf("ready: %v", err)
	}

	var calls []checkout.GatewayResult
	if err := gw.RequestPayment(ctx, payload("att-1", checkout.MethodKakaoPay), func(r checkout.GatewayResult) {
		calls = append(calls, r)
	}); err != nil {
		t.Fatalf("request payment: %v", err)
	}
	prepared := f.calls()
	if len(prepared) != 1 || prepared[0].PG != "kakaopay" || prepared[0].MerchantUID != "att-1" || prepared[0].Amount != 120000 {
		t.Fatalf("unexpected prepare calls: %+v", prepared)
	}

	body := map[string]any{"imp_uid": "imp_777", "merchant_uid": "att-1", "paid_amount": float64(120000), "status": "paid"}
	res, err := gw.HandleCallback(ctx, body)
	if err != nil {
		t.Fatalf("handle callback: %v", err)
	}
	if !res.Success || res.GatewayTransactionID != "imp_777" || res.PaidAmount != 120000 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if _, err := gw.HandleCallback(ctx, body); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("expected duplicate to be rejected, got %v", err)
	}
	if len(calls) != 1 {
		t.Fatalf("expected exactly one callback, got %d", len(calls))
	}
	if gw.Pending() != 0 {
		t.Fatalf("expected no pending sessions")
	}
}

func TestWebhookGateway_PrepareFailureDropsSession(t *testing.T) {
	f := &fakeGatewayServer{status: http.StatusBadGateway}
	gw := newTestGateway(t, f)

	err := gw.RequestPayment(context.Background(), payload("att-1", checkout.MethodCard), func(checkout.GatewayResult) {
		t.Errorf("callback must not fire")
	})
	if !errors.Is(err, checkout.ErrGatewayUnavailable) {
		t.Fatalf("expected ErrGatewayUnavailable, got %v", err)
	}
	if httpclient.StatusCode(err) != http.StatusBadGateway {
		t.Fatalf("expected wrapped status error, got %v", err)
	}
	if gw.Pending() != 0 {
		t.Fatalf("failed prepare must not leave a session")
	}
}

func TestWebhookGateway_RejectsUnsupportedMethodBeforeOpening(t *testing.T) {
	f := &fakeGatewayServer{}
	gw := newTestGateway(t, f)

	err := gw.RequestPayment(context.Background(), payload("att-1", "BITCOIN"), func(checkout.GatewayResult) {})
	if !errors.Is(err, checkout.ErrUnsupportedMethod) {
		t.Fatalf("expected ErrUnsupportedMethod, got %v", err)
	}
	if len(f.calls()) != 0 {
		t.Fatalf("no session may be opened")
	}
}

func TestWebhookGateway_ReadyReportsDegradedGateway(t *testing.T) {
	gw := newTestGateway(t, &fakeGatewayServer{health: "maintenance"})
	if err := gw.Ready(context.Background()); !errors.Is(err, checkout.ErrGatewayUnavailable) {
		t.Fatalf("expected ErrGatewayUnavailable, got %v", err)
	}
}

func TestWebhookGateway_ExpiresStaleSessions(t *testing.T) {
	gw := newTestGateway(t, &fakeGatewayServer{})
	now := time.Date(2024, 7, 1, 9, 0, 0, 0, time.UTC)
	gw.now = func() time.Time { return now }
	gw.sessionTTL = time.Minute
	ctx := context.Background()

	_ = gw.RequestPayment(ctx, payload("att-old", checkout.MethodCard), func(checkout.GatewayResult) {})
	now = now.Add(2 * time.Minute)
	_ = gw.RequestPayment(ctx, payload("att-new", checkout.MethodCard), func(checkout.GatewayResult) {})

	if gw.Pending() != 1 {
		t.Fatalf("expected stale session dropped, got %d pending", gw.Pending())
	}
	if _, err := gw.HandleCallback(ctx, map[string]any{"merchant_uid": "att-old", "status": "failed"}); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("expected expired session unknown, got %v", err)
	}
}

func TestNormalize_Dialects(t *testing.T) {
	cases := map[string]struct {
		raw  map[string]any
		want checkout.GatewayResult
	}{
		"imp paid": {
			raw:  map[string]any{"imp_uid": "imp_1", "merchant_uid": "att-1", "paid_amount": float64(5000), "status": "paid"},
			want: checkout.GatewayResult{MerchantRef: "att-1", Success: true, GatewayTransactionID: "imp_1", PaidAmount: 5000},
		},
		"imp cancelled": {
			raw:  map[string]any{"merchant_uid": "att-1", "status": "failed", "error_msg": "user_cancel"},
			want: checkout.GatewayResult{MerchantRef: "att-1", Reason: "user_cancel"},
		},
		"tx success with string amount": {
			raw:  map[string]any{"tx_id": "tx_9", "order_id": "att-2", "amount": "100000", "result": "SUCCESS"},
			want: checkout.GatewayResult{MerchantRef: "att-2", Success: true, GatewayTransactionID: "tx_9", PaidAmount: 100000},
		},
		"tx failure": {
			raw:  map[string]any{"order_id": "att-3", "result": "FAIL", "message": "limit exceeded"},
			want: checkout.GatewayResult{MerchantRef: "att-3", Reason: "limit exceeded"},
		},
		"explicit success flag": {
			raw:  map[string]any{"imp_uid": "imp_2", "merchant_uid": "att-4", "paid_amount": json.Number("700"), "success": true},
			want: checkout.GatewayResult{MerchantRef: "att-4", Success: true, GatewayTransactionID: "imp_2", PaidAmount: 700},
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			got, err := Normalize(tc.raw)
			if err != nil {
				t.Fatalf("normalize: %v", err)
			}
			if got != tc.want {
				t.Fatalf("expected %+v, got %+v", tc.want, got)
			}
		})
	}
}

func TestNormalize_Malformed(t *testing.T) {
	for name, raw := range map[string]map[string]any{
		"no reference":       {"imp_uid": "imp_1", "status": "paid"},
		"paid without tx id": {"merchant_uid": "att-1", "status": "paid"},
		"bad amount":         {"merchant_uid": "att-1", "amount": "12,000"},
		"fractional amount":  {"merchant_uid": "att-1", "amount": 1200.5},
		"huge amount":        {"merchant_uid": "att-1", "amount": 1e19},
		"inexact amount":     {"merchant_uid": "att-1", "amount": float64(1 << 60)},
		"number overflow":    {"merchant_uid": "att-1", "amount": json.Number("9223372036854775808")},
		"fractional number":  {"merchant_uid": "att-1", "amount": json.Number("10.5")},
	} {
		if _, err := Normalize(raw); !errors.Is(err, ErrMalformedCallback) {
			t.Fatalf("%s: expected ErrMalformedCallback, got %v", name, err)
		}
	}
}

func TestWebhookGateway_LookupPayment(t *testing.T) {
	f := &fakeGatewayServer{payments: map[string]string{
		"imp_1":   `{"imp_uid":"imp_1","merchant_uid":"att-1","amount":120000,"status":"paid"}`,
		"tx_2":    `{"code":0,"response":{"tx_id":"tx_2","order_id":"att-2","paid_amount":"5000","result":"READY"}}`,
		"imp_bad": `{"imp_uid":"imp_bad","merchant_uid":"att-3","amount":10.5,"status":"paid"}`,
	}}
	gw := newTestGateway(t, f)
	ctx := context.Background()

	p, err := gw.LookupPayment(ctx, "imp_1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	want := checkout.GatewayPayment{TransactionID: "imp_1", MerchantRef: "att-1", Amount: 120000, Status: "paid", Paid: true}
	if p != want {
		t.Fatalf("expected %+v, got %+v", want, p)
	}

	p, err = gw.LookupPayment(ctx, "tx_2")
	if err != nil || p.Paid || p.MerchantRef != "att-2" || p.Amount != 5000 || p.Status != "ready" {
		t.Fatalf("unexpected wrapped record %+v %v", p, err)
	}

	for _, id := range []string{"imp_missing", "imp_bad"} {
		if _, err := gw.LookupPayment(ctx, id); !errors.Is(err, checkout.ErrVerificationFailed) {
			t.Fatalf("%s: expected ErrVerificationFailed, got %v", id, err)
		}
	}
}

func TestWebhookGateway_LookupTransportErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)
	gw := NewWebhookGateway(httpclient.New(srv.URL, nil), Config{}, zerolog.Nop())

	_, err := gw.LookupPayment(context.Background(), "imp_1")
	if err == nil || checkout.IsRejection(err) {
		t.Fatalf("expected a retryable lookup error, got %v", err)
	}
}

func TestWebhookGateway_CancelPaymentDropsSession(t *testing.T) {
	gw := newTestGateway(t, &fakeGatewayServer{})
	ctx := context.Background()

	_ = gw.RequestPayment(ctx, payload("att-1", checkout.MethodCard), func(checkout.GatewayResult) {
		t.Errorf("cancelled session must not deliver")
	})
	gw.CancelPayment("att-1")
	gw.CancelPayment("att-unknown")

	if gw.Pending() != 0 {
		t.Fatalf("expected no pending sessions, got %d", gw.Pending())
	}
	body := map[string]any{"imp_uid": "imp_1", "merchant_uid": "att-1", "paid_amount": float64(120000), "status": "paid"}
	if _, err := gw.HandleCallback(ctx, body); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("expected late callback unknown, got %v", err)
	}
}

func TestSignature(t *testing.T) {
	body := []byte(`{"imp_uid":"imp_1"}`)
	sig := Sign("whsec", body)

	if !VerifySignature("whsec", body, sig) || !VerifySignature("whsec", body, "sha256="+sig) {
		t.Fatalf("expected signature to verify")
	}
	for name, c := range map[string]struct {
		secret string
		body   []byte
		sig    string
	}{
		"wrong secret": {"other", body, sig},
		"changed body": {"whsec", []byte(`{"imp_uid":"imp_2"}`), sig},
		"empty":        {"whsec", body, ""},
		"not hex":      {"whsec", body, "xyz"},
	} {
		if VerifySignature(c.secret, c.body, c.sig) {
			t.Fatalf("%s: expected signature rejected", name)
		}
	}
}
