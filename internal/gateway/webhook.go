// Package gateway adapts a callback-based payment gateway to checkout.GatewayClient.
//
// Sessions are opened with an HTTP prepare call. The gateway later reports the
// result to our webhook, which is routed to HandleCallback and from there to the
// callback registered for the merchant reference.
package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"voyager/internal/checkout"
	"voyager/internal/httpclient"
)

// maxExactAmount bounds float amounts to integers a float64 holds exactly.
const maxExactAmount = 1 << 53

// ErrUnknownSession is returned for callbacks that match no open session:
// duplicates, late deliveries, or forged references.
var (
	ErrUnknownSession    = errors.New("no pending payment session for merchant reference")
	ErrMalformedCallback = errors.New("malformed gateway callback")
)

// Channel is the gateway's identifier pair for a payment method.
type Channel struct {
	PG        string
	PayMethod string
}

var channels = map[checkout.PaymentMethod]Channel{
	checkout.MethodCard:           {PG: "html5_inicis", PayMethod: "card"},
	checkout.MethodBankTransfer:   {PG: "html5_inicis", PayMethod: "trans"},
	checkout.MethodVirtualAccount: {PG: "html5_inicis", PayMethod: "vbank"},
	checkout.MethodMobile:         {PG: "danal", PayMethod: "phone"},
	checkout.MethodKakaoPay:       {PG: "kakaopay", PayMethod: "card"},
	checkout.MethodNaverPay:       {PG: "naverpay", PayMethod: "card"},
	checkout.MethodTossPay:        {PG: "tosspay", PayMethod: "card"},
}

// ChannelFor maps a payment method to the gateway channel.
func ChannelFor(method checkout.PaymentMethod) (Channel, error) {
	ch, ok := channels[method]
	if !ok {
		return Channel{}, fmt.Errorf("%w: %q", checkout.ErrUnsupportedMethod, method)
	}
	return ch, nil
}

type pendingSession struct {
	callback func(checkout.GatewayResult)
	openedAt time.Time
}

// WebhookGateway opens sessions over HTTP and receives results via webhook.
type WebhookGateway struct {
	client     *httpclient.Client
	merchantID string
	noticeURL  string
	sessionTTL time.Duration
	logger     zerolog.Logger
	now        func() time.Time

	mu      sync.Mutex
	pending map[string]pendingSession
}

// Config describes the gateway account.
type Config struct {
	MerchantID string
	// NoticeURL is where the gateway posts results; it must reach our webhook route.
	NoticeURL string
	// SessionTTL drops sessions that never received a callback.
	SessionTTL time.Duration
}

// NewWebhookGateway constructs a gateway over client.
func NewWebhookGateway(client *httpclient.Client, cfg Config, logger zerolog.Logger) *WebhookGateway {
	ttl := cfg.SessionTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &WebhookGateway{
		client:     client,
		merchantID: cfg.MerchantID,
		noticeURL:  cfg.NoticeURL,
		sessionTTL: ttl,
		logger:     logger,
		now:        time.Now,
		pending:    make(map[string]pendingSession),
	}
}

// Ready performs the gateway handshake.
func (g *WebhookGateway) Ready(ctx context.Context) error {
	var status struct {
		Status string `json:"status"`
	}
	if err := g.client.GetJSON(ctx, "/health", &status); err != nil {
		return fmt.Errorf("%w: %w", checkout.ErrGatewayUnavailable, err)
	}
	if status.Status != "" && !strings.EqualFold(status.Status, "ok") {
		return fmt.Errorf("%w: status %q", checkout.ErrGatewayUnavailable, status.Status)
	}
	return nil
}

type prepareRequest struct {
	MerchantID  string `json:"merchant_id"`
	MerchantUID string `json:"merchant_uid"`
	Amount      int64  `json:"amount"`
	PG          string `json:"pg"`
	PayMethod   string `json:"pay_method"`
	Name        string `json:"name"`
	BuyerName   string `json:"buyer_name"`
	BuyerTel    string `json:"buyer_tel"`
	BuyerEmail  string `json:"buyer_email"`
	NoticeURL   string `json:"notice_url,omitempty"`
}

// RequestPayment registers callback and opens the session. The callback is
// registered first because the result may arrive before the prepare call
// returns.
func (g *WebhookGateway) RequestPayment(ctx context.Context, payload checkout.GatewayPayload, callback func(checkout.GatewayResult)) error {
	ch, err := ChannelFor(payload.Method)
	if err != nil {
		return err
	}

	g.mu.Lock()
	g.expireLocked()
	if _, exists := g.pending[payload.MerchantRef]; exists {
		g.mu.Unlock()
		return fmt.Errorf("%w: session %s already open", checkout.ErrGatewayUnavailable, payload.MerchantRef)
	}
	g.pending[payload.MerchantRef] = pendingSession{callback: callback, openedAt: g.now()}
	g.mu.Unlock()

	req := prepareRequest{
		MerchantID:  g.merchantID,
		MerchantUID: payload.MerchantRef,
		Amount:      payload.Amount,
		PG:          ch.PG,
		PayMethod:   ch.PayMethod,
		Name:        payload.OrderName,
		BuyerName:   payload.Buyer.Name,
		BuyerTel:    payload.Buyer.Phone,
		BuyerEmail:  payload.Buyer.Email,
		NoticeURL:   g.noticeURL,
	}
	if err := g.client.PostJSON(ctx, "/payments/prepare", req, nil); err != nil {
		g.mu.Lock()
		delete(g.pending, payload.MerchantRef)
		g.mu.Unlock()
		return fmt.Errorf("%w: %w", checkout.ErrGatewayUnavailable, err)
	}
	g.logger.Debug().Str("merchant_ref", payload.MerchantRef).Str("pg", ch.PG).Msg("payment session opened")
	return nil
}

// HandleCallback normalizes a raw webhook body and delivers it to the session's
// callback. Each session is delivered at most once.
func (g *WebhookGateway) HandleCallback(ctx context.Context, raw map[string]any) (checkout.GatewayResult, error) {
	res, err := Normalize(raw)
	if err != nil {
		return res, err
	}

	g.mu.Lock()
	session, ok := g.pending[res.MerchantRef]
	delete(g.pending, res.MerchantRef)
	g.mu.Unlock()

	if !ok {
		ev := g.logger.Warn()
		if res.Success {
			// A capture nobody is waiting for needs reconciliation.
			ev = g.logger.Error()
		}
		ev.Str("merchant_ref", res.MerchantRef).Str("gateway_ref", res.GatewayTransactionID).
			Bool("success", res.Success).Msg("ignoring callback without pending session")
		return res, ErrUnknownSession
	}
	session.callback(res)
	return res, nil
}

// CancelPayment forgets the session for merchantRef. A callback that arrives
// afterwards is reported as ErrUnknownSession.
func (g *WebhookGateway) CancelPayment(merchantRef string) {
	g.mu.Lock()
	_, ok := g.pending[merchantRef]
	delete(g.pending, merchantRef)
	g.mu.Unlock()
	if ok {
		g.logger.Info().Str("merchant_ref", merchantRef).Msg("payment session cancelled")
	}
}

// LookupPayment reads the gateway's own record of a transaction
// (GET /payments/{id}). It never consults callback data.
func (g *WebhookGateway) LookupPayment(ctx context.Context, transactionID string) (checkout.GatewayPayment, error) {
	raw := map[string]any{}
	if err := g.client.GetJSON(ctx, "/payments/"+url.PathEscape(transactionID), &raw); err != nil {
		if httpclient.StatusCode(err) == http.StatusNotFound {
			return checkout.GatewayPayment{}, fmt.Errorf("%w: gateway has no transaction %s", checkout.ErrVerificationFailed, transactionID)
		}
		return checkout.GatewayPayment{}, fmt.Errorf("lookup payment %s: %w", transactionID, err)
	}
	if inner, ok := raw["response"].(map[string]any); ok {
		raw = inner
	}
	amount, err := firstAmount(raw, "amount", "paid_amount")
	if err != nil {
		return checkout.GatewayPayment{}, fmt.Errorf("%w: gateway record for %s: %w", checkout.ErrVerificationFailed, transactionID, err)
	}
	status := strings.ToLower(firstString(raw, "status", "result"))
	return checkout.GatewayPayment{
		TransactionID: firstString(raw, "imp_uid", "tx_id"),
		MerchantRef:   firstString(raw, "merchant_uid", "order_id"),
		Amount:        amount,
		Status:        status,
		Paid:          status == "paid",
	}, nil
}

// Pending counts open sessions.
func (g *WebhookGateway) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

func (g *WebhookGateway) expireLocked() {
	cutoff := g.now().Add(-g.sessionTTL)
	for ref, s := range g.pending {
		if s.openedAt.Before(cutoff) {
			delete(g.pending, ref)
			g.logger.Warn().Str("merchant_ref", ref).Msg("payment session expired without callback")
		}
	}
}

// Normalize maps both webhook dialects onto GatewayResult:
//
//	imp_uid / merchant_uid / paid_amount / status / error_msg
//	tx_id / order_id / amount / result / message
func Normalize(raw map[string]any) (checkout.GatewayResult, error) {
	var res checkout.GatewayResult
	res.MerchantRef = firstString(raw, "merchant_uid", "order_id")
	if res.MerchantRef == "" {
		return res, fmt.Errorf("%w: no merchant reference", ErrMalformedCallback)
	}
	res.GatewayTransactionID = firstString(raw, "imp_uid", "tx_id")
	res.Reason = firstString(raw, "error_msg", "message")

	amount, err := firstAmount(raw, "paid_amount", "amount")
	if err != nil {
		return res, fmt.Errorf("%w: %w", ErrMalformedCallback, err)
	}
	res.PaidAmount = amount

	switch v := raw["success"].(type) {
	case bool:
		res.Success = v
	default:
		status := strings.ToLower(firstString(raw, "status", "result"))
		res.Success = status == "paid" || status == "success" || status == "ok"
	}
	if res.Success && res.GatewayTransactionID == "" {
		return res, fmt.Errorf("%w: successful callback has no transaction id", ErrMalformedCallback)
	}
	return res, nil
}

func firstString(raw map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := raw[k].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case fmt.Stringer:
			return v.String()
		}
	}
	return ""
}

func firstAmount(raw map[string]any, keys ...string) (int64, error) {
	for _, k := range keys {
		switch v := raw[k].(type) {
		case nil:
			continue
		case float64:
			if math.IsNaN(v) || math.IsInf(v, 0) || v != math.Trunc(v) {
				return 0, fmt.Errorf("%s: amount %v is not a whole number", k, v)
			}
			if v >= maxExactAmount || v <= -maxExactAmount {
				return 0, fmt.Errorf("%s: amount %v is out of range", k, v)
			}
			return int64(v), nil
		case int64:
			return v, nil
		case int:
			return int64(v), nil
		case json.Number:
			n, err := v.Int64()
			if err != nil {
				return 0, fmt.Errorf("%s: %w", k, err)
			}
			return n, nil
		case string:
			if strings.TrimSpace(v) == "" {
				continue
			}
			n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err != nil {
				return 0, fmt.Errorf("%s: %w", k, err)
			}
			return n, nil
		default:
			return 0, fmt.Errorf("%s: unsupported amount type %T", k, v)
		}
	}
	return 0, nil
}

// SignatureHeader carries the hex HMAC-SHA256 of the webhook body.
const SignatureHeader = "X-Gateway-Signature"

// Sign returns the signature the gateway sends for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature matches body under secret. An
// optional "sha256=" prefix is accepted.
func VerifySignature(secret string, body []byte, signature string) bool {
	got, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(signature), "sha256="))
	if err != nil || len(got) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}
