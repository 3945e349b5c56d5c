// Package httpapi is the UI-facing HTTP surface: purchases, progress
// streaming, and the payment gateway webhook.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"voyager/internal/checkout"
	checkoutdb "voyager/internal/db/checkout"
	"voyager/internal/gateway"
)

// SessionHeader identifies the buyer's checkout session.
const SessionHeader = "X-Checkout-Session"

// maxWebhookBody caps the gateway callback body.
const maxWebhookBody = 64 << 10

var errNoSession = echo.Map{"error": checkout.ErrSessionRequired.Error()}

// Purchaser runs purchases scoped to a checkout session.
type Purchaser interface {
	ExecutePurchase(ctx context.Context, sessionKey string, req checkout.PurchaseRequest) (checkout.Outcome, error)
}

type StateReader interface {
	Current(sessionKey string) (checkout.TransactionState, bool)
}

type CallbackHandler interface {
	HandleCallback(ctx context.Context, raw map[string]any) (checkout.GatewayResult, error)
}

type ProgressStreamer interface {
	Serve(ctx context.Context, w http.ResponseWriter, r *http.Request, session string) error
}

type StepReader interface {
	Steps(ctx context.Context, attemptID string) ([]checkoutdb.StepEntry, error)
}

// Handler holds the collaborators behind the routes. Optional fields may be
// nil; their routes then answer 404.
type Handler struct {
	Purchases Purchaser
	States    StateReader
	Callbacks CallbackHandler
	Progress  ProgressStreamer
	Steps     StepReader
	Metrics   http.Handler
	// WebhookSecret, when set, requires callbacks to carry a valid
	// gateway.SignatureHeader.
	WebhookSecret string
	Logger        zerolog.Logger
}

// New builds the echo server with every route registered.
func New(h *Handler) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	Register(e, h)
	return e
}

func Register(e *echo.Echo, h *Handler) {
	e.GET("/healthz", h.health)
	if h.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(h.Metrics))
	}

	g := e.Group("/v1")
	g.POST("/purchases", h.purchase)
	g.GET("/purchases/current", h.current)
	g.GET("/purchases/progress", h.progress)
	g.GET("/purchases/:attempt_id/steps", h.steps)
	g.POST("/gateway/webhook", h.webhook)
}

func (h *Handler) health(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{"status": "ok"})
}

func session(c echo.Context) string {
	if s := strings.TrimSpace(c.Request().Header.Get(SessionHeader)); s != "" {
		return s
	}
	// Browsers cannot set headers on WebSocket upgrades.
	if s := strings.TrimSpace(c.QueryParam("session")); s != "" {
		return s
	}
	return ""
}

func (h *Handler) purchase(c echo.Context) error {
	var req checkout.PurchaseRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	key := session(c)
	out, err := h.Purchases.ExecutePurchase(c.Request().Context(), key, req)
	switch {
	case errors.Is(err, checkout.ErrInvalidRequest):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	case errors.Is(err, checkout.ErrAttemptInFlight):
		return c.JSON(http.StatusConflict, echo.Map{"error": err.Error()})
	case err != nil:
		h.Logger.Error().Err(err).Str("session", key).Msg("purchase failed")
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
	}
	if out.Succeeded() {
		return c.JSON(http.StatusCreated, out)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) current(c echo.Context) error {
	if h.States == nil {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "no purchase in progress"})
	}
	key := session(c)
	if key == "" {
		return c.JSON(http.StatusBadRequest, errNoSession)
	}
	state, ok := h.States.Current(key)
	if !ok {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "no purchase in progress"})
	}
	return c.JSON(http.StatusOK, state)
}

func (h *Handler) progress(c echo.Context) error {
	if h.Progress == nil {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "progress streaming disabled"})
	}
	key := session(c)
	if key == "" {
		return c.JSON(http.StatusBadRequest, errNoSession)
	}
	if err := h.Progress.Serve(c.Request().Context(), c.Response(), c.Request(), key); err != nil {
		h.Logger.Debug().Err(err).Msg("progress stream ended")
	}
	return nil
}

func (h *Handler) steps(c echo.Context) error {
	if h.Steps == nil {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "attempt journal disabled"})
	}
	steps, err := h.Steps.Steps(c.Request().Context(), c.Param("attempt_id"))
	if err != nil {
		h.Logger.Error().Err(err).Str("attempt_id", c.Param("attempt_id")).Msg("read attempt steps")
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
	}
	if len(steps) == 0 {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "attempt not found"})
	}
	return c.JSON(http.StatusOK, echo.Map{"attempt_id": c.Param("attempt_id"), "steps": steps})
}

// webhook accepts the gateway's result as JSON or a form post. Duplicate and
// unknown callbacks are acknowledged so the gateway stops retrying.
func (h *Handler) webhook(c echo.Context) error {
	if h.Callbacks == nil {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "gateway webhook disabled"})
	}
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody+1))
	if err != nil || len(body) > maxWebhookBody {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid callback body"})
	}
	if h.WebhookSecret != "" && !gateway.VerifySignature(h.WebhookSecret, body, c.Request().Header.Get(gateway.SignatureHeader)) {
		h.Logger.Warn().Str("remote_ip", c.RealIP()).Msg("rejecting unsigned gateway callback")
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid callback signature"})
	}
	raw, err := callbackBody(c.Request().Header.Get(echo.HeaderContentType), body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid callback body"})
	}
	res, err := h.Callbacks.HandleCallback(c.Request().Context(), raw)
	switch {
	case errors.Is(err, gateway.ErrMalformedCallback):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	case errors.Is(err, gateway.ErrUnknownSession):
		return c.JSON(http.StatusOK, echo.Map{"status": "ignored", "merchant_uid": res.MerchantRef})
	case err != nil:
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
	}
	return c.JSON(http.StatusOK, echo.Map{"status": "accepted", "merchant_uid": res.MerchantRef})
}

func callbackBody(contentType string, body []byte) (map[string]any, error) {
	if strings.HasPrefix(contentType, echo.MIMEApplicationForm) {
		values, err := url.ParseQuery(string(body))
		if err != nil {
			return nil, err
		}
		raw := make(map[string]any, len(values))
		for k := range values {
			raw[k] = values.Get(k)
		}
		return raw, nil
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	raw := map[string]any{}
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	return raw, nil
}
