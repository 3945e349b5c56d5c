// Package rest holds HTTP clients for the reservation and payment-ledger
// backends.
package rest

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"voyager/internal/checkout"
	"voyager/internal/httpclient"
)

// ReservationClient talks to the reservation backend. The backend holds one
// item per call, so a failed batch is rolled back here.
type ReservationClient struct {
	client *httpclient.Client
	logger zerolog.Logger
}

// NewReservationClient constructs a client over the given HTTP client.
func NewReservationClient(client *httpclient.Client, logger zerolog.Logger) *ReservationClient {
	return &ReservationClient{client: client, logger: logger}
}

type holdRequest struct {
	Kind       checkout.ReservationKind `json:"reservation_kind"`
	ItemRef    string                   `json:"item_ref"`
	UnitAmount int64                    `json:"unit_amount"`
}

type holdResponse struct {
	HoldID    string              `json:"hold_id"`
	ItemRef   string              `json:"item_ref"`
	ExpiresAt time.Time           `json:"expires_at"`
	Status    checkout.HoldStatus `json:"status"`
}

type holdIDsRequest struct {
	HoldIDs []string `json:"hold_ids"`
}

func (c *ReservationClient) CreateHolds(ctx context.Context, kind checkout.ReservationKind, items []checkout.LineItem) ([]checkout.ReservationHold, error) {
	holds := make([]checkout.ReservationHold, 0, len(items))
	for _, item := range items {
		var resp holdResponse
		err := c.client.PostJSON(ctx, "/holds", holdRequest{Kind: kind, ItemRef: item.ItemRef, UnitAmount: item.UnitAmount}, &resp)
		if err != nil {
			c.rollback(ctx, holds)
			if code := httpclient.StatusCode(err); code == http.StatusConflict || code == http.StatusGone {
				return nil, errors.Wrapf(checkout.ErrInventoryUnavailable, "item %s", item.ItemRef)
			}
			return nil, errors.Wrapf(err, "hold item %s", item.ItemRef)
		}
		status := resp.Status
		if status == "" {
			status = checkout.HoldPending
		}
		holds = append(holds, checkout.ReservationHold{
			HoldID:    resp.HoldID,
			ItemRef:   item.ItemRef,
			ExpiresAt: resp.ExpiresAt,
			Status:    status,
		})
	}
	return holds, nil
}

// rollback releases holds from a partially created batch.
func (c *ReservationClient) rollback(ctx context.Context, holds []checkout.ReservationHold) {
	if len(holds) == 0 {
		return
	}
	ids := make([]string, 0, len(holds))
	for _, h := range holds {
		ids = append(ids, h.HoldID)
	}
	if err := c.Release(context.WithoutCancel(ctx), ids); err != nil {
		c.logger.Error().Err(err).Strs("hold_ids", ids).Msg("partial hold batch rollback failed")
	}
}

// Release frees holds. Holds the backend no longer knows are treated as released.
func (c *ReservationClient) Release(ctx context.Context, holdIDs []string) error {
	err := c.client.PostJSON(ctx, "/holds/release", holdIDsRequest{HoldIDs: holdIDs}, nil)
	if httpclient.StatusCode(err) == http.StatusNotFound {
		return nil
	}
	return errors.Wrap(err, "release holds")
}

// ConfirmHolds marks holds CONFIRMED on the backend.
func (c *ReservationClient) ConfirmHolds(ctx context.Context, holdIDs []string) error {
	err := c.client.PostJSON(ctx, "/holds/confirm", holdIDsRequest{HoldIDs: holdIDs}, nil)
	switch httpclient.StatusCode(err) {
	case 0:
		return errors.Wrap(err, "confirm holds")
	case http.StatusConflict, http.StatusGone, http.StatusNotFound:
		return errors.Wrapf(checkout.ErrConfirmationFailed, "holds %v", holdIDs)
	default:
		return errors.Wrap(err, "confirm holds")
	}
}

// Hold fetches a single hold.
func (c *ReservationClient) Hold(ctx context.Context, holdID string) (checkout.ReservationHold, error) {
	var resp holdResponse
	if err := c.client.GetJSON(ctx, "/holds/"+url.PathEscape(holdID), &resp); err != nil {
		return checkout.ReservationHold{}, errors.Wrapf(err, "get hold %s", holdID)
	}
	return checkout.ReservationHold{HoldID: resp.HoldID, ItemRef: resp.ItemRef, ExpiresAt: resp.ExpiresAt, Status: resp.Status}, nil
}
