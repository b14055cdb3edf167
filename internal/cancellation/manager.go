// Package cancellation holds the rider's cancellation reasons, the fee shown
// before confirming, and the cancel request itself. Cancellation is never
// applied optimistically: canonical state only changes once the server
// confirms.
package cancellation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/example/ride-sync/internal/lifecycle"
	"github.com/example/ride-sync/internal/logging"
	"github.com/example/ride-sync/internal/models"
	"github.com/example/ride-sync/internal/observability"
	"github.com/example/ride-sync/internal/tracker"
)

var ErrCancelFailed = errors.New("cancel request failed")

type Canceller interface {
	CancelRide(ctx context.Context, rideID string, p models.CancelPayload) (models.RideSnapshot, error)
}

type Ride interface {
	Snapshot() models.RideSnapshot
	Submit(ctx context.Context, req models.TransitionRequest) (tracker.Result, error)
}

type Quote struct {
	Reason   Reason  `json:"reason"`
	Fee      float64 `json:"fee"`
	Currency string  `json:"currency"`
}

type Manager struct {
	API      Canceller
	Fee      float64
	Currency string
	Logger   *slog.Logger
}

func NewManager(api Canceller, fee float64, currency string, logger *slog.Logger) *Manager {
	return &Manager{API: api, Fee: fee, Currency: currency, Logger: logger}
}

// Quote shows the flat platform fee for a valid selection.
func (m *Manager) Quote(sel Selection) (Quote, error) {
	r, err := sel.Resolve()
	if err != nil {
		return Quote{}, err
	}
	return Quote{Reason: r, Fee: m.Fee, Currency: m.Currency}, nil
}

// Cancel asks the server to cancel ride and applies the confirmed snapshot
// through the coordinator, which tears itself down on the terminal state.
// On any failure the ride is left exactly as it was.
func (m *Manager) Cancel(ctx context.Context, ride Ride, sel Selection) (tracker.Result, error) {
	logger := logging.OrDefault(m.Logger)
	cur := ride.Snapshot()

	r, err := sel.Resolve()
	if err != nil {
		return tracker.Result{Snapshot: cur}, err
	}
	if cur.Status.Terminal() {
		return tracker.Result{Snapshot: cur}, fmt.Errorf("%w: %s", lifecycle.ErrTerminal, cur.Status)
	}

	payload := models.CancelPayload{
		Category: string(r.Category),
		Reason:   r.Label,
		FreeText: strings.TrimSpace(sel.FreeText),
	}
	snap, err := m.API.CancelRide(ctx, cur.ID, payload)
	if err != nil {
		observability.CancellationsTotal.WithLabelValues(string(r.Category), "failed").Inc()
		logger.Warn("cancel_failed", "ride_id", cur.ID, "category", r.Category, "error", err)
		return tracker.Result{Snapshot: cur}, fmt.Errorf("%w: %w", ErrCancelFailed, err)
	}

	if snap.ID == "" {
		snap.ID = cur.ID
	}
	if snap.Status == "" {
		snap.Status = models.StatusCancelled
	}
	snap = snap.After(cur)
	if snap.CancelReason == "" {
		snap.CancelReason = payloadText(payload)
	}

	res, err := ride.Submit(ctx, models.TransitionRequest{Snapshot: snap, Source: models.SourceUserAction, Cancel: &payload})
	if errors.Is(err, tracker.ErrStale) || errors.Is(err, tracker.ErrStopped) {
		// the server's cancellation reached us over poll or push first
		if now := ride.Snapshot(); now.Status == models.StatusCancelled {
			res, err = tracker.Result{Snapshot: now}, nil
		}
	}
	if err != nil {
		observability.CancellationsTotal.WithLabelValues(string(r.Category), "rejected").Inc()
		logger.Warn("cancel_not_applied", "ride_id", cur.ID, "server_status", snap.Status, "error", err)
		return res, err
	}
	observability.CancellationsTotal.WithLabelValues(string(r.Category), "ok").Inc()
	logger.Info("ride_cancelled", "ride_id", cur.ID, "category", r.Category, "reason", r.Label, "fee_bucket", r.Bucket)
	return res, nil
}

func payloadText(p models.CancelPayload) string {
	if p.FreeText != "" {
		return p.Reason + ": " + p.FreeText
	}
	return p.Reason
}
