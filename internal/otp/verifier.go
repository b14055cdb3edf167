// Package otp gates the trip-start transition behind the code the server
// issued when the ride was accepted. The server is the only verifier; this
// package validates input shape, submits it and feeds the server's answer
// back through the ride's coordinator.
package otp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/example/ride-sync/internal/backend"
	"github.com/example/ride-sync/internal/logging"
	"github.com/example/ride-sync/internal/models"
	"github.com/example/ride-sync/internal/observability"
	"github.com/example/ride-sync/internal/tracker"
)

const (
	MinDigits = 4
	MaxDigits = 6
)

var (
	ErrInvalidCode      = errors.New("otp must be 4 to 6 digits")
	ErrCodeRejected     = errors.New("otp did not match")
	ErrLockedOut        = errors.New("too many otp attempts")
	ErrNotAwaitingStart = errors.New("ride is not waiting for trip start")
	ErrUnexpectedStatus = errors.New("server did not start the ride")
)

// Starter is the server-side verification endpoint.
type Starter interface {
	StartRide(ctx context.Context, rideID, code string) (models.RideSnapshot, error)
}

// Ride is the part of a coordinator the verifier needs.
type Ride interface {
	Snapshot() models.RideSnapshot
	Submit(ctx context.Context, req models.TransitionRequest) (tracker.Result, error)
}

// AssembleCells joins per-cell input into a code. Every cell must hold
// exactly one digit.
func AssembleCells(cells []string) (string, error) {
	code := make([]byte, 0, len(cells))
	for _, c := range cells {
		if len(c) != 1 || c[0] < '0' || c[0] > '9' {
			return "", ErrInvalidCode
		}
		code = append(code, c[0])
	}
	if err := Validate(string(code)); err != nil {
		return "", err
	}
	return string(code), nil
}

// Validate checks shape only; whether the code matches is the server's call.
func Validate(code string) error {
	if len(code) < MinDigits || len(code) > MaxDigits {
		return ErrInvalidCode
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return ErrInvalidCode
		}
	}
	return nil
}

// Verifier submits trip-start codes. MaxAttempts of zero means retries are
// unlimited.
type Verifier struct {
	API         Starter
	MaxAttempts int
	Logger      *slog.Logger

	mu       sync.Mutex
	attempts map[string]int
}

func NewVerifier(api Starter, maxAttempts int, logger *slog.Logger) *Verifier {
	return &Verifier{API: api, MaxAttempts: maxAttempts, Logger: logger, attempts: make(map[string]int)}
}

// Submit sends code for ride and, on a match, applies the server's STARTED
// snapshot through the coordinator. A mismatch never changes ride state.
func (v *Verifier) Submit(ctx context.Context, ride Ride, code string) (tracker.Result, error) {
	logger := logging.OrDefault(v.Logger)
	cur := ride.Snapshot()

	if err := Validate(code); err != nil {
		observability.OTPSubmissions.WithLabelValues("invalid").Inc()
		return tracker.Result{Snapshot: cur}, err
	}
	if cur.Status != models.StatusAccepted && cur.Status != models.StatusArriving {
		return tracker.Result{Snapshot: cur}, fmt.Errorf("%w: ride is %s", ErrNotAwaitingStart, cur.Status)
	}
	if v.lockedOut(cur.ID) {
		observability.OTPSubmissions.WithLabelValues("locked").Inc()
		return tracker.Result{Snapshot: cur}, ErrLockedOut
	}

	snap, err := v.API.StartRide(ctx, cur.ID, code)
	if errors.Is(err, backend.ErrOTPRejected) {
		n := v.fail(cur.ID)
		observability.OTPSubmissions.WithLabelValues("rejected").Inc()
		logger.Info("otp_rejected", "ride_id", cur.ID, "attempt", n)
		return tracker.Result{Snapshot: cur}, fmt.Errorf("%w: %w", ErrCodeRejected, err)
	}
	if err != nil {
		observability.OTPSubmissions.WithLabelValues("error").Inc()
		logger.Warn("otp_submit_failed", "ride_id", cur.ID, "error", err)
		return tracker.Result{Snapshot: cur}, fmt.Errorf("submit otp: %w", err)
	}

	if snap.Status == "" {
		snap.Status = models.StatusStarted
	}
	if snap.Status != models.StatusStarted {
		observability.OTPSubmissions.WithLabelValues("error").Inc()
		return tracker.Result{Snapshot: cur}, fmt.Errorf("%w: got %s", ErrUnexpectedStatus, snap.Status)
	}
	if snap.ID == "" {
		snap.ID = cur.ID
	}
	snap = snap.After(cur)
	snap.OTPVerified = true

	res, err := ride.Submit(ctx, models.TransitionRequest{
		Snapshot: snap,
		Source:   models.SourceUserAction,
		Verified: true,
		OTP:      code,
	})
	// a poll may have observed STARTED before our own reply came back
	if errors.Is(err, tracker.ErrStale) || errors.Is(err, tracker.ErrStopped) {
		if now := ride.Snapshot(); now.Status == models.StatusStarted || now.Status == models.StatusCompleted {
			err = nil
			res = tracker.Result{Snapshot: now}
		}
	}
	if err != nil {
		observability.OTPSubmissions.WithLabelValues("error").Inc()
		return res, err
	}
	v.reset(cur.ID)
	observability.OTPSubmissions.WithLabelValues("accepted").Inc()
	logger.Info("otp_accepted", "ride_id", cur.ID)
	return res, nil
}

// Attempts reports failed submissions so far for rideID.
func (v *Verifier) Attempts(rideID string) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.attempts[rideID]
}

func (v *Verifier) lockedOut(rideID string) bool {
	if v.MaxAttempts <= 0 {
		return false
	}
	return v.Attempts(rideID) >= v.MaxAttempts
}

func (v *Verifier) fail(rideID string) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.attempts == nil {
		v.attempts = make(map[string]int)
	}
	v.attempts[rideID]++
	return v.attempts[rideID]
}

func (v *Verifier) reset(rideID string) {
	v.mu.Lock()
	delete(v.attempts, rideID)
	v.mu.Unlock()
}
