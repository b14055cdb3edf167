// Package lifecycle is the ride state machine. It validates a proposed
// status change against a closed transition table and, when the change is
// accepted, says which navigation intents the screen layer should act on.
// It holds no state of its own; the caller owns the canonical snapshot.
package lifecycle

import (
	"errors"
	"fmt"

	"github.com/example/ride-sync/internal/models"
)

var (
	ErrIllegalTransition = errors.New("illegal ride status transition")
	ErrUnverifiedStart   = errors.New("trip start requires otp verification")
	ErrTerminal          = errors.New("ride is in a terminal state")
	ErrRideMismatch      = errors.New("transition targets a different ride")
	ErrInvalidTarget     = errors.New("transition target status is invalid")
)

// transitions lists, for each source state, every allowed destination.
var transitions = map[models.Status][]models.Status{
	models.StatusPending:   {models.StatusAccepted, models.StatusCancelled},
	models.StatusAccepted:  {models.StatusArriving, models.StatusStarted, models.StatusCancelled},
	models.StatusArriving:  {models.StatusStarted, models.StatusCancelled},
	models.StatusStarted:   {models.StatusCompleted, models.StatusCancelled},
	models.StatusCompleted: nil,
	models.StatusCancelled: nil,
}

// Destinations returns the states reachable in one step from s.
func Destinations(s models.Status) []models.Status {
	out := make([]models.Status, len(transitions[s]))
	copy(out, transitions[s])
	return out
}

// Allowed reports whether from -> to is an edge of the transition table.
func Allowed(from, to models.Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Outcome is the result of an accepted request.
type Outcome struct {
	Snapshot models.RideSnapshot
	From     models.Status
	To       models.Status
	// Refresh is set when the status did not change and only ride metadata
	// (fare, driver, timings) moved forward.
	Refresh bool
	Intents []Intent
}

// Validate checks req against the current canonical status without applying it.
func Validate(current models.RideSnapshot, req models.TransitionRequest) error {
	from, to := current.Status, req.Target()
	if current.ID != "" && req.Snapshot.ID != "" && current.ID != req.Snapshot.ID {
		return ErrRideMismatch
	}
	if !to.Valid() {
		return ErrInvalidTarget
	}
	if from.Terminal() {
		return fmt.Errorf("%w: %s", ErrTerminal, from)
	}
	if from == to {
		return nil
	}
	if !Allowed(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	if to == models.StatusStarted && !verified(req) {
		return ErrUnverifiedStart
	}
	return nil
}

// Apply validates req and returns the next canonical snapshot with its intents.
// Version ordering is the caller's concern; Apply only judges the edge.
func Apply(current models.RideSnapshot, req models.TransitionRequest) (Outcome, error) {
	if err := Validate(current, req); err != nil {
		return Outcome{}, err
	}
	next := req.Snapshot
	if next.ID == "" {
		next.ID = current.ID
	}
	out := Outcome{
		Snapshot: next,
		From:     current.Status,
		To:       next.Status,
		Refresh:  current.Status == next.Status,
	}
	if req.Notice != "" {
		out.Intents = append(out.Intents, Intent{Kind: ShowNotice, Message: req.Notice})
	}
	if !out.Refresh {
		out.Intents = append(out.Intents, intentsFor(next, req.Source)...)
	}
	return out, nil
}

// Seed accepts the first snapshot seen for a ride as the baseline, without
// a source state to judge the edge against. The OTP gate still applies.
func Seed(req models.TransitionRequest) (Outcome, error) {
	to := req.Target()
	if !to.Valid() {
		return Outcome{}, ErrInvalidTarget
	}
	if to == models.StatusStarted && !verified(req) {
		return Outcome{}, ErrUnverifiedStart
	}
	out := Outcome{Snapshot: req.Snapshot, To: to}
	if req.Notice != "" {
		out.Intents = append(out.Intents, Intent{Kind: ShowNotice, Message: req.Notice})
	}
	out.Intents = append(out.Intents, intentsFor(req.Snapshot, req.Source)...)
	return out, nil
}

// STARTED can only come from a passed OTP gate. Server-sourced updates are
// trusted because the server is the only verifier.
func verified(req models.TransitionRequest) bool {
	return req.Verified || req.Snapshot.OTPVerified || req.Source.Trusted()
}
