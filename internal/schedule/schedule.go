// Package schedule manages daily-cab subscriptions. A subscription is one
// long-lived entity; the server instantiates the individual rides, so the
// engine only validates, quotes, submits and cancels.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/example/ride-sync/internal/fare"
	"github.com/example/ride-sync/internal/logging"
	"github.com/example/ride-sync/internal/models"
)

var (
	ErrEmptyDays           = errors.New("subscription needs at least one day of the week")
	ErrInvalidWeekday      = errors.New("day of week out of range")
	ErrInvertedRange       = errors.New("end date is before start date")
	ErrStartInPast         = errors.New("start date is in the past")
	ErrNotCancellable      = errors.New("only active subscriptions can be cancelled")
	ErrInvalidStatusChange = errors.New("invalid subscription status change")
)

type Backend interface {
	CreateSubscription(ctx context.Context, sub models.RecurringSubscription) (models.RecurringSubscription, error)
	CancelSubscription(ctx context.Context, id string) (models.RecurringSubscription, error)
}

// Validate reports every rule sub breaks, relative to the calendar day of today.
func Validate(sub models.RecurringSubscription, today time.Time) error {
	var errs []error
	if len(sub.DaysOfWeek) == 0 {
		errs = append(errs, ErrEmptyDays)
	}
	for _, d := range sub.DaysOfWeek {
		if d < time.Sunday || d > time.Saturday {
			errs = append(errs, fmt.Errorf("%w: %d", ErrInvalidWeekday, d))
		}
	}
	loc := today.Location()
	start, end := dateOf(sub.StartDate, loc), dateOf(sub.EndDate, loc)
	if end.Before(start) {
		errs = append(errs, ErrInvertedRange)
	}
	if start.Before(dateOf(today, loc)) {
		errs = append(errs, ErrStartInPast)
	}
	return errors.Join(errs...)
}

type Engine struct {
	API    Backend
	Fare   *fare.Estimator
	Now    func() time.Time
	Logger *slog.Logger
}

func NewEngine(api Backend, est *fare.Estimator, logger *slog.Logger) *Engine {
	return &Engine{API: api, Fare: est, Now: time.Now, Logger: logger}
}

func (e *Engine) now() time.Time {
	if e.Now == nil {
		return time.Now()
	}
	return e.Now()
}

// Quote prices one ride of the subscription at platform rates.
func (e *Engine) Quote(pickup, drop models.Location) fare.Estimate {
	est := e.Fare
	if est == nil {
		est = fare.NewEstimator(models.RateCard{})
	}
	return est.Estimate(pickup, drop, nil)
}

// Subscribe validates sub before anything leaves the process, fills in the
// quoted fare when the rider did not see one, and submits it.
func (e *Engine) Subscribe(ctx context.Context, sub models.RecurringSubscription) (models.RecurringSubscription, error) {
	if err := Validate(sub, e.now()); err != nil {
		return sub, err
	}
	sub.DaysOfWeek = normalizeDays(sub.DaysOfWeek)
	if sub.Fare == 0 {
		sub.Fare = e.Quote(sub.Pickup, sub.Drop).ComputedFare
	}
	sub.Status = ""

	created, err := e.API.CreateSubscription(ctx, sub)
	if err != nil {
		return sub, fmt.Errorf("create subscription: %w", err)
	}
	if created.Status == "" {
		created.Status = models.SubscriptionActive
	}
	logging.OrDefault(e.Logger).Info("subscription_created", "subscription_id", created.ID, "days", len(created.DaysOfWeek), "pickup_time", created.PickupTime.String())
	return created, nil
}

// Cancel is the only status change the rider can request.
func (e *Engine) Cancel(ctx context.Context, sub models.RecurringSubscription) (models.RecurringSubscription, error) {
	if sub.Status != models.SubscriptionActive {
		return sub, fmt.Errorf("%w: %s", ErrNotCancellable, sub.Status)
	}
	out, err := e.API.CancelSubscription(ctx, sub.ID)
	if err != nil {
		return sub, fmt.Errorf("cancel subscription: %w", err)
	}
	if out.ID == "" {
		out = sub
	}
	out.Status = models.SubscriptionCancelled
	logging.OrDefault(e.Logger).Info("subscription_cancelled", "subscription_id", out.ID)
	return out, nil
}

// ApplyServerStatus checks a server-driven status change before it is shown.
// ACTIVE and PAUSED move freely between each other; terminal states are final.
func ApplyServerStatus(sub models.RecurringSubscription, next models.SubscriptionStatus) (models.RecurringSubscription, error) {
	switch next {
	case models.SubscriptionActive, models.SubscriptionPaused, models.SubscriptionCancelled, models.SubscriptionExpired:
	default:
		return sub, fmt.Errorf("%w: unknown status %q", ErrInvalidStatusChange, next)
	}
	if sub.Status.Terminal() && next != sub.Status {
		return sub, fmt.Errorf("%w: %s -> %s", ErrInvalidStatusChange, sub.Status, next)
	}
	sub.Status = next
	return sub, nil
}

// NextPickup returns the first pickup strictly after after, in after's
// location. Paused and finished subscriptions have none.
func NextPickup(sub models.RecurringSubscription, after time.Time) (time.Time, bool) {
	if sub.Status == models.SubscriptionPaused || sub.Status.Terminal() {
		return time.Time{}, false
	}
	out := occurrences(sub, after, time.Time{}, 1)
	if len(out) == 0 {
		return time.Time{}, false
	}
	return out[0], true
}

// Occurrences lists pickups in (from, to], capped at limit when limit > 0.
// Status is ignored: this is the shape of the schedule, for display.
func Occurrences(sub models.RecurringSubscription, from, to time.Time, limit int) []time.Time {
	return occurrences(sub, from, to, limit)
}

func occurrences(sub models.RecurringSubscription, from, to time.Time, limit int) []time.Time {
	if len(sub.DaysOfWeek) == 0 {
		return nil
	}
	loc := from.Location()
	day := dateOf(sub.StartDate, loc)
	if f := dateOf(from, loc); f.After(day) {
		day = f
	}
	last := dateOf(sub.EndDate, loc)

	var out []time.Time
	for ; !day.After(last); day = day.AddDate(0, 0, 1) {
		if !slices.Contains(sub.DaysOfWeek, day.Weekday()) {
			continue
		}
		at := sub.PickupTime.On(day)
		if !at.After(from) {
			continue
		}
		if !to.IsZero() && at.After(to) {
			break
		}
		out = append(out, at)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// dateOf keeps t's calendar date and places it at midnight in loc. Start and
// end dates are calendar days, not instants.
func dateOf(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

func normalizeDays(days []time.Weekday) []time.Weekday {
	out := slices.Clone(days)
	slices.Sort(out)
	return slices.Compact(out)
}
