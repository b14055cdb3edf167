package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

type SubscriptionStatus string

const (
	SubscriptionActive    SubscriptionStatus = "ACTIVE"
	SubscriptionPaused    SubscriptionStatus = "PAUSED"
	SubscriptionCancelled SubscriptionStatus = "CANCELLED"
	SubscriptionExpired   SubscriptionStatus = "EXPIRED"
)

func (s SubscriptionStatus) Terminal() bool {
	return s == SubscriptionCancelled || s == SubscriptionExpired
}

// RecurringSubscription is a daily-cab subscription. It is one long-lived
// entity; the server creates the individual rides.
type RecurringSubscription struct {
	ID         string             `json:"id,omitempty"`
	Pickup     Location           `json:"pickup"`
	Drop       Location           `json:"drop"`
	PickupTime TimeOfDay          `json:"pickup_time"`
	DaysOfWeek []time.Weekday     `json:"days_of_week"`
	StartDate  time.Time          `json:"start_date"`
	EndDate    time.Time          `json:"end_date"`
	Fare       float64            `json:"fare"`
	Status     SubscriptionStatus `json:"status,omitempty"`
}

// TimeOfDay is a local wall-clock time without a date.
type TimeOfDay struct {
	Hour   int
	Minute int
}

var ErrInvalidTimeOfDay = errors.New("invalid time of day")

// ParseTimeOfDay accepts "HH:MM" in 24h form.
func ParseTimeOfDay(in string) (TimeOfDay, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(in))
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("%w: %q", ErrInvalidTimeOfDay, in)
	}
	return TimeOfDay{Hour: t.Hour(), Minute: t.Minute()}, nil
}

func (t TimeOfDay) String() string { return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute) }

// On returns the instant at this time of day on the date of d, in d's location.
func (t TimeOfDay) On(d time.Time) time.Time {
	y, m, day := d.Date()
	return time.Date(y, m, day, t.Hour, t.Minute, 0, 0, d.Location())
}

func (t TimeOfDay) MarshalJSON() ([]byte, error) { return json.Marshal(t.String()) }

func (t *TimeOfDay) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	parsed, err := ParseTimeOfDay(raw)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
