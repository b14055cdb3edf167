package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Location is a pickup or drop point. Locality is always present; Coord is
// only set once the place has been resolved to coordinates.
type Location struct {
	Locality string `json:"locality"`
	City     string `json:"city,omitempty"`
	District string `json:"district,omitempty"`
	Coord    *Coord `json:"coord,omitempty"`
}

// RateCard holds the two numbers the fare formula needs.
type RateCard struct {
	BaseFare  float64 `json:"base_fare"`
	PerKmRate float64 `json:"per_km_rate"`
}

type DriverRef struct {
	ID      string    `json:"id"`
	Name    string    `json:"name,omitempty"`
	Vehicle string    `json:"vehicle,omitempty"`
	Phone   string    `json:"phone,omitempty"`
	Rates   *RateCard `json:"rates,omitempty"`
}

// RideSnapshot is an immutable view of one ride at one version.
type RideSnapshot struct {
	ID           string     `json:"id"`
	Status       Status     `json:"status"`
	Pickup       Location   `json:"pickup"`
	Drop         Location   `json:"drop"`
	Driver       *DriverRef `json:"driver,omitempty"`
	Fare         *float64   `json:"fare,omitempty"`
	DistanceKm   float64    `json:"distance_km"`
	DurationMin  float64    `json:"duration_min"`
	CancelReason string     `json:"cancel_reason,omitempty"`
	OTPVerified  bool       `json:"otp_verified,omitempty"`
	Version      int64      `json:"version"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Keyed reports whether s carries an ordering key of its own.
func (s RideSnapshot) Keyed() bool { return s.Version != 0 || !s.UpdatedAt.IsZero() }

// Newer reports whether s orders after prev. Version decides whenever
// either side has one; rides the backend orders by time alone fall back to
// UpdatedAt.
func (s RideSnapshot) Newer(prev RideSnapshot) bool {
	if s.Version != 0 || prev.Version != 0 {
		return s.Version > prev.Version
	}
	return s.UpdatedAt.After(prev.UpdatedAt)
}

// After returns s keyed just past prev when s has no key: the next version,
// or the next instant for rides ordered by time.
func (s RideSnapshot) After(prev RideSnapshot) RideSnapshot {
	if s.Keyed() {
		return s
	}
	if prev.Version == 0 && !prev.UpdatedAt.IsZero() {
		s.UpdatedAt = prev.UpdatedAt.Add(time.Nanosecond)
		return s
	}
	s.Version = prev.Version + 1
	return s
}

// Source tells where a candidate update came from.
type Source string

const (
	SourcePoll       Source = "poll"
	SourcePush       Source = "push"
	SourceUserAction Source = "user-action"
)

// Trusted reports whether the source is the server itself. The rider client
// trusts a server-asserted STARTED because the OTP check runs server-side.
func (s Source) Trusted() bool {
	return s == SourcePoll || s == SourcePush
}

type CancelPayload struct {
	Category string `json:"category"`
	Reason   string `json:"reason"`
	FreeText string `json:"free_text,omitempty"`
}

// TransitionRequest proposes Snapshot as the next canonical state.
type TransitionRequest struct {
	Snapshot RideSnapshot
	Source   Source
	// Verified is set once the OTP gate has been passed for this ride.
	Verified bool
	// Notice is shown to the rider if the request is accepted.
	Notice string
	OTP    string
	Cancel *CancelPayload
}

func (r TransitionRequest) Target() Status { return r.Snapshot.Status }
