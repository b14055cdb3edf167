package models

import (
	"encoding/json"
	"errors"
	"strings"
)

// Status is the lifecycle status of a ride.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusAccepted  Status = "ACCEPTED"
	StatusArriving  Status = "ARRIVING"
	StatusStarted   Status = "STARTED"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
)

var ErrInvalidStatus = errors.New("invalid ride status")

// ErrMalformedPayload marks a response that arrived but could not be decoded.
var ErrMalformedPayload = errors.New("malformed ride payload")

// the backend and older clients use several spellings for the same state
var statusAliases = map[string]Status{
	"SEARCHING":      StatusPending,
	"REQUESTED":      StatusPending,
	"MATCHED":        StatusAccepted,
	"ASSIGNED":       StatusAccepted,
	"ARRIVED":        StatusArriving,
	"DRIVER_ARRIVED": StatusArriving,
	"EN_ROUTE":       StatusArriving,
	"IN_PROGRESS":    StatusStarted,
	"ONGOING":        StatusStarted,
	"CANCELED":       StatusCancelled,
}

// ParseStatus normalizes (uppercases+trims) and validates a status string.
func ParseStatus(in string) (Status, error) {
	norm := strings.ToUpper(strings.TrimSpace(in))
	norm = strings.NewReplacer("-", "_", " ", "_").Replace(norm)
	if s := Status(norm); s.Valid() {
		return s, nil
	}
	if s, ok := statusAliases[norm]; ok {
		return s, nil
	}
	return "", ErrInvalidStatus
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusAccepted, StatusArriving, StatusStarted, StatusCompleted, StatusCancelled:
		return true
	default:
		return false
	}
}

func (s Status) String() string { return string(s) }

// Terminal indicates that no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

func (s *Status) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	// absent means not yet known, e.g. an unseeded ride
	if raw == "" {
		*s = ""
		return nil
	}
	parsed, err := ParseStatus(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
