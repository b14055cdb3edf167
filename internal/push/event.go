package push

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/example/ride-sync/internal/models"
)

type EventType string

const (
	EventAccepted EventType = "ride:accepted"
	EventRejected EventType = "ride:rejected"
	EventStatus   EventType = "ride:status"
)

var ErrUnknownEvent = errors.New("unknown push event")

// Event is one message on the rider's push channel.
type Event struct {
	Type    EventType       `json:"event"`
	Ride    json.RawMessage `json:"ride"`
	Status  string          `json:"status,omitempty"`
	Message string          `json:"message,omitempty"`
}

// Candidate turns an event into a transition request sourced from push.
func (e Event) Candidate() (models.TransitionRequest, error) {
	var snap models.RideSnapshot
	if len(e.Ride) > 0 {
		if err := json.Unmarshal(e.Ride, &snap); err != nil {
			return models.TransitionRequest{}, fmt.Errorf("decode %s ride: %w", e.Type, err)
		}
	}
	req := models.TransitionRequest{Source: models.SourcePush}
	switch e.Type {
	case EventAccepted:
		if snap.Status == "" {
			snap.Status = models.StatusAccepted
		}
	case EventRejected:
		// a driver declined; the ride usually goes back to searching
		if snap.Status == "" {
			snap.Status = models.StatusPending
		}
		req.Notice = e.Message
		if req.Notice == "" {
			req.Notice = "The driver declined your ride"
		}
	case EventStatus:
		if e.Status != "" {
			s, err := models.ParseStatus(e.Status)
			if err != nil {
				return models.TransitionRequest{}, fmt.Errorf("status event: %w", err)
			}
			snap.Status = s
		}
	default:
		return models.TransitionRequest{}, fmt.Errorf("%w: %q", ErrUnknownEvent, e.Type)
	}
	if snap.ID == "" {
		return models.TransitionRequest{}, fmt.Errorf("%s event without ride id", e.Type)
	}
	if !snap.Status.Valid() {
		return models.TransitionRequest{}, fmt.Errorf("%s event: %w", e.Type, models.ErrInvalidStatus)
	}
	req.Snapshot = snap
	return req, nil
}
