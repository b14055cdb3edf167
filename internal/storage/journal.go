package storage

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-sync/internal/models"
	"github.com/example/ride-sync/internal/tracker"
)

// TransitionRecord is one accepted update of a ride.
type TransitionRecord struct {
	ID         string              `json:"id"`
	RideID     string              `json:"ride_id"`
	From       models.Status       `json:"from"`
	To         models.Status       `json:"to"`
	Version    int64               `json:"version"`
	Source     models.Source       `json:"source"`
	Intents    []string            `json:"intents"`
	Snapshot   models.RideSnapshot `json:"snapshot"`
	RecordedAt time.Time           `json:"recorded_at"`
}

// Journal persists accepted transitions. Recording the same ride version
// twice keeps the first record; rides ordered by time alone are keyed by
// the snapshot's UpdatedAt as well.
type Journal interface {
	Record(ctx context.Context, rec TransitionRecord) error
	History(ctx context.Context, rideID string) ([]TransitionRecord, error)
}

// RecordFor builds the journal entry for an update.
func RecordFor(u tracker.Update, now time.Time) TransitionRecord {
	kinds := make([]string, 0, len(u.Intents))
	for _, in := range u.Intents {
		kinds = append(kinds, string(in.Kind))
	}
	return TransitionRecord{
		ID:         uuid.NewString(),
		RideID:     u.Snapshot.ID,
		From:       u.From,
		To:         u.Snapshot.Status,
		Version:    u.Snapshot.Version,
		Source:     u.Source,
		Intents:    kinds,
		Snapshot:   u.Snapshot,
		RecordedAt: now.UTC(),
	}
}

// Sink journals every update that changed canonical state. Warnings that
// leave the snapshot untouched carry no source and are skipped.
type Sink struct {
	Journal Journal
	Now     func() time.Time
}

func NewSink(j Journal) *Sink { return &Sink{Journal: j, Now: time.Now} }

func (s *Sink) Publish(ctx context.Context, u tracker.Update) error {
	if u.Source == "" {
		return nil
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	return s.Journal.Record(ctx, RecordFor(u, now()))
}

type MemoryJournal struct {
	mu    sync.RWMutex
	rides map[string][]TransitionRecord
}

func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{rides: make(map[string][]TransitionRecord)}
}

func (m *MemoryJournal) Record(ctx context.Context, rec TransitionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rides == nil {
		m.rides = make(map[string][]TransitionRecord)
	}
	for _, r := range m.rides[rec.RideID] {
		if r.Version == rec.Version && r.Snapshot.UpdatedAt.Equal(rec.Snapshot.UpdatedAt) {
			return nil
		}
	}
	m.rides[rec.RideID] = append(m.rides[rec.RideID], rec)
	return nil
}

func (m *MemoryJournal) History(ctx context.Context, rideID string) ([]TransitionRecord, error) {
	m.mu.RLock()
	out := slices.Clone(m.rides[rideID])
	m.mu.RUnlock()
	slices.SortFunc(out, func(a, b TransitionRecord) int {
		switch {
		case a.Snapshot.Newer(b.Snapshot):
			return 1
		case b.Snapshot.Newer(a.Snapshot):
			return -1
		}
		return 0
	})
	return out, nil
}
