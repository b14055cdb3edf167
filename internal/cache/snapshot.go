// Package cache keeps the last published snapshot of each ride so readers
// that are not subscribed (the HTTP facade, other processes) can see it.
// Writes only ever move a ride's version forward.
package cache

import (
	"context"
	"sync"

	"github.com/example/ride-sync/internal/models"
	"github.com/example/ride-sync/internal/tracker"
)

type SnapshotCache interface {
	// Put stores snap unless a snapshot with the same or a newer version is
	// already cached. It reports whether snap was stored.
	Put(ctx context.Context, snap models.RideSnapshot) (bool, error)
	Get(ctx context.Context, rideID string) (models.RideSnapshot, bool, error)
}

// Sink writes every published snapshot into a cache.
type Sink struct{ Cache SnapshotCache }

func (s Sink) Publish(ctx context.Context, u tracker.Update) error {
	_, err := s.Cache.Put(ctx, u.Snapshot)
	return err
}

type Memory struct {
	mu    sync.RWMutex
	rides map[string]models.RideSnapshot
}

func NewMemory() *Memory { return &Memory{rides: make(map[string]models.RideSnapshot)} }

func (m *Memory) Put(ctx context.Context, snap models.RideSnapshot) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rides == nil {
		m.rides = make(map[string]models.RideSnapshot)
	}
	if cur, ok := m.rides[snap.ID]; ok && !snap.Newer(cur) {
		return false, nil
	}
	m.rides[snap.ID] = snap
	return true, nil
}

func (m *Memory) Get(ctx context.Context, rideID string) (models.RideSnapshot, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.rides[rideID]
	return s, ok, nil
}
