package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-sync/internal/logging"
	"github.com/example/ride-sync/internal/models"
	"github.com/example/ride-sync/internal/tracker"
)

const writeWait = 5 * time.Second

// WSSession is one connected ride screen.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
	last models.RideSnapshot
	sent bool
}

// Send writes u unless the screen has already been shown a newer snapshot.
// Updates at the same version, such as warnings and notices, still go out.
func (s *WSSession) Send(u tracker.Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sent && s.last.Newer(u.Snapshot) {
		return nil
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteJSON(u); err != nil {
		return err
	}
	if !s.sent || u.Snapshot.Newer(s.last) {
		s.last, s.sent = u.Snapshot, true
	}
	return nil
}

func (s *WSSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return s.conn.Close()
}

// WSRegistry holds the screens watching each ride and broadcasts updates to
// them. It is a tracker.Sink.
type WSRegistry struct {
	Logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]map[*WSSession]struct{}
}

func NewWSRegistry(logger *slog.Logger) *WSRegistry {
	return &WSRegistry{Logger: logger, sessions: make(map[string]map[*WSSession]struct{})}
}

func (r *WSRegistry) Add(rideID string, conn *websocket.Conn) *WSSession {
	s := &WSSession{conn: conn}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions == nil {
		r.sessions = make(map[string]map[*WSSession]struct{})
	}
	if r.sessions[rideID] == nil {
		r.sessions[rideID] = make(map[*WSSession]struct{})
	}
	r.sessions[rideID][s] = struct{}{}
	return s
}

func (r *WSRegistry) Remove(rideID string, s *WSSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions[rideID], s)
	if len(r.sessions[rideID]) == 0 {
		delete(r.sessions, rideID)
	}
}

func (r *WSRegistry) Count(rideID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions[rideID])
}

// Publish sends u to every screen on the ride. Sessions that fail a write
// are dropped. Once the ride is terminal the remaining sessions are closed.
func (r *WSRegistry) Publish(ctx context.Context, u tracker.Update) error {
	rideID := u.Snapshot.ID
	r.mu.RLock()
	targets := make([]*WSSession, 0, len(r.sessions[rideID]))
	for s := range r.sessions[rideID] {
		targets = append(targets, s)
	}
	r.mu.RUnlock()

	terminal := u.Snapshot.Status.Terminal()
	for _, s := range targets {
		if err := s.Send(u); err != nil {
			logging.OrDefault(r.Logger).Warn("ws_send_failed", "ride_id", rideID, "error", err)
			r.Remove(rideID, s)
			_ = s.Close()
			continue
		}
		if terminal {
			r.Remove(rideID, s)
			_ = s.Close()
		}
	}
	return nil
}
