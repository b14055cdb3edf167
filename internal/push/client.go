// Package push is the client side of the rider's push channel: a websocket
// subscribed under the rider's identity that delivers ride events as soon as
// the server emits them. Delivery is best effort.
package push

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-sync/internal/logging"
	"github.com/example/ride-sync/internal/models"
	"github.com/example/ride-sync/internal/observability"
)

// Dialer connects to the push channel. URL may contain a {rider_id}
// placeholder; otherwise rider_id is sent as a query parameter.
type Dialer struct {
	URL     string
	Token   string
	RiderID string
	WS      *websocket.Dialer
	Logger  *slog.Logger
}

type authMessage struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// Connect dials and authenticates. The returned stream is closed when ctx ends.
func (d *Dialer) Connect(ctx context.Context) (*Stream, error) {
	target, err := d.endpoint()
	if err != nil {
		return nil, err
	}
	ws := d.WS
	if ws == nil {
		ws = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	conn, _, err := ws.DialContext(ctx, target, nil)
	if err != nil {
		observability.PushConnects.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("push dial: %w", err)
	}
	if d.Token != "" {
		if err := conn.WriteJSON(authMessage{Type: "auth", Token: d.Token}); err != nil {
			_ = conn.Close()
			observability.PushConnects.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("push auth: %w", err)
		}
	}
	observability.PushConnects.WithLabelValues("ok").Inc()

	s := &Stream{conn: conn, logger: logging.OrDefault(d.Logger), done: make(chan struct{})}
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-s.done:
		}
	}()
	return s, nil
}

func (d *Dialer) endpoint() (string, error) {
	if strings.Contains(d.URL, "{rider_id}") {
		return strings.ReplaceAll(d.URL, "{rider_id}", url.PathEscape(d.RiderID)), nil
	}
	u, err := url.Parse(d.URL)
	if err != nil {
		return "", fmt.Errorf("push url: %w", err)
	}
	if d.RiderID != "" {
		q := u.Query()
		q.Set("rider_id", d.RiderID)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Stream reads events off one connection.
type Stream struct {
	conn   *websocket.Conn
	logger *slog.Logger
	once   sync.Once
	done   chan struct{}
}

// Next blocks until a usable event arrives or the connection fails.
// Undecodable and unknown events are logged and skipped.
func (s *Stream) Next() (models.TransitionRequest, error) {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return models.TransitionRequest{}, err
		}
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			observability.PushEventsTotal.WithLabelValues("invalid").Inc()
			s.logger.Warn("push_event_invalid", "error", err)
			continue
		}
		req, err := ev.Candidate()
		if err != nil {
			observability.PushEventsTotal.WithLabelValues("invalid").Inc()
			s.logger.Debug("push_event_skipped", "event", ev.Type, "error", err)
			continue
		}
		observability.PushEventsTotal.WithLabelValues(string(ev.Type)).Inc()
		return req, nil
	}
}

func (s *Stream) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.conn.Close()
	})
	return err
}
