// Package dispatch delivers accepted ride updates to screens: live
// websocket sessions and an optional notification webhook.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/ride-sync/internal/lifecycle"
	"github.com/example/ride-sync/internal/models"
	"github.com/example/ride-sync/internal/tracker"
)

// WebhookSink posts intent-bearing updates to a notification gateway, which
// owns the actual push delivery. Refreshes with no intents are not sent.
type WebhookSink struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewWebhookSink(endpoint, key string) *WebhookSink {
	return &WebhookSink{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

type notification struct {
	RideID  string             `json:"ride_id"`
	Status  models.Status      `json:"status"`
	Version int64              `json:"version"`
	Intents []lifecycle.Intent `json:"intents"`
}

func (w *WebhookSink) Publish(ctx context.Context, u tracker.Update) error {
	if len(u.Intents) == 0 {
		return nil
	}
	b, err := json.Marshal(notification{RideID: u.Snapshot.ID, Status: u.Snapshot.Status, Version: u.Snapshot.Version, Intents: u.Intents})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if w.Key != "" {
		req.Header.Set("Authorization", "Bearer "+w.Key)
	}
	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}
