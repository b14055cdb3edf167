package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-sync/internal/lifecycle"
	"github.com/example/ride-sync/internal/models"
	"github.com/example/ride-sync/internal/tracker"
)

func TestWSRegistryBroadcastsAndClosesOnTerminal(t *testing.T) {
	reg := NewWSRegistry(nil)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		reg.Add("r1", conn)
	}))
	defer srv.Close()

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer client.Close()
	require.Eventually(t, func() bool { return reg.Count("r1") == 1 }, time.Second, 5*time.Millisecond)

	accepted := tracker.Update{
		Snapshot: models.RideSnapshot{ID: "r1", Status: models.StatusAccepted, Version: 2},
		Intents:  []lifecycle.Intent{{Kind: lifecycle.NavigateAssigned}},
	}
	require.NoError(t, reg.Publish(context.Background(), accepted))
	require.NoError(t, reg.Publish(context.Background(), tracker.Update{Snapshot: models.RideSnapshot{ID: "other", Status: models.StatusStarted}}))

	var got tracker.Update
	require.NoError(t, client.ReadJSON(&got))
	assert.Equal(t, accepted.Intents, got.Intents)
	assert.EqualValues(t, 2, got.Snapshot.Version)

	done := tracker.Update{Snapshot: models.RideSnapshot{ID: "r1", Status: models.StatusCompleted, Version: 6}}
	require.NoError(t, reg.Publish(context.Background(), done))
	require.NoError(t, client.ReadJSON(&got))
	assert.Equal(t, models.StatusCompleted, got.Snapshot.Status)
	assert.Zero(t, reg.Count("r1"))

	_, _, err = client.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestWSSessionNeverSendsOlderSnapshot(t *testing.T) {
	reg := NewWSRegistry(nil)
	sessions := make(chan *WSSession, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		sessions <- reg.Add("r1", conn)
	}))
	defer srv.Close()

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer client.Close()
	s := <-sessions

	at := func(status models.Status, v int64, kinds ...lifecycle.Kind) tracker.Update {
		u := tracker.Update{Snapshot: models.RideSnapshot{ID: "r1", Status: status, Version: v}, Intents: []lifecycle.Intent{}}
		for _, k := range kinds {
			u.Intents = append(u.Intents, lifecycle.Intent{Kind: k})
		}
		return u
	}
	// a screen joins at v2 while the fanout already delivered v3
	require.NoError(t, s.Send(at(models.StatusArriving, 3, lifecycle.ShowDriverArriving)))
	require.NoError(t, s.Send(at(models.StatusAccepted, 2)))
	require.NoError(t, s.Send(at(models.StatusArriving, 3, lifecycle.ShowConnectivityWarning)))
	require.NoError(t, s.Send(at(models.StatusStarted, 4, lifecycle.NavigateStarted)))

	var versions []int64
	for i := 0; i < 3; i++ {
		var got tracker.Update
		require.NoError(t, client.ReadJSON(&got))
		versions = append(versions, got.Snapshot.Version)
	}
	assert.Equal(t, []int64{3, 3, 4}, versions)
}

func TestWebhookSink(t *testing.T) {
	var (
		calls int
		body  notification
		auth  string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, "k")
	ctx := context.Background()

	require.NoError(t, sink.Publish(ctx, tracker.Update{Snapshot: models.RideSnapshot{ID: "r1", Status: models.StatusArriving, Version: 4}}))
	assert.Zero(t, calls, "refreshes are not notified")

	u := tracker.Update{
		Snapshot: models.RideSnapshot{ID: "r1", Status: models.StatusCancelled, Version: 5},
		Intents:  []lifecycle.Intent{{Kind: lifecycle.ShowCancelledAlert, Message: "Your ride was cancelled"}, {Kind: lifecycle.NavigateHome}},
	}
	require.NoError(t, sink.Publish(ctx, u))
	assert.Equal(t, 1, calls)
	assert.Equal(t, "Bearer k", auth)
	assert.Equal(t, "r1", body.RideID)
	assert.Equal(t, u.Intents, body.Intents)
}

func TestWebhookSinkErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhookSink(srv.URL, "").Publish(context.Background(), tracker.Update{
		Snapshot: models.RideSnapshot{ID: "r1"},
		Intents:  []lifecycle.Intent{{Kind: lifecycle.NavigateStarted}},
	})
	assert.Error(t, err)
}
