package otp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-sync/internal/backend"
	"github.com/example/ride-sync/internal/lifecycle"
	"github.com/example/ride-sync/internal/logging"
	"github.com/example/ride-sync/internal/models"
	"github.com/example/ride-sync/internal/tracker"
)

// fakeServer issues one code and answers like POST /rides/{id}/start.
type fakeServer struct {
	mu      sync.Mutex
	code    string
	version int64
	calls   int
	err     error
}

func (f *fakeServer) StartRide(ctx context.Context, rideID, code string) (models.RideSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return models.RideSnapshot{}, f.err
	}
	if code != f.code {
		return models.RideSnapshot{}, fmt.Errorf("%w: 400 invalid otp", backend.ErrOTPRejected)
	}
	return models.RideSnapshot{ID: rideID, Status: models.StatusStarted, Version: f.version}, nil
}

type staticFetcher struct{ snap models.RideSnapshot }

func (s staticFetcher) GetRide(ctx context.Context, id string) (models.RideSnapshot, error) {
	return s.snap, nil
}

func runRide(t *testing.T, initial models.RideSnapshot) *tracker.Coordinator {
	t.Helper()
	c := tracker.New(initial, staticFetcher{snap: initial}, nil, tracker.Options{
		PollSearching: time.Hour,
		PollActive:    time.Hour,
		Logger:        logging.Discard(),
	})
	go func() { _ = c.Run(context.Background()) }()
	t.Cleanup(func() {
		c.Stop()
		<-c.Done()
	})
	return c
}

func TestAssembleCells(t *testing.T) {
	tests := []struct {
		cells   []string
		want    string
		wantErr bool
	}{
		{cells: []string{"1", "2", "3", "4"}, want: "1234"},
		{cells: []string{"0", "0", "9", "8", "7", "6"}, want: "009876"},
		{cells: []string{"1", "2", "3"}, wantErr: true},
		{cells: []string{"1", "2", "3", "4", "5", "6", "7"}, wantErr: true},
		{cells: []string{"1", "a", "3", "4"}, wantErr: true},
		{cells: []string{"1", "", "3", "4"}, wantErr: true},
		{cells: []string{"12", "3", "4"}, wantErr: true},
	}
	for _, tc := range tests {
		got, err := AssembleCells(tc.cells)
		if tc.wantErr {
			assert.ErrorIs(t, err, ErrInvalidCode, "%v", tc.cells)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
	}
}

func TestMismatchNeverTransitions(t *testing.T) {
	ride := runRide(t, models.RideSnapshot{ID: "r1", Status: models.StatusArriving, Version: 3})
	srv := &fakeServer{code: "4821", version: 4}
	v := NewVerifier(srv, 0, logging.Discard())

	for i := 0; i < 5; i++ {
		_, err := v.Submit(context.Background(), ride, "1111")
		assert.ErrorIs(t, err, ErrCodeRejected)
	}
	assert.Equal(t, models.StatusArriving, ride.Snapshot().Status)
	assert.EqualValues(t, 3, ride.Snapshot().Version)
	assert.Equal(t, 5, v.Attempts("r1"), "unlimited retries by default")

	res, err := v.Submit(context.Background(), ride, "4821")
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, []lifecycle.Intent{{Kind: lifecycle.NavigateStarted}}, res.Intents)
	assert.Equal(t, models.StatusStarted, ride.Snapshot().Status)
	assert.True(t, ride.Snapshot().OTPVerified)
	assert.Zero(t, v.Attempts("r1"))
}

func TestMatchFromAccepted(t *testing.T) {
	ride := runRide(t, models.RideSnapshot{ID: "r1", Status: models.StatusAccepted, Version: 2})
	v := NewVerifier(&fakeServer{code: "123456"}, 0, nil)

	res, err := v.Submit(context.Background(), ride, "123456")
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.EqualValues(t, 3, res.Snapshot.Version, "unversioned server reply is placed after canonical")
}

func TestLockout(t *testing.T) {
	ride := runRide(t, models.RideSnapshot{ID: "r1", Status: models.StatusAccepted, Version: 2})
	srv := &fakeServer{code: "4821", version: 3}
	v := NewVerifier(srv, 2, nil)

	for i := 0; i < 2; i++ {
		_, err := v.Submit(context.Background(), ride, "0000")
		assert.ErrorIs(t, err, ErrCodeRejected)
	}
	_, err := v.Submit(context.Background(), ride, "4821")
	assert.ErrorIs(t, err, ErrLockedOut)
	assert.Equal(t, 2, srv.calls, "locked out attempts never reach the server")
	assert.Equal(t, models.StatusAccepted, ride.Snapshot().Status)
}

func TestRejectsBeforeServer(t *testing.T) {
	srv := &fakeServer{code: "4821"}
	v := NewVerifier(srv, 0, nil)

	pending := runRide(t, models.RideSnapshot{ID: "r1", Status: models.StatusPending, Version: 1})
	_, err := v.Submit(context.Background(), pending, "4821")
	assert.ErrorIs(t, err, ErrNotAwaitingStart)

	accepted := runRide(t, models.RideSnapshot{ID: "r2", Status: models.StatusAccepted, Version: 1})
	_, err = v.Submit(context.Background(), accepted, "48a1")
	assert.ErrorIs(t, err, ErrInvalidCode)
	assert.Zero(t, srv.calls)
}

func TestNetworkErrorIsNotAnAttempt(t *testing.T) {
	ride := runRide(t, models.RideSnapshot{ID: "r1", Status: models.StatusAccepted, Version: 2})
	v := NewVerifier(&fakeServer{code: "4821", err: errors.New("connection reset")}, 1, nil)

	_, err := v.Submit(context.Background(), ride, "4821")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrCodeRejected)
	assert.Zero(t, v.Attempts("r1"))
	assert.Equal(t, models.StatusAccepted, ride.Snapshot().Status)
}

// racingServer lets a poll observe STARTED before the start reply returns.
type racingServer struct {
	ride *tracker.Coordinator
}

func (r racingServer) StartRide(ctx context.Context, rideID, code string) (models.RideSnapshot, error) {
	snap := models.RideSnapshot{ID: rideID, Status: models.StatusStarted, Version: 4}
	if _, err := r.ride.Submit(ctx, models.TransitionRequest{Snapshot: snap, Source: models.SourcePoll}); err != nil {
		return models.RideSnapshot{}, err
	}
	return snap, nil
}

func TestStartedSeenByPollFirstIsSuccess(t *testing.T) {
	ride := runRide(t, models.RideSnapshot{ID: "r1", Status: models.StatusArriving, Version: 3})
	v := NewVerifier(racingServer{ride: ride}, 0, nil)

	res, err := v.Submit(context.Background(), ride, "4821")
	require.NoError(t, err)
	assert.False(t, res.Applied, "the poll already applied it")
	assert.Equal(t, models.StatusStarted, res.Snapshot.Status)
	assert.EqualValues(t, 4, ride.Snapshot().Version)
}

// cancellingServer accepts the code but the rider's ride is cancelled
// server-side before the reply arrives.
type cancellingServer struct {
	ride *tracker.Coordinator
}

func (c cancellingServer) StartRide(ctx context.Context, rideID, code string) (models.RideSnapshot, error) {
	snap := models.RideSnapshot{ID: rideID, Status: models.StatusCancelled, Version: 4}
	if _, err := c.ride.Submit(ctx, models.TransitionRequest{Snapshot: snap, Source: models.SourcePoll}); err != nil {
		return models.RideSnapshot{}, err
	}
	return models.RideSnapshot{ID: rideID, Status: models.StatusStarted}, nil
}

func TestCancelledBeforeStartReplyIsNotSuccess(t *testing.T) {
	ride := runRide(t, models.RideSnapshot{ID: "r1", Status: models.StatusArriving, Version: 3})
	v := NewVerifier(cancellingServer{ride: ride}, 0, nil)

	res, err := v.Submit(context.Background(), ride, "4821")
	require.Error(t, err)
	assert.NotEqual(t, models.StatusStarted, res.Snapshot.Status)
	assert.Equal(t, models.StatusCancelled, ride.Snapshot().Status)
}

func TestAlreadyStartedRideRejectsCode(t *testing.T) {
	ride := runRide(t, models.RideSnapshot{ID: "r1", Status: models.StatusStarted, Version: 4})
	srv := &fakeServer{code: "4821"}
	v := NewVerifier(srv, 0, nil)

	_, err := v.Submit(context.Background(), ride, "4821")
	assert.ErrorIs(t, err, ErrNotAwaitingStart)
	assert.Zero(t, srv.calls)
}
