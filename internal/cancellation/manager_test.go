package cancellation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-sync/internal/lifecycle"
	"github.com/example/ride-sync/internal/logging"
	"github.com/example/ride-sync/internal/models"
	"github.com/example/ride-sync/internal/tracker"
)

type fakeCanceller struct {
	err  error
	got  *models.CancelPayload
	snap models.RideSnapshot
}

func (f *fakeCanceller) CancelRide(ctx context.Context, rideID string, p models.CancelPayload) (models.RideSnapshot, error) {
	f.got = &p
	if f.err != nil {
		return models.RideSnapshot{}, f.err
	}
	return f.snap, nil
}

type staticFetcher struct{ snap models.RideSnapshot }

func (s staticFetcher) GetRide(ctx context.Context, id string) (models.RideSnapshot, error) {
	return s.snap, nil
}

func TestTaxonomyShape(t *testing.T) {
	groups := Taxonomy()
	require.Len(t, groups, 6)
	for _, g := range groups {
		last := g.Reasons[len(g.Reasons)-1]
		assert.Equal(t, OtherLabel, last.Label, g.Category)
		assert.True(t, last.FreeText)
	}

	groups[0].Reasons[0].Label = "mutated"
	_, err := Lookup(CategoryGeneral, "Changed my mind")
	assert.NoError(t, err, "Taxonomy returns a copy")
}

func TestQuote(t *testing.T) {
	m := NewManager(nil, 25, "INR", nil)

	q, err := m.Quote(Selection{Category: CategoryDriverVehicle, Reason: "Driver arrived late"})
	require.NoError(t, err)
	assert.Equal(t, 25.0, q.Fee)
	assert.Equal(t, "INR", q.Currency)
	assert.Equal(t, BucketDriverAtFault, q.Reason.Bucket)

	q2, err := m.Quote(Selection{Category: CategoryGeneral, Reason: "changed my mind"})
	require.NoError(t, err)
	assert.Equal(t, q.Fee, q2.Fee, "fee does not depend on the reason")

	_, err = m.Quote(Selection{Category: CategoryOther, Reason: "Other", FreeText: "   "})
	assert.ErrorIs(t, err, ErrFreeTextRequired)

	_, err = m.Quote(Selection{Category: CategoryGeneral, Reason: "Driver arrived late"})
	assert.ErrorIs(t, err, ErrUnknownReason)
}

func runRide(t *testing.T, initial models.RideSnapshot) *tracker.Coordinator {
	t.Helper()
	c := tracker.New(initial, staticFetcher{snap: initial}, nil, tracker.Options{PollSearching: time.Hour, PollActive: time.Hour, Logger: logging.Discard()})
	go func() { _ = c.Run(context.Background()) }()
	t.Cleanup(func() {
		c.Stop()
		<-c.Done()
	})
	return c
}

func TestCancelSuccessTearsDownCoordinator(t *testing.T) {
	ride := runRide(t, models.RideSnapshot{ID: "r1", Status: models.StatusAccepted, Version: 2})
	api := &fakeCanceller{snap: models.RideSnapshot{ID: "r1", Status: models.StatusCancelled, Version: 3}}
	m := NewManager(api, 25, "INR", logging.Discard())

	res, err := m.Cancel(context.Background(), ride, Selection{Category: CategoryOther, Reason: "Other", FreeText: " driver rude "})
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, []lifecycle.Intent{{Kind: lifecycle.NavigateHome}}, res.Intents)
	assert.Equal(t, "driver rude", api.got.FreeText)
	assert.Equal(t, "other", api.got.Category)
	assert.Equal(t, "Other: driver rude", ride.Snapshot().CancelReason)

	select {
	case <-ride.Done():
	case <-time.After(time.Second):
		t.Fatal("coordinator kept running after cancellation")
	}
}

func TestCancelFailureLeavesStateUntouched(t *testing.T) {
	ride := runRide(t, models.RideSnapshot{ID: "r1", Status: models.StatusArriving, Version: 4})
	api := &fakeCanceller{err: errors.New("503 service unavailable")}
	m := NewManager(api, 25, "INR", nil)

	_, err := m.Cancel(context.Background(), ride, Selection{Category: CategoryGeneral, Reason: "Plans changed"})
	assert.ErrorIs(t, err, ErrCancelFailed)
	assert.Equal(t, models.StatusArriving, ride.Snapshot().Status)
	assert.EqualValues(t, 4, ride.Snapshot().Version)

	select {
	case <-ride.Done():
		t.Fatal("coordinator stopped after a failed cancel")
	default:
	}
}

func TestCancelValidationNeverCallsServer(t *testing.T) {
	ride := runRide(t, models.RideSnapshot{ID: "r1", Status: models.StatusPending, Version: 1})
	api := &fakeCanceller{}
	m := NewManager(api, 25, "INR", nil)

	_, err := m.Cancel(context.Background(), ride, Selection{Category: CategorySafetyComfort, Reason: "Other"})
	assert.ErrorIs(t, err, ErrFreeTextRequired)
	assert.Nil(t, api.got)
}

func TestCancelTerminalRide(t *testing.T) {
	ride := tracker.New(models.RideSnapshot{ID: "r1", Status: models.StatusCompleted, Version: 9}, staticFetcher{}, nil, tracker.Options{})
	api := &fakeCanceller{}
	m := NewManager(api, 25, "INR", nil)

	_, err := m.Cancel(context.Background(), ride, Selection{Category: CategoryGeneral, Reason: "Plans changed"})
	assert.ErrorIs(t, err, lifecycle.ErrTerminal)
	assert.Nil(t, api.got)
}

func TestCancelUnversionedReply(t *testing.T) {
	ride := runRide(t, models.RideSnapshot{ID: "r1", Status: models.StatusPending, Version: 1})
	api := &fakeCanceller{snap: models.RideSnapshot{}}
	m := NewManager(api, 25, "INR", nil)

	res, err := m.Cancel(context.Background(), ride, Selection{Category: CategoryPricePayment, Reason: "Fare is too high"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, res.Snapshot.Version)
	assert.Equal(t, models.StatusCancelled, res.Snapshot.Status)
	assert.Equal(t, "Fare is too high", res.Snapshot.CancelReason)
}
