package schedule

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-sync/internal/fare"
	"github.com/example/ride-sync/internal/models"
)

type fakeBackend struct {
	created   *models.RecurringSubscription
	cancelled string
	err       error
}

func (f *fakeBackend) CreateSubscription(ctx context.Context, sub models.RecurringSubscription) (models.RecurringSubscription, error) {
	if f.err != nil {
		return models.RecurringSubscription{}, f.err
	}
	f.created = &sub
	sub.ID = "sub-1"
	return sub, nil
}

func (f *fakeBackend) CancelSubscription(ctx context.Context, id string) (models.RecurringSubscription, error) {
	if f.err != nil {
		return models.RecurringSubscription{}, f.err
	}
	f.cancelled = id
	return models.RecurringSubscription{}, nil
}

// Wednesday 14 October 2026, mid-morning.
var now = time.Date(2026, time.October, 14, 10, 0, 0, 0, time.UTC)

func day(d int) time.Time { return time.Date(2026, time.October, d, 0, 0, 0, 0, time.UTC) }

func weekdays() models.RecurringSubscription {
	return models.RecurringSubscription{
		Pickup:     models.Location{Locality: "Koramangala", City: "Bengaluru"},
		Drop:       models.Location{Locality: "Whitefield", City: "Bengaluru"},
		PickupTime: models.TimeOfDay{Hour: 9},
		DaysOfWeek: []time.Weekday{time.Monday, time.Wednesday, time.Friday},
		StartDate:  day(14),
		EndDate:    day(31),
	}
}

func TestValidate(t *testing.T) {
	require.NoError(t, Validate(weekdays(), now))

	sub := weekdays()
	sub.EndDate = sub.StartDate
	assert.NoError(t, Validate(sub, now), "single-day window is allowed")

	sub = weekdays()
	sub.DaysOfWeek = nil
	assert.ErrorIs(t, Validate(sub, now), ErrEmptyDays)

	sub = weekdays()
	sub.DaysOfWeek = []time.Weekday{7}
	assert.ErrorIs(t, Validate(sub, now), ErrInvalidWeekday)

	sub = weekdays()
	sub.EndDate = day(13)
	sub.StartDate = day(12)
	sub.DaysOfWeek = nil
	err := Validate(sub, now)
	assert.ErrorIs(t, err, ErrEmptyDays)
	assert.ErrorIs(t, err, ErrStartInPast)
	assert.NotErrorIs(t, err, ErrInvertedRange)

	sub = weekdays()
	sub.EndDate = day(13)
	assert.ErrorIs(t, Validate(sub, now), ErrInvertedRange)
}

func TestSubscribe(t *testing.T) {
	api := &fakeBackend{}
	e := NewEngine(api, fare.NewEstimator(models.RateCard{BaseFare: 50, PerKmRate: 15}), nil)
	e.Now = func() time.Time { return now }

	sub := weekdays()
	sub.DaysOfWeek = []time.Weekday{time.Friday, time.Monday, time.Friday}
	got, err := e.Subscribe(context.Background(), sub)
	require.NoError(t, err)
	assert.Equal(t, "sub-1", got.ID)
	assert.Equal(t, models.SubscriptionActive, got.Status)
	assert.Equal(t, []time.Weekday{time.Monday, time.Friday}, api.created.DaysOfWeek)
	// same city, no coordinates: 10 km
	assert.Equal(t, 185.0, api.created.Fare)
}

func TestSubscribeRejectedBeforeSubmission(t *testing.T) {
	api := &fakeBackend{}
	e := NewEngine(api, nil, nil)
	e.Now = func() time.Time { return now }

	sub := weekdays()
	sub.DaysOfWeek = []time.Weekday{}
	_, err := e.Subscribe(context.Background(), sub)
	assert.ErrorIs(t, err, ErrEmptyDays)
	assert.Nil(t, api.created)
}

func TestCancel(t *testing.T) {
	api := &fakeBackend{}
	e := NewEngine(api, nil, nil)

	sub := weekdays()
	sub.ID, sub.Status = "sub-1", models.SubscriptionActive
	out, err := e.Cancel(context.Background(), sub)
	require.NoError(t, err)
	assert.Equal(t, "sub-1", api.cancelled)
	assert.Equal(t, "sub-1", out.ID)
	assert.Equal(t, models.SubscriptionCancelled, out.Status)

	for _, s := range []models.SubscriptionStatus{models.SubscriptionPaused, models.SubscriptionCancelled, models.SubscriptionExpired} {
		sub.Status = s
		_, err := e.Cancel(context.Background(), sub)
		assert.ErrorIs(t, err, ErrNotCancellable, s)
	}

	api.err = errors.New("boom")
	sub.Status = models.SubscriptionActive
	out, err = e.Cancel(context.Background(), sub)
	assert.Error(t, err)
	assert.Equal(t, models.SubscriptionActive, out.Status)
}

func TestApplyServerStatus(t *testing.T) {
	sub := weekdays()
	sub.Status = models.SubscriptionActive

	sub, err := ApplyServerStatus(sub, models.SubscriptionPaused)
	require.NoError(t, err)
	sub, err = ApplyServerStatus(sub, models.SubscriptionActive)
	require.NoError(t, err)
	sub, err = ApplyServerStatus(sub, models.SubscriptionExpired)
	require.NoError(t, err)

	_, err = ApplyServerStatus(sub, models.SubscriptionActive)
	assert.ErrorIs(t, err, ErrInvalidStatusChange)
	_, err = ApplyServerStatus(sub, "DELETED")
	assert.ErrorIs(t, err, ErrInvalidStatusChange)
}

func TestNextPickupAndOccurrences(t *testing.T) {
	sub := weekdays()
	sub.Status = models.SubscriptionActive

	next, ok := NextPickup(sub, now)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, time.October, 16, 9, 0, 0, 0, time.UTC), next, "today's 09:00 already passed")

	early := time.Date(2026, time.October, 14, 8, 0, 0, 0, time.UTC)
	next, _ = NextPickup(sub, early)
	assert.Equal(t, 14, next.Day())

	got := Occurrences(sub, now, time.Date(2026, time.October, 21, 23, 59, 0, 0, time.UTC), 0)
	require.Len(t, got, 3)
	assert.Equal(t, []int{16, 19, 21}, []int{got[0].Day(), got[1].Day(), got[2].Day()})
	assert.Len(t, Occurrences(sub, now, time.Time{}, 2), 2)

	_, ok = NextPickup(sub, time.Date(2026, time.October, 30, 10, 0, 0, 0, time.UTC))
	assert.False(t, ok, "no pickups after the window closes")

	sub.Status = models.SubscriptionPaused
	_, ok = NextPickup(sub, now)
	assert.False(t, ok)
}
