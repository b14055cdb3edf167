package tracker

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/example/ride-sync/internal/models"
	"github.com/example/ride-sync/internal/observability"
)

// pollInterval picks the tier: searching for a driver polls faster.
func (c *Coordinator) pollInterval() time.Duration {
	switch c.Snapshot().Status {
	case "", models.StatusPending:
		return c.opts.PollSearching
	default:
		return c.opts.PollActive
	}
}

// pollLoop fetches the full snapshot on every tick. A failed poll is simply
// retried on the next tick; the first poll happens immediately.
func (c *Coordinator) pollLoop(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		failures = c.pollOnce(ctx, failures)
		timer.Reset(c.pollInterval())
	}
}

func (c *Coordinator) pollOnce(ctx context.Context, failures int) int {
	pctx, cancel := context.WithTimeout(ctx, c.opts.PollTimeout)
	start := time.Now()
	snap, err := c.api.GetRide(pctx, c.rideID)
	cancel()
	observability.PollLatency.Observe(time.Since(start).Seconds())

	if err != nil {
		if ctx.Err() != nil {
			return failures
		}
		// the server answered; a payload we cannot read is dropped, not retried as an outage
		if errors.Is(err, models.ErrMalformedPayload) {
			observability.PollsTotal.WithLabelValues("malformed").Inc()
			c.logger.Warn("poll_dropped", "reason", "malformed", "error", err)
			return 0
		}
		failures++
		observability.PollsTotal.WithLabelValues("error").Inc()
		c.logger.Warn("poll_failed", "error", err, "consecutive_failures", failures)
		if failures == c.opts.FailureThreshold {
			c.logger.Error("poll_failures_escalated", "consecutive_failures", failures)
			c.enqueue(ctx, candidate{warn: true})
		}
		return failures
	}
	observability.PollsTotal.WithLabelValues("ok").Inc()
	if failures >= c.opts.FailureThreshold {
		c.logger.Info("poll_recovered", "after_failures", failures)
	}
	c.enqueue(ctx, candidate{req: models.TransitionRequest{Snapshot: snap, Source: models.SourcePoll}})
	return 0
}

// pushLoop keeps a push connection open, reconnecting with exponential
// backoff. Polling carries on regardless of the connection state.
func (c *Coordinator) pushLoop(ctx context.Context) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.BackoffInitial
	b.MaxInterval = c.opts.BackoffMax
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		stream, err := c.push.Connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("push_connect_failed", "error", err)
		} else {
			b.Reset()
			c.logger.Debug("push_connected")
			c.consume(ctx, stream)
			_ = stream.Close()
		}
		if ctx.Err() != nil {
			return
		}
		wait := b.NextBackOff()
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (c *Coordinator) consume(ctx context.Context, stream PushStream) {
	for {
		req, err := stream.Next()
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("push_disconnected", "error", err)
			}
			return
		}
		req.Source = models.SourcePush
		// the channel is keyed by rider, so it carries other rides too
		if req.Snapshot.ID != "" && req.Snapshot.ID != c.rideID {
			continue
		}
		c.enqueue(ctx, candidate{req: req})
	}
}
