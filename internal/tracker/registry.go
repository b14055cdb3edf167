package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-sync/internal/logging"
	"github.com/example/ride-sync/internal/models"
	"github.com/example/ride-sync/internal/push"
)

// Sink receives every accepted update after it has been published.
type Sink interface {
	Publish(ctx context.Context, u Update) error
}

// Registry guarantees at most one coordinator per ride id and fans updates
// out to sinks off the reconcile path.
type Registry struct {
	API    RideFetcher
	Push   PushSource
	Opts   Options
	Sinks  []Sink
	Logger *slog.Logger

	mu     sync.Mutex
	active map[string]*Coordinator
	wg     sync.WaitGroup
}

func NewRegistry(api RideFetcher, pushSrc PushSource, opts Options, sinks ...Sink) *Registry {
	return &Registry{API: api, Push: pushSrc, Opts: opts, Sinks: sinks, Logger: opts.Logger, active: make(map[string]*Coordinator)}
}

// Track returns the running coordinator for initial.ID or starts one bound
// to ctx. The bool is true when a new coordinator was started.
func (r *Registry) Track(ctx context.Context, initial models.RideSnapshot) (*Coordinator, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		r.active = make(map[string]*Coordinator)
	}
	if c, ok := r.active[initial.ID]; ok {
		return c, false
	}
	c := New(initial, r.API, r.Push, r.Opts)
	r.active[initial.ID] = c

	updates, _ := c.Subscribe()
	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		r.fanout(ctx, updates)
	}()
	go func() {
		defer r.wg.Done()
		if err := c.Run(ctx); err != nil {
			logging.OrDefault(r.Logger).Error("tracking_failed", "ride_id", initial.ID, "error", err)
		}
		r.mu.Lock()
		if r.active[initial.ID] == c {
			delete(r.active, initial.ID)
		}
		r.mu.Unlock()
	}()
	return c, true
}

func (r *Registry) Get(rideID string) (*Coordinator, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.active[rideID]
	return c, ok
}

// Stop tears down the coordinator for rideID if one is running.
func (r *Registry) Stop(rideID string) {
	if c, ok := r.Get(rideID); ok {
		c.Stop()
	}
}

// Close stops every coordinator and waits for them and their sinks.
func (r *Registry) Close() {
	r.mu.Lock()
	for _, c := range r.active {
		c.Stop()
	}
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Registry) fanout(ctx context.Context, updates <-chan Update) {
	logger := logging.OrDefault(r.Logger)
	for u := range updates {
		for _, s := range r.Sinks {
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			if err := s.Publish(sctx, u); err != nil {
				logger.Warn("sink_publish_failed", "ride_id", u.Snapshot.ID, "sink", fmt.Sprintf("%T", s), "error", err)
			}
			cancel()
		}
	}
}

// FromDialer adapts a push.Dialer to PushSource.
func FromDialer(d *push.Dialer) PushSource { return dialerSource{d: d} }

type dialerSource struct{ d *push.Dialer }

func (s dialerSource) Connect(ctx context.Context) (PushStream, error) {
	st, err := s.d.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// SinkFunc lets a plain function act as a Sink.
type SinkFunc func(ctx context.Context, u Update) error

func (f SinkFunc) Publish(ctx context.Context, u Update) error { return f(ctx, u) }
