// Package tracker owns the canonical state of one active ride.
//
// A Coordinator runs a poll loop and a push subscription side by side. Both
// only produce candidates; a single reconcile loop consumes them in arrival
// order, drops anything not newer than the canonical version, asks the
// lifecycle state machine to judge the edge and publishes what it accepts.
// Everything stops together once the ride reaches a terminal state.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/example/ride-sync/internal/lifecycle"
	"github.com/example/ride-sync/internal/logging"
	"github.com/example/ride-sync/internal/models"
	"github.com/example/ride-sync/internal/observability"
)

var (
	ErrStale   = errors.New("candidate is not newer than canonical state")
	ErrStopped = errors.New("coordinator stopped")
	ErrRunning = errors.New("coordinator already running")
)

// RideFetcher is the poll source.
type RideFetcher interface {
	GetRide(ctx context.Context, rideID string) (models.RideSnapshot, error)
}

// PushStream yields candidates from one push connection until it fails.
type PushStream interface {
	Next() (models.TransitionRequest, error)
	Close() error
}

// PushSource opens push connections. Connections must close when ctx ends.
type PushSource interface {
	Connect(ctx context.Context) (PushStream, error)
}

// Update is what subscribers see on every accepted transition.
type Update struct {
	Snapshot models.RideSnapshot `json:"snapshot"`
	From     models.Status       `json:"from,omitempty"`
	Source   models.Source       `json:"source,omitempty"`
	Intents  []lifecycle.Intent  `json:"intents"`
}

// Result reports what happened to a submitted request.
type Result struct {
	Applied  bool                `json:"applied"`
	Snapshot models.RideSnapshot `json:"snapshot"`
	Intents  []lifecycle.Intent  `json:"intents"`
}

type Options struct {
	PollSearching    time.Duration
	PollActive       time.Duration
	PollTimeout      time.Duration
	FailureThreshold int
	BackoffInitial   time.Duration
	BackoffMax       time.Duration
	SubscriberBuffer int
	Logger           *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.PollSearching <= 0 {
		o.PollSearching = 3 * time.Second
	}
	if o.PollActive <= 0 {
		o.PollActive = 5 * time.Second
	}
	if o.PollTimeout <= 0 {
		o.PollTimeout = 10 * time.Second
	}
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = 3
	}
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = time.Second
	}
	if o.BackoffMax < o.BackoffInitial {
		o.BackoffMax = 30 * time.Second
	}
	if o.SubscriberBuffer <= 0 {
		o.SubscriberBuffer = 16
	}
	o.Logger = logging.OrDefault(o.Logger)
	return o
}

type candidate struct {
	req   models.TransitionRequest
	warn  bool
	reply chan reply
}

type reply struct {
	res Result
	err error
}

type subscriber struct {
	ch   chan Update
	gone chan struct{}
	once sync.Once
}

type Coordinator struct {
	rideID string
	api    RideFetcher
	push   PushSource
	opts   Options
	logger *slog.Logger

	candidates chan candidate

	mu      sync.RWMutex
	current models.RideSnapshot
	seeded  bool
	subs    map[int]*subscriber
	nextSub int
	stopped bool

	runOnce  sync.Once
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// New creates a coordinator for initial.ID. If initial has no status the
// first accepted candidate becomes the baseline. push may be nil, in which
// case polling is the only channel.
func New(initial models.RideSnapshot, api RideFetcher, push PushSource, opts Options) *Coordinator {
	opts = opts.withDefaults()
	return &Coordinator{
		rideID:     initial.ID,
		api:        api,
		push:       push,
		opts:       opts,
		logger:     opts.Logger.With("ride_id", initial.ID),
		candidates: make(chan candidate),
		current:    initial,
		seeded:     initial.Status != "",
		subs:       make(map[int]*subscriber),
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}
}

func (c *Coordinator) RideID() string { return c.rideID }

// Snapshot returns the last published canonical snapshot.
func (c *Coordinator) Snapshot() models.RideSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Done is closed once the coordinator has torn down its loops.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// Stop tears the coordinator down, e.g. when the rider leaves the screen.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// Subscribe returns a channel of updates and a function to stop receiving.
// The channel is closed when the coordinator stops.
func (c *Coordinator) Subscribe() (<-chan Update, func()) {
	s := &subscriber{ch: make(chan Update, c.opts.SubscriberBuffer), gone: make(chan struct{})}
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		close(s.ch)
		return s.ch, func() {}
	}
	id := c.nextSub
	c.nextSub++
	c.subs[id] = s
	c.mu.Unlock()

	return s.ch, func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
		s.once.Do(func() { close(s.gone) })
	}
}

// Submit pushes a request through the same reconcile step the poll and push
// channels use and waits for its verdict. It never mutates state directly.
func (c *Coordinator) Submit(ctx context.Context, req models.TransitionRequest) (Result, error) {
	rc := make(chan reply, 1)
	select {
	case c.candidates <- candidate{req: req, reply: rc}:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-c.done:
		return Result{Snapshot: c.Snapshot()}, ErrStopped
	}
	select {
	case r := <-rc:
		return r.res, r.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Run blocks until the ride reaches a terminal state, Stop is called or ctx
// ends. It may only be called once.
func (c *Coordinator) Run(ctx context.Context) error {
	started := false
	c.runOnce.Do(func() { started = true })
	if !started {
		return ErrRunning
	}
	defer c.shutdown()

	if c.Snapshot().Status.Terminal() {
		return nil
	}

	observability.ActiveRides.Inc()
	defer observability.ActiveRides.Dec()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	c.logger.Info("tracking_started", "status", c.Snapshot().Status, "push", c.push != nil)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.reconcileLoop(gctx, cancel) })
	g.Go(func() error { c.pollLoop(gctx); return nil })
	if c.push != nil {
		g.Go(func() error { c.pushLoop(gctx); return nil })
	}
	err := g.Wait()
	c.logger.Info("tracking_stopped", "status", c.Snapshot().Status, "version", c.Snapshot().Version)
	return err
}

func (c *Coordinator) reconcileLoop(ctx context.Context, stop context.CancelFunc) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case cand := <-c.candidates:
			if cand.warn {
				c.publish(ctx, Update{Snapshot: c.Snapshot(), Intents: []lifecycle.Intent{{Kind: lifecycle.ShowConnectivityWarning, Message: "Having trouble reaching the server"}}})
				continue
			}
			res, err := c.reconcile(ctx, cand.req)
			if cand.reply != nil {
				cand.reply <- reply{res: res, err: err}
			}
			if res.Applied && res.Snapshot.Status.Terminal() {
				stop()
				return nil
			}
		}
	}
}

// reconcile is the only writer of canonical state.
func (c *Coordinator) reconcile(ctx context.Context, req models.TransitionRequest) (Result, error) {
	cur := c.Snapshot()
	src := string(req.Source)

	if req.Snapshot.ID == "" {
		req.Snapshot.ID = c.rideID
	}
	if req.Snapshot.ID != c.rideID {
		observability.TransitionsTotal.WithLabelValues(src, "mismatch").Inc()
		return Result{Snapshot: cur}, lifecycle.ErrRideMismatch
	}
	if req.Source == models.SourcePush && !req.Snapshot.Keyed() {
		if req.Snapshot.Status == cur.Status {
			if req.Notice != "" {
				return c.notice(ctx, cur, req.Notice), nil
			}
			observability.TransitionsTotal.WithLabelValues(src, "stale").Inc()
			return Result{Snapshot: cur}, ErrStale
		}
		req.Snapshot = req.Snapshot.After(cur)
	}

	c.mu.RLock()
	seeded := c.seeded
	c.mu.RUnlock()

	var (
		out lifecycle.Outcome
		err error
	)
	if !seeded {
		out, err = lifecycle.Seed(req)
	} else {
		if !req.Snapshot.Newer(cur) {
			observability.TransitionsTotal.WithLabelValues(src, "stale").Inc()
			c.logger.Debug("transition_dropped", "source", src, "version", req.Snapshot.Version, "canonical_version", cur.Version, "reason", "stale")
			return Result{Snapshot: cur}, staleError(req.Snapshot, cur)
		}
		out, err = lifecycle.Apply(cur, req)
	}
	if err != nil {
		observability.TransitionsTotal.WithLabelValues(src, "rejected").Inc()
		c.logger.Debug("transition_dropped", "source", src, "from", cur.Status, "to", req.Target(), "version", req.Snapshot.Version, "error", err)
		return Result{Snapshot: cur}, err
	}

	c.mu.Lock()
	c.current = out.Snapshot
	c.seeded = true
	c.mu.Unlock()

	observability.TransitionsTotal.WithLabelValues(src, "applied").Inc()
	c.logger.Info("transition_applied", "source", src, "from", out.From, "to", out.To, "version", out.Snapshot.Version, "refresh", out.Refresh)

	c.publish(ctx, Update{Snapshot: out.Snapshot, From: out.From, Source: req.Source, Intents: out.Intents})
	return Result{Applied: true, Snapshot: out.Snapshot, Intents: out.Intents}, nil
}

// notice shows a push message that names no new state, such as a driver
// declining during search. Canonical state is untouched and the update has
// no source, so journalling sinks skip it.
func (c *Coordinator) notice(ctx context.Context, cur models.RideSnapshot, msg string) Result {
	intents := []lifecycle.Intent{{Kind: lifecycle.ShowNotice, Message: msg}}
	observability.TransitionsTotal.WithLabelValues(string(models.SourcePush), "notice").Inc()
	c.logger.Info("notice_published", "status", cur.Status, "version", cur.Version)
	c.publish(ctx, Update{Snapshot: cur, Intents: intents})
	return Result{Snapshot: cur, Intents: intents}
}

func staleError(cand, cur models.RideSnapshot) error {
	if cand.Version != 0 || cur.Version != 0 {
		return fmt.Errorf("%w: %d <= %d", ErrStale, cand.Version, cur.Version)
	}
	return fmt.Errorf("%w: updated_at %s <= %s", ErrStale, cand.UpdatedAt.Format(time.RFC3339Nano), cur.UpdatedAt.Format(time.RFC3339Nano))
}

// publish blocks on slow subscribers so no intent is lost, but gives up when
// the subscriber leaves or the coordinator stops.
func (c *Coordinator) publish(ctx context.Context, u Update) {
	c.mu.RLock()
	subs := make([]*subscriber, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.RUnlock()

	for _, s := range subs {
		select {
		case s.ch <- u:
		case <-s.gone:
		case <-ctx.Done():
			return
		}
	}
}

// enqueue hands a candidate to the reconcile loop without waiting for a verdict.
func (c *Coordinator) enqueue(ctx context.Context, cand candidate) {
	select {
	case c.candidates <- cand:
	case <-ctx.Done():
	}
}

func (c *Coordinator) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.stopped = true
	for id, s := range c.subs {
		close(s.ch)
		delete(c.subs, id)
	}
	close(c.done)
}
