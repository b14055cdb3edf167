package tracker

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/example/ride-sync/internal/lifecycle"
	"github.com/example/ride-sync/internal/logging"
	"github.com/example/ride-sync/internal/models"
)

// fakeAPI serves whatever snapshot (or error) it was last given.
type fakeAPI struct {
	mu    sync.Mutex
	snap  models.RideSnapshot
	err   error
	calls int
}

func (f *fakeAPI) GetRide(ctx context.Context, id string) (models.RideSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return models.RideSnapshot{}, f.err
	}
	return f.snap, nil
}

func (f *fakeAPI) set(s models.RideSnapshot, err error) {
	f.mu.Lock()
	f.snap, f.err = s, err
	f.mu.Unlock()
}

func (f *fakeAPI) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeStream struct {
	events chan models.TransitionRequest
	closed chan struct{}
	once   sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{events: make(chan models.TransitionRequest), closed: make(chan struct{})}
}

func (s *fakeStream) Next() (models.TransitionRequest, error) {
	select {
	case ev, ok := <-s.events:
		if !ok {
			return models.TransitionRequest{}, io.EOF
		}
		return ev, nil
	case <-s.closed:
		return models.TransitionRequest{}, errors.New("closed")
	}
}

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeStream) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// fakePush fails the first failFirst connects, then hands out streams.
type fakePush struct {
	failFirst int32
	attempts  atomic.Int32
	streams   chan *fakeStream
	connected chan struct{}
}

func newFakePush(failFirst int32, streams ...*fakeStream) *fakePush {
	p := &fakePush{failFirst: failFirst, streams: make(chan *fakeStream, len(streams)), connected: make(chan struct{}, len(streams))}
	for _, s := range streams {
		p.streams <- s
	}
	return p
}

func (p *fakePush) Connect(ctx context.Context) (PushStream, error) {
	n := p.attempts.Add(1)
	if n <= p.failFirst {
		return nil, errors.New("connection refused")
	}
	select {
	case s := <-p.streams:
		p.connected <- struct{}{}
		go func() {
			select {
			case <-ctx.Done():
				_ = s.Close()
			case <-s.closed:
			}
		}()
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func snapshot(status models.Status, version int64) models.RideSnapshot {
	return models.RideSnapshot{ID: "r1", Status: status, Version: version}
}

func fastOpts() Options {
	return Options{
		PollSearching:    10 * time.Millisecond,
		PollActive:       10 * time.Millisecond,
		PollTimeout:      50 * time.Millisecond,
		FailureThreshold: 3,
		BackoffInitial:   5 * time.Millisecond,
		BackoffMax:       20 * time.Millisecond,
		Logger:           logging.Discard(),
	}
}

// start runs c in the background and stops it when the test ends.
func start(t *testing.T, c *Coordinator) <-chan error {
	t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- c.Run(context.Background()) }()
	t.Cleanup(func() {
		c.Stop()
		select {
		case <-c.Done():
		case <-time.After(2 * time.Second):
			t.Error("coordinator did not stop")
		}
	})
	return errc
}

// drain reads updates until the channel closes or d elapses.
func drain(ch <-chan Update, d time.Duration) []Update {
	var out []Update
	timeout := time.After(d)
	for {
		select {
		case u, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, u)
		case <-timeout:
			return out
		}
	}
}

// waitFor reads updates until one carries kind.
func waitFor(t *testing.T, ch <-chan Update, kind lifecycle.Kind) Update {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case u, ok := <-ch:
			if !ok {
				t.Fatalf("updates closed before %s", kind)
			}
			for _, in := range u.Intents {
				if in.Kind == kind {
					return u
				}
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

func countIntents(updates []Update, kind lifecycle.Kind) int {
	n := 0
	for _, u := range updates {
		for _, in := range u.Intents {
			if in.Kind == kind {
				n++
			}
		}
	}
	return n
}
