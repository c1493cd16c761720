package scan

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/timzifer/pvcore/pv"
)

type recordingRefresher struct {
	mu     sync.Mutex
	calls  map[string]int
	failOn map[string]error
}

func newRecordingRefresher() *recordingRefresher {
	return &recordingRefresher{calls: make(map[string]int), failOn: make(map[string]error)}
}

func (r *recordingRefresher) Refresh(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[name]++
	return r.failOn[name]
}

func (r *recordingRefresher) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[name]
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func TestTickRefreshesDueEntriesAndSkipsMissedTicks(t *testing.T) {
	t0 := time.Unix(1000, 0)
	clock := &fakeClock{now: t0}
	refresher := newRecordingRefresher()
	s := New(refresher, WithClock(clock.Now))
	ctx := context.Background()

	s.Add("TEMP", 5*time.Second)
	require.Equal(t, 1, s.Len())
	next, ok := s.NextDue()
	require.True(t, ok)
	require.Equal(t, t0.Add(5*time.Second), next)

	require.Zero(t, s.Tick(ctx, t0))
	require.Zero(t, refresher.count("TEMP"))

	s.Tick(ctx, t0.Add(4*time.Second))
	require.Zero(t, refresher.count("TEMP"))

	s.Tick(ctx, t0.Add(5*time.Second))
	require.Equal(t, 1, refresher.count("TEMP"))

	late := t0.Add(60 * time.Second)
	s.Tick(ctx, late)
	require.Equal(t, 2, refresher.count("TEMP"))
	next, ok = s.NextDue()
	require.True(t, ok)
	require.Equal(t, late.Add(5*time.Second), next)
	require.Equal(t, 1, s.Len())
}

func TestAddUsesCurrentClock(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	s := New(newRecordingRefresher(), WithClock(clock.Now))
	s.Add("A", time.Second)
	clock.Set(time.Unix(2000, 0))
	s.Add("B", 3*time.Second)

	next, ok := s.NextDue()
	require.True(t, ok)
	require.Equal(t, time.Unix(1001, 0), next)
	s.Remove("A")
	next, ok = s.NextDue()
	require.True(t, ok)
	require.Equal(t, time.Unix(2003, 0), next)
}

func TestTickOrdersByDueTime(t *testing.T) {
	t0 := time.Unix(0, 0)
	clock := &fakeClock{now: t0}
	refresher := newRecordingRefresher()
	s := New(refresher, WithClock(clock.Now), WithWorkers(1))
	ctx := context.Background()

	s.Add("FAST", 100*time.Millisecond)
	s.Add("SLOW", time.Second)
	s.Tick(ctx, t0)

	for step := 1; step <= 10; step++ {
		s.Tick(ctx, t0.Add(time.Duration(step)*100*time.Millisecond))
	}
	require.Equal(t, 10, refresher.count("FAST"))
	require.Equal(t, 1, refresher.count("SLOW"))
}

func TestFailuresDoNotStopOtherEntries(t *testing.T) {
	t0 := time.Unix(0, 0)
	refresher := newRecordingRefresher()
	refresher.failOn["BROKEN"] = errors.New("device gone")
	s := New(refresher, WithClock(func() time.Time { return t0 }))

	s.Add("BROKEN", time.Second)
	s.Add("OK", time.Second)
	require.Equal(t, 1, s.Tick(context.Background(), t0.Add(time.Second)))
	require.Equal(t, 1, refresher.count("OK"))
	require.Equal(t, 2, s.Len())

	require.Equal(t, 1, s.Tick(context.Background(), t0.Add(2*time.Second)))
	require.Equal(t, 2, refresher.count("BROKEN"))
}

func TestUnknownPVIsDropped(t *testing.T) {
	t0 := time.Unix(0, 0)
	refresher := newRecordingRefresher()
	refresher.failOn["GONE"] = &pv.UnknownPVError{Name: "GONE"}
	s := New(refresher, WithClock(func() time.Time { return t0 }))
	s.Add("GONE", time.Second)
	require.Equal(t, 1, s.Tick(context.Background(), t0.Add(time.Second)))
	require.Zero(t, s.Len())
}

func TestAddRemoveKeepsSingleEntry(t *testing.T) {
	t0 := time.Unix(0, 0)
	s := New(newRecordingRefresher(), WithClock(func() time.Time { return t0 }))
	s.Add("A", time.Second)
	s.Add("A", 2*time.Second)
	s.Add("B", time.Second)
	require.Equal(t, 2, s.Len())

	s.Remove("A")
	s.Remove("A")
	require.Equal(t, 1, s.Len())

	s.Add("B", 0)
	require.Zero(t, s.Len())
	_, ok := s.NextDue()
	require.False(t, ok)
}

func TestWorkerPoolBoundsConcurrency(t *testing.T) {
	var active, peak atomic.Int32
	release := make(chan struct{})
	var started sync.WaitGroup
	items := []string{"A", "B", "C", "D", "E", "F"}
	started.Add(3)

	done := make(chan int)
	go func() {
		failures, _ := runWorkerPool(context.Background(), 3, items, func(ctx context.Context, name string) int {
			n := active.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			if n <= 3 && name < "D" {
				started.Done()
			}
			<-release
			active.Add(-1)
			if name == "F" {
				return 1
			}
			return 0
		})
		done <- failures
	}()

	started.Wait()
	close(release)
	require.Equal(t, 1, <-done)
	require.LessOrEqual(t, peak.Load(), int32(3))
}

func TestRunRefreshesUntilCancelled(t *testing.T) {
	refresher := newRecordingRefresher()
	s := New(refresher)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Run(ctx)
	}()

	s.Add("TICK", 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return refresher.count("TICK") >= 3
	}, 2*time.Second, time.Millisecond)

	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)
}

func TestRefreshTimeoutIsApplied(t *testing.T) {
	t0 := time.Unix(0, 0)
	var deadline atomic.Bool
	s := New(refresherFunc(func(ctx context.Context, name string) error {
		_, ok := ctx.Deadline()
		deadline.Store(ok)
		return nil
	}), WithClock(func() time.Time { return t0 }), WithTimeout(time.Second))
	s.Add("X", time.Second)
	s.Tick(context.Background(), t0.Add(time.Second))
	require.True(t, deadline.Load())
}

type refresherFunc func(ctx context.Context, name string) error

func (f refresherFunc) Refresh(ctx context.Context, name string) error {
	return f(ctx, name)
}
