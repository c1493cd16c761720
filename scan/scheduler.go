package scan

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/timzifer/pvcore/pv"
	"github.com/timzifer/pvcore/telemetry"
)

// DefaultWorkers bounds the number of concurrent refreshes per tick.
const DefaultWorkers = 4

// idleWait is how long Run sleeps when nothing is scheduled.
const idleWait = time.Minute

// Refresher runs the read path of a PV. driver.Registry implements it.
type Refresher interface {
	Refresh(ctx context.Context, name string) error
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger used for refresh failures.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithTelemetry sets the metrics collector.
func WithTelemetry(collector telemetry.Collector) Option {
	return func(s *Scheduler) {
		if collector != nil {
			s.telemetry = collector
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithWorkers sets the maximum number of concurrent refreshes.
func WithWorkers(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithTimeout bounds each refresh call. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d >= 0 {
			s.timeout = d
		}
	}
}

type item struct {
	name   string
	period time.Duration
	due    time.Time
	index  int
}

type timeline []*item

func (t timeline) Len() int { return len(t) }

func (t timeline) Less(i, j int) bool {
	if t[i].due.Equal(t[j].due) {
		return t[i].name < t[j].name
	}
	return t[i].due.Before(t[j].due)
}

func (t timeline) Swap(i, j int) {
	t[i], t[j] = t[j], t[i]
	t[i].index = i
	t[j].index = j
}

func (t *timeline) Push(x any) {
	it := x.(*item)
	it.index = len(*t)
	*t = append(*t, it)
}

func (t *timeline) Pop() any {
	old := *t
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*t = old[:n-1]
	return it
}

// Scheduler refreshes PVs periodically. Each scanned PV appears exactly once
// on the timeline; a refresh reschedules it to now+period so missed ticks are
// skipped rather than replayed.
type Scheduler struct {
	refresher Refresher
	logger    zerolog.Logger
	telemetry telemetry.Collector
	now       func() time.Time
	workers   int
	timeout   time.Duration

	mu    sync.Mutex
	items map[string]*item
	queue timeline
	wake  chan struct{}
}

// New builds a scheduler that refreshes due PVs through refresher.
func New(refresher Refresher, opts ...Option) *Scheduler {
	s := &Scheduler{
		refresher: refresher,
		logger:    zerolog.Nop(),
		telemetry: telemetry.Noop(),
		now:       time.Now,
		workers:   DefaultWorkers,
		items:     make(map[string]*item),
		wake:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "scan").Logger()
	return s
}

// Add schedules name to be refreshed every period, the first time one period
// from now. Adding a scheduled PV replaces its period; a non-positive period
// removes it.
func (s *Scheduler) Add(name string, period time.Duration) {
	if period <= 0 {
		s.Remove(name)
		return
	}
	s.mu.Lock()
	if it, ok := s.items[name]; ok {
		it.period = period
		s.mu.Unlock()
		return
	}
	it := &item{name: name, period: period, due: s.now().Add(period)}
	s.items[name] = it
	heap.Push(&s.queue, it)
	s.mu.Unlock()
	s.signal()
}

// Remove drops name from the timeline.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[name]
	if !ok {
		return
	}
	delete(s.items, name)
	heap.Remove(&s.queue, it.index)
}

// Len returns the number of scheduled PVs.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// NextDue returns the earliest due time.
func (s *Scheduler) NextDue() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return time.Time{}, false
	}
	return s.queue[0].due, true
}

// Tick refreshes every PV due at now and returns the number of failures.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) int {
	due := s.popDue(now)
	if len(due) == 0 {
		s.telemetry.ObserveScan(0, 0)
		return 0
	}
	start := time.Now()
	failures, aborted := runWorkerPool(ctx, s.workers, due, s.refresh)
	s.telemetry.ObserveScan(len(due), time.Since(start))
	if aborted {
		s.logger.Debug().Int("due", len(due)).Msg("scan tick aborted")
	}
	return failures
}

// popDue reschedules due entries to now+period and returns their names.
func (s *Scheduler) popDue(now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []string
	for len(s.queue) > 0 && !s.queue[0].due.After(now) {
		it := s.queue[0]
		due = append(due, it.name)
		it.due = now.Add(it.period)
		heap.Fix(&s.queue, 0)
	}
	return due
}

func (s *Scheduler) refresh(ctx context.Context, name string) int {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	err := s.refresher.Refresh(ctx, name)
	if err == nil {
		return 0
	}
	if errors.Is(err, pv.ErrUnknownPV) {
		s.Remove(name)
	}
	s.telemetry.IncScanFailure(name)
	s.logger.Warn().Err(err).Str("pv", name).Msg("scan refresh failed")
	return 1
}

// Run ticks whenever the earliest entry is due until ctx ends.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		wait := idleWait
		if next, ok := s.NextDue(); ok {
			wait = next.Sub(s.now())
			if wait < 0 {
				wait = 0
			}
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
			s.Tick(ctx, s.now())
		}
	}
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
