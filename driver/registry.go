package driver

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/timzifer/pvcore/alarm"
	"github.com/timzifer/pvcore/pv"
	"github.com/timzifer/pvcore/telemetry"
)

// Definition describes a PV to register.
type Definition struct {
	pv.Info
	// ScanPeriod refreshes the PV periodically through its Reader. Zero
	// disables scanning.
	ScanPeriod time.Duration
	// Initial is committed at registration; nil leaves the PV undefined.
	Initial interface{}
	// Handler optionally implements Reader and/or Writer.
	Handler interface{}
}

// NotifyFunc receives committed snapshots in commit order.
type NotifyFunc func(pv.Snapshot)

// SubscriptionID identifies a subscription returned by Subscribe.
type SubscriptionID uint64

// Scanner tracks scanned PVs. scan.Scheduler implements it.
type Scanner interface {
	Add(name string, period time.Duration)
	Remove(name string)
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger used for handler failures and protocol errors.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithTelemetry sets the metrics collector.
func WithTelemetry(collector telemetry.Collector) Option {
	return func(r *Registry) {
		if collector != nil {
			r.telemetry = collector
		}
	}
}

// WithClock overrides the time source used for commit timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithRetiredTokens sets how many finished tokens are remembered.
func WithRetiredTokens(n int) Option {
	return func(r *Registry) {
		r.retired = n
	}
}

type subscription struct {
	id     SubscriptionID
	client ClientID
	fn     NotifyFunc
}

type parkedOp struct {
	apply func() (pv.Snapshot, error)
	after func(pv.Snapshot, error)
}

type entry struct {
	record *pv.Record
	reader Reader
	writer Writer
	scan   time.Duration

	// lock serializes handler calls, commits and notifications of the PV.
	lock    sync.Mutex
	removed bool

	// While a handler runs, commits to the PV are parked instead of waiting
	// for lock, and applied in arrival order once the handler returns.
	parkMu sync.Mutex
	busy   bool
	parked []parkedOp

	subsMu sync.Mutex
	subs   []subscription
}

// Registry owns the registered PVs and mediates between the protocol engine,
// application handlers and subscribers.
//
// Every operation on a PV runs under that PV's lock, so commits and the
// resulting notifications form a single order observed by all subscribers.
// Operations on different PVs never block each other. Handlers may post to
// their own PV or complete its tokens; such commits are applied right after
// the handler returns. Subscriber callbacks run with the lock held and must
// not call back into the registry for the same PV.
type Registry struct {
	logger    zerolog.Logger
	telemetry telemetry.Collector
	now       func() time.Time
	retired   int

	mu      sync.RWMutex
	entries map[string]*entry
	scanner Scanner

	completions *Completions
	nextSub     atomic.Uint64
}

// NewRegistry builds an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		logger:    zerolog.Nop(),
		telemetry: telemetry.Noop(),
		now:       time.Now,
		retired:   DefaultRetiredTokens,
		entries:   make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With().Str("component", "registry").Logger()
	r.completions = newCompletions(r, r.retired, r.logger, r.telemetry)
	return r
}

// Completions returns the asynchronous write table.
func (r *Registry) Completions() *Completions {
	return r.completions
}

// AttachScanner hands scanned PVs to s, including those already registered.
func (r *Registry) AttachScanner(s Scanner) {
	r.mu.Lock()
	r.scanner = s
	scanned := make(map[string]time.Duration)
	for name, e := range r.entries {
		if e.scan > 0 {
			scanned[name] = e.scan
		}
	}
	r.mu.Unlock()
	for name, period := range scanned {
		s.Add(name, period)
	}
}

// Register creates the record for def. The returned record is a read handle;
// updates go through Post so that subscribers are notified.
func (r *Registry) Register(def Definition) (*pv.Record, error) {
	if def.ScanPeriod < 0 {
		return nil, &pv.ConfigurationError{PV: def.Name, Reason: "scan period must not be negative"}
	}
	record, err := pv.NewRecord(def.Info)
	if err != nil {
		return nil, err
	}
	reader, writer, err := resolveHandler(def.Name, def.Handler)
	if err != nil {
		return nil, err
	}
	if def.Initial != nil {
		if _, err := record.Apply(def.Initial, r.now()); err != nil {
			return nil, &pv.ConfigurationError{PV: def.Name, Reason: fmt.Sprintf("initial value: %v", err)}
		}
	}
	e := &entry{record: record, reader: reader, writer: writer, scan: def.ScanPeriod}

	r.mu.Lock()
	if _, exists := r.entries[def.Name]; exists {
		r.mu.Unlock()
		return nil, &pv.ConfigurationError{PV: def.Name, Reason: "already registered"}
	}
	r.entries[def.Name] = e
	scanner := r.scanner
	r.mu.Unlock()

	if scanner != nil && e.scan > 0 {
		scanner.Add(def.Name, e.scan)
	}
	r.logger.Debug().Str("pv", def.Name).Str("type", string(record.Info().Type)).Int("count", record.Info().Count).Msg("pv registered")
	return record, nil
}

func resolveHandler(name string, handler interface{}) (Reader, Writer, error) {
	switch h := handler.(type) {
	case nil:
		return nil, nil, nil
	case Handler:
		return handlerFuncs(h)
	case *Handler:
		if h == nil {
			return nil, nil, nil
		}
		return handlerFuncs(*h)
	}
	reader, isReader := handler.(Reader)
	writer, isWriter := handler.(Writer)
	if !isReader && !isWriter {
		return nil, nil, &pv.ConfigurationError{PV: name, Reason: fmt.Sprintf("handler %T implements neither Reader nor Writer", handler)}
	}
	return reader, writer, nil
}

func handlerFuncs(h Handler) (Reader, Writer, error) {
	var reader Reader
	var writer Writer
	if h.OnRead != nil {
		reader = h.OnRead
	}
	if h.OnWrite != nil {
		writer = h.OnWrite
	}
	return reader, writer, nil
}

// Deregister removes a PV together with its subscriptions, pending tokens and
// scan entry.
func (r *Registry) Deregister(name string) error {
	r.mu.Lock()
	e, ok := r.entries[name]
	if ok {
		delete(r.entries, name)
	}
	scanner := r.scanner
	r.mu.Unlock()
	if !ok {
		return &pv.UnknownPVError{Name: name}
	}

	e.lock.Lock()
	e.removed = true
	e.lock.Unlock()

	e.subsMu.Lock()
	e.subs = nil
	e.subsMu.Unlock()

	cancelled := r.completions.CancelPV(name)
	if scanner != nil && e.scan > 0 {
		scanner.Remove(name)
	}
	r.logger.Debug().Str("pv", name).Int("cancelled", cancelled).Msg("pv deregistered")
	return nil
}

func (r *Registry) lookup(name string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, &pv.UnknownPVError{Name: name}
	}
	return e, nil
}

// Describe returns the metadata of a PV.
func (r *Registry) Describe(name string) (pv.Info, error) {
	e, err := r.lookup(name)
	if err != nil {
		return pv.Info{}, err
	}
	return e.record.Info(), nil
}

// Names returns the registered PV names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Peek returns the cached snapshot without calling the read handler.
func (r *Registry) Peek(name string) (pv.Snapshot, error) {
	e, err := r.lookup(name)
	if err != nil {
		return pv.Snapshot{}, err
	}
	return e.record.Snapshot(), nil
}

// Read returns the current snapshot. PVs with a Reader are refreshed first;
// a failing handler leaves the PV unchanged.
func (r *Registry) Read(ctx context.Context, name string) (pv.Snapshot, error) {
	e, err := r.lookup(name)
	if err != nil {
		return pv.Snapshot{}, err
	}
	if e.reader == nil {
		return e.record.Snapshot(), nil
	}
	snap, after, err := r.read(ctx, e)
	runAll(after)
	return snap, err
}

func (r *Registry) read(ctx context.Context, e *entry) (pv.Snapshot, []func(), error) {
	e.lock.Lock()
	defer e.lock.Unlock()
	if e.removed {
		return pv.Snapshot{}, nil, &pv.UnknownPVError{Name: e.record.Name()}
	}
	var value interface{}
	var err error
	after := r.runHandler(e, func() { value, err = r.callRead(ctx, e) })
	if err != nil {
		return pv.Snapshot{}, after, err
	}
	snap, err := r.applyLocked(e, value)
	return snap, after, err
}

// Refresh runs the read path for the scan scheduler.
func (r *Registry) Refresh(ctx context.Context, name string) error {
	_, err := r.Read(ctx, name)
	return err
}

// Write handles a client write. The value is validated before the handler
// sees it; a PV without a Writer commits it directly.
func (r *Registry) Write(ctx context.Context, name string, value interface{}, req Request) (WriteOutcome, error) {
	e, err := r.lookup(name)
	if err != nil {
		return WriteOutcome{}, err
	}
	converted, err := e.record.Convert(value)
	if err != nil {
		r.telemetry.IncWrite(name, "invalid")
		return WriteOutcome{}, err
	}
	outcome, after, err := r.write(ctx, e, converted, req)
	runAll(after)
	if err != nil {
		r.telemetry.IncWrite(name, "error")
		return WriteOutcome{}, err
	}
	r.telemetry.IncWrite(name, outcome.Outcome.String())
	return outcome, nil
}

// write runs the write path under the PV lock. The returned functions finish
// completions and must run after the lock is released.
func (r *Registry) write(ctx context.Context, e *entry, value interface{}, req Request) (WriteOutcome, []func(), error) {
	e.lock.Lock()
	defer e.lock.Unlock()
	name := e.record.Name()
	if e.removed {
		return WriteOutcome{}, nil, &pv.UnknownPVError{Name: name}
	}
	if e.writer == nil {
		snap, err := r.applyLocked(e, value)
		if err != nil {
			return WriteOutcome{}, nil, err
		}
		return WriteOutcome{Outcome: OutcomeCompleted, Snapshot: snap}, nil, nil
	}

	wreq := &WriteRequest{
		PV:          name,
		Value:       value,
		Client:      req.Client,
		Current:     e.record.Snapshot(),
		completions: r.completions,
		done:        req.Done,
	}
	var res WriteResult
	var err error
	after := r.runHandler(e, func() { res, err = r.callWrite(ctx, e, wreq) })
	if err != nil {
		return WriteOutcome{}, r.dropToken(after, wreq.token), err
	}

	switch res.outcome {
	case OutcomeCompleted:
		after = r.dropToken(after, wreq.token)
		commit := value
		if res.hasValue {
			commit = res.value
		}
		snap, err := r.applyLocked(e, commit)
		if err != nil {
			return WriteOutcome{}, after, err
		}
		return WriteOutcome{Outcome: OutcomeCompleted, Snapshot: snap}, after, nil
	case OutcomeRejected:
		after = r.dropToken(after, wreq.token)
		return WriteOutcome{Outcome: OutcomeRejected, Reason: res.reason}, after, nil
	case OutcomePending:
		if wreq.token == "" || res.token != wreq.token {
			after = r.dropToken(after, wreq.token)
			return WriteOutcome{}, after, r.completions.protocolError(res.token, name, ReasonPendingWithoutToken)
		}
		if p := r.completions.arm(wreq.token); p != nil {
			after = append(after, func() {
				if err := r.completions.finish(p, p.result); err != nil {
					r.logger.Warn().Err(err).Str("pv", name).Str("token", string(p.token)).Msg("early completion failed")
				}
			})
		}
		return WriteOutcome{Outcome: OutcomePending, Token: wreq.token}, after, nil
	default:
		after = r.dropToken(after, wreq.token)
		return WriteOutcome{}, after, &pv.ProtocolError{PV: name, Reason: fmt.Sprintf("invalid write outcome %d", res.outcome)}
	}
}

func (r *Registry) dropToken(after []func(), token Token) []func() {
	if fn := r.completions.discard(token); fn != nil {
		return append(after, fn)
	}
	return after
}

// runHandler calls fn with e marked busy, then applies the commits parked
// meanwhile. Their callbacks are returned for the caller to run once e.lock
// is released. Callers hold e.lock.
func (r *Registry) runHandler(e *entry, fn func()) []func() {
	e.parkMu.Lock()
	e.busy = true
	e.parkMu.Unlock()

	fn()

	e.parkMu.Lock()
	parked := e.parked
	e.parked = nil
	e.busy = false
	e.parkMu.Unlock()

	var after []func()
	for _, op := range parked {
		snap, err := op.apply()
		if err != nil {
			r.logger.Warn().Err(err).Str("pv", e.record.Name()).Msg("parked commit failed")
		}
		if op.after != nil {
			done := op.after
			after = append(after, func() { done(snap, err) })
		}
	}
	return after
}

// park queues op if a handler of e is running and reports whether it did.
func (e *entry) park(op parkedOp) bool {
	e.parkMu.Lock()
	defer e.parkMu.Unlock()
	if !e.busy {
		return false
	}
	e.parked = append(e.parked, op)
	return true
}

func runAll(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}

// Post commits an application-side value and notifies subscribers. While a
// handler of the PV is running, for instance when a handler posts to its own
// PV, the value is applied once the handler returns and the returned snapshot
// does not include it yet.
func (r *Registry) Post(name string, value interface{}) (pv.Snapshot, error) {
	snap, _, err := r.commit(name, value, nil)
	return snap, err
}

// SetAlarm overrides the alarm state of a PV until its next value commit.
func (r *Registry) SetAlarm(name string, severity alarm.Severity, status alarm.Status) (pv.Snapshot, error) {
	if !severity.Valid() || !status.Valid() {
		return pv.Snapshot{}, fmt.Errorf("pv %s: invalid alarm state %d/%d", name, severity, status)
	}
	e, err := r.lookup(name)
	if err != nil {
		return pv.Snapshot{}, err
	}
	state := alarm.State{Severity: severity, Status: status}
	if e.park(parkedOp{apply: func() (pv.Snapshot, error) { return r.setAlarmLocked(e, state), nil }}) {
		return e.record.Snapshot(), nil
	}
	e.lock.Lock()
	defer e.lock.Unlock()
	if e.removed {
		return pv.Snapshot{}, &pv.UnknownPVError{Name: name}
	}
	return r.setAlarmLocked(e, state), nil
}

func (r *Registry) setAlarmLocked(e *entry, state alarm.State) pv.Snapshot {
	changed := e.record.SetAlarm(state, r.now())
	snap := e.record.Snapshot()
	if changed {
		r.notifyLocked(e, snap)
	}
	return snap
}

// Subscribe registers fn for committed updates of a PV on behalf of client.
func (r *Registry) Subscribe(name string, client ClientID, fn NotifyFunc) (SubscriptionID, error) {
	if fn == nil {
		return 0, fmt.Errorf("pv %s: nil subscriber", name)
	}
	e, err := r.lookup(name)
	if err != nil {
		return 0, err
	}
	id := SubscriptionID(r.nextSub.Add(1))
	e.subsMu.Lock()
	e.subs = append(e.subs, subscription{id: id, client: client, fn: fn})
	e.subsMu.Unlock()
	return id, nil
}

// Unsubscribe removes a subscription.
func (r *Registry) Unsubscribe(name string, id SubscriptionID) error {
	e, err := r.lookup(name)
	if err != nil {
		return err
	}
	e.subsMu.Lock()
	defer e.subsMu.Unlock()
	for i, sub := range e.subs {
		if sub.id == id {
			e.subs = append(e.subs[:i:i], e.subs[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("pv %s: unknown subscription %d", name, id)
}

// Disconnect cancels the pending writes and removes the subscriptions of a
// client. It returns the number of cancelled tokens and removed subscriptions.
func (r *Registry) Disconnect(client ClientID) (int, int) {
	cancelled := r.completions.CancelClient(client)

	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	removed := 0
	for _, e := range entries {
		e.subsMu.Lock()
		kept := e.subs[:0:0]
		for _, sub := range e.subs {
			if sub.client == client {
				removed++
				continue
			}
			kept = append(kept, sub)
		}
		e.subs = kept
		e.subsMu.Unlock()
	}
	r.logger.Debug().Str("client", string(client)).Int("cancelled", cancelled).Int("subscriptions", removed).Msg("client disconnected")
	return cancelled, removed
}

func (r *Registry) convert(name string, value interface{}) (interface{}, error) {
	e, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	return e.record.Convert(value)
}

func (r *Registry) commit(name string, value interface{}, after func(pv.Snapshot, error)) (pv.Snapshot, bool, error) {
	e, err := r.lookup(name)
	if err != nil {
		return pv.Snapshot{}, false, err
	}
	converted, err := e.record.Convert(value)
	if err != nil {
		return pv.Snapshot{}, false, err
	}
	op := parkedOp{apply: func() (pv.Snapshot, error) { return r.applyLocked(e, converted) }, after: after}
	if e.park(op) {
		return e.record.Snapshot(), true, nil
	}
	e.lock.Lock()
	defer e.lock.Unlock()
	if e.removed {
		return pv.Snapshot{}, false, &pv.UnknownPVError{Name: name}
	}
	snap, err := r.applyLocked(e, converted)
	return snap, false, err
}

// applyLocked commits value and notifies on change; callers hold e.lock.
func (r *Registry) applyLocked(e *entry, value interface{}) (pv.Snapshot, error) {
	changed, err := e.record.Apply(value, r.now())
	if err != nil {
		return pv.Snapshot{}, err
	}
	snap := e.record.Snapshot()
	if changed {
		r.notifyLocked(e, snap)
	}
	return snap, nil
}

func (r *Registry) notifyLocked(e *entry, snap pv.Snapshot) {
	e.subsMu.Lock()
	subs := append([]subscription(nil), e.subs...)
	e.subsMu.Unlock()
	for _, sub := range subs {
		r.deliver(sub, snap.Clone())
	}
	r.telemetry.IncNotifications(snap.Name, len(subs))
}

func (r *Registry) deliver(sub subscription, snap pv.Snapshot) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().Str("pv", snap.Name).Str("client", string(sub.client)).Interface("panic", rec).Msg("subscriber panicked")
		}
	}()
	sub.fn(snap)
}

func (r *Registry) callRead(ctx context.Context, e *entry) (value interface{}, err error) {
	name := e.record.Name()
	defer func() {
		if rec := recover(); rec != nil {
			err = &pv.HandlerError{PV: name, Op: "read", Err: fmt.Errorf("panic: %v", rec)}
		}
		if err != nil {
			r.telemetry.IncHandlerError(name, "read")
			r.logger.Warn().Err(err).Str("pv", name).Msg("read handler failed")
		}
	}()
	value, err = e.reader.Read(ctx, name)
	if err != nil {
		return nil, &pv.HandlerError{PV: name, Op: "read", Err: err}
	}
	return value, nil
}

func (r *Registry) callWrite(ctx context.Context, e *entry, req *WriteRequest) (res WriteResult, err error) {
	name := e.record.Name()
	defer func() {
		if rec := recover(); rec != nil {
			err = &pv.HandlerError{PV: name, Op: "write", Err: fmt.Errorf("panic: %v", rec)}
		}
		if err != nil {
			r.telemetry.IncHandlerError(name, "write")
			r.logger.Warn().Err(err).Str("pv", name).Msg("write handler failed")
		}
	}()
	res, err = e.writer.Write(ctx, req)
	if err != nil {
		return WriteResult{}, &pv.HandlerError{PV: name, Op: "write", Err: err}
	}
	return res, nil
}
