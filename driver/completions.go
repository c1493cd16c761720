package driver

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/timzifer/pvcore/pv"
	"github.com/timzifer/pvcore/telemetry"
)

// Token identifies a pending asynchronous write.
type Token string

// DefaultRetiredTokens bounds how many finished tokens are remembered for
// classifying late or duplicate completions.
const DefaultRetiredTokens = 4096

// Reasons attached to ProtocolError by the completion manager.
const (
	ReasonUnknownToken        = "unknown token"
	ReasonAlreadyCompleted    = "already completed"
	ReasonLateCompletion      = "late completion"
	ReasonAlreadyCancelled    = "already cancelled"
	ReasonPendingWithoutToken = "pending result without deferred token"
	ReasonWriteNotPending     = "completed token of a write that did not end pending"
)

type retireKind uint8

const (
	retiredCompleted retireKind = iota + 1
	retiredCancelled
)

type retiredToken struct {
	kind retireKind
	pv   string
}

// committer converts and commits completed values. Registry implements it.
// commit may park the value until a running handler of the PV returns; it
// then reports parked and calls after with the eventual result.
type committer interface {
	convert(name string, value interface{}) (interface{}, error)
	commit(name string, value interface{}, after func(pv.Snapshot, error)) (snap pv.Snapshot, parked bool, err error)
}

type result struct {
	value interface{}
	err   error
}

type pendingWrite struct {
	token  Token
	pv     string
	client ClientID
	done   func(Completion)
	// armed is false while the write handler that created the token is still
	// running; results arriving in that window are parked in result.
	armed  bool
	result *result
}

// Completions is the table of outstanding asynchronous writes.
type Completions struct {
	target    committer
	logger    zerolog.Logger
	telemetry telemetry.Collector

	mu       sync.Mutex
	pending  map[Token]*pendingWrite
	retired  map[Token]retiredToken
	ring     []Token
	next     int
	capacity int
}

func newCompletions(target committer, capacity int, logger zerolog.Logger, collector telemetry.Collector) *Completions {
	return &Completions{
		target:    target,
		logger:    logger,
		telemetry: collector,
		pending:   make(map[Token]*pendingWrite),
		retired:   make(map[Token]retiredToken),
		capacity:  capacity,
	}
}

// Begin creates a token for a write that the application completes later.
// Write handlers use WriteRequest.Defer instead.
func (c *Completions) Begin(pvName string, client ClientID, done func(Completion)) Token {
	return c.begin(pvName, client, done, true)
}

func (c *Completions) begin(pvName string, client ClientID, done func(Completion), armed bool) Token {
	token := Token(uuid.NewString())
	c.mu.Lock()
	c.pending[token] = &pendingWrite{token: token, pv: pvName, client: client, done: done, armed: armed}
	n := len(c.pending)
	c.mu.Unlock()
	c.telemetry.SetPendingWrites(n)
	return token
}

// Complete commits value to the token's PV, notifies subscribers and invokes
// the completion callback. A value of the wrong type leaves the token pending.
func (c *Completions) Complete(token Token, value interface{}) error {
	p, err := c.lookup(token)
	if err != nil {
		return err
	}
	converted, err := c.target.convert(p.pv, value)
	if err != nil {
		return err
	}
	return c.resolve(token, &result{value: converted})
}

// Fail finishes the token without touching the PV. The completion callback
// receives a HandlerError wrapping cause.
func (c *Completions) Fail(token Token, cause error) error {
	p, err := c.lookup(token)
	if err != nil {
		return err
	}
	if cause == nil {
		cause = errors.New("write failed")
	}
	return c.resolve(token, &result{err: &pv.HandlerError{PV: p.pv, Op: "write", Err: cause}})
}

// Cancel drops the token without applying a value or calling back.
func (c *Completions) Cancel(token Token) error {
	c.mu.Lock()
	p, ok := c.pending[token]
	if !ok {
		retired := c.retired[token]
		c.mu.Unlock()
		reason := reasonFor(retired.kind)
		if retired.kind == retiredCancelled {
			reason = ReasonAlreadyCancelled
		}
		return c.protocolError(token, retired.pv, reason)
	}
	c.retireLocked(p, retiredCancelled)
	n := len(c.pending)
	c.mu.Unlock()
	c.telemetry.SetPendingWrites(n)
	return nil
}

// CancelClient cancels every token owned by client and returns their number.
func (c *Completions) CancelClient(client ClientID) int {
	return c.cancelWhere(func(p *pendingWrite) bool { return p.client == client })
}

// CancelPV cancels every token targeting the named PV.
func (c *Completions) CancelPV(name string) int {
	return c.cancelWhere(func(p *pendingWrite) bool { return p.pv == name })
}

// Pending returns the number of outstanding tokens.
func (c *Completions) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Completions) cancelWhere(match func(*pendingWrite) bool) int {
	c.mu.Lock()
	cancelled := 0
	for _, p := range c.pending {
		if match(p) {
			c.retireLocked(p, retiredCancelled)
			cancelled++
		}
	}
	n := len(c.pending)
	c.mu.Unlock()
	if cancelled > 0 {
		c.telemetry.SetPendingWrites(n)
	}
	return cancelled
}

func (c *Completions) lookup(token Token) (*pendingWrite, error) {
	c.mu.Lock()
	p, ok := c.pending[token]
	retired := c.retired[token]
	c.mu.Unlock()
	if !ok {
		return nil, c.protocolError(token, retired.pv, reasonFor(retired.kind))
	}
	return p, nil
}

// resolve finishes an armed token or parks the result of one whose write
// handler has not returned yet.
func (c *Completions) resolve(token Token, res *result) error {
	c.mu.Lock()
	p, ok := c.pending[token]
	if !ok {
		retired := c.retired[token]
		c.mu.Unlock()
		return c.protocolError(token, retired.pv, reasonFor(retired.kind))
	}
	if !p.armed {
		if p.result != nil {
			c.mu.Unlock()
			return c.protocolError(token, p.pv, ReasonAlreadyCompleted)
		}
		p.result = res
		c.mu.Unlock()
		return nil
	}
	c.retireLocked(p, retiredCompleted)
	n := len(c.pending)
	c.mu.Unlock()
	c.telemetry.SetPendingWrites(n)
	return c.finish(p, res)
}

// arm marks the token live once its write handler returned Pending. A result
// parked meanwhile retires the token and is returned for finishing.
func (c *Completions) arm(token Token) *pendingWrite {
	c.mu.Lock()
	p, ok := c.pending[token]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	p.armed = true
	if p.result == nil {
		c.mu.Unlock()
		return nil
	}
	c.retireLocked(p, retiredCompleted)
	n := len(c.pending)
	c.mu.Unlock()
	c.telemetry.SetPendingWrites(n)
	return p
}

// discard cancels a token whose write did not end up pending. A result the
// application handed in meanwhile cannot be applied any more; that is a
// protocol error, and the returned function reports it to the completion
// callback. Callers run it after releasing the PV lock.
func (c *Completions) discard(token Token) func() {
	if token == "" {
		return nil
	}
	c.mu.Lock()
	p, ok := c.pending[token]
	parked := ok && p.result != nil
	if ok {
		c.retireLocked(p, retiredCancelled)
	}
	n := len(c.pending)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	c.telemetry.SetPendingWrites(n)
	if !parked {
		return nil
	}
	err := c.protocolError(token, p.pv, ReasonWriteNotPending)
	return func() {
		if p.done != nil {
			p.done(Completion{Token: p.token, PV: p.pv, Client: p.client, Err: err})
		}
	}
}

func (c *Completions) finish(p *pendingWrite, res *result) error {
	report := func(snap pv.Snapshot, err error) {
		if p.done != nil {
			p.done(Completion{Token: p.token, PV: p.pv, Client: p.client, Snapshot: snap, Err: err})
		}
	}
	if res.err != nil {
		report(pv.Snapshot{}, res.err)
		return nil
	}
	snap, parked, err := c.target.commit(p.pv, res.value, report)
	if !parked {
		report(snap, err)
	}
	return err
}

// retireLocked moves p from the pending table into the bounded ring of
// retired tokens; callers hold c.mu.
func (c *Completions) retireLocked(p *pendingWrite, kind retireKind) {
	delete(c.pending, p.token)
	if c.capacity <= 0 {
		return
	}
	if len(c.ring) < c.capacity {
		c.ring = append(c.ring, p.token)
	} else {
		delete(c.retired, c.ring[c.next])
		c.ring[c.next] = p.token
		c.next = (c.next + 1) % c.capacity
	}
	c.retired[p.token] = retiredToken{kind: kind, pv: p.pv}
}

func (c *Completions) protocolError(token Token, pvName, reason string) error {
	c.telemetry.IncProtocolError(reason)
	c.logger.Warn().Str("token", string(token)).Str("pv", pvName).Str("reason", reason).Msg("completion rejected")
	return &pv.ProtocolError{Token: string(token), PV: pvName, Reason: reason}
}

func reasonFor(kind retireKind) string {
	switch kind {
	case retiredCompleted:
		return ReasonAlreadyCompleted
	case retiredCancelled:
		return ReasonLateCompletion
	default:
		return ReasonUnknownToken
	}
}
