package flow

import (
	"math"
	"sync"

	"github.com/erlorenz/go-streambridge/engine"
)

// state is the lifecycle state of a stream.
type state uint8

const (
	// stateAwaitingToken is the initial state of a live stream: items may
	// arrive and are buffered, but nothing is emitted to the consumer until
	// the token is known, so that cancellation can always be honored with a
	// deterministic unsubscribe.
	stateAwaitingToken state = iota

	// stateActive emits items while demand is available and buffers the rest.
	stateActive

	// stateCancelled is entered when the consumer cancels before the token
	// is known. It waits for the token so the deferred unsubscribe can be
	// issued, then terminates. If the token never arrives, no unsubscribe is
	// ever issued for the never-materialized subscription.
	stateCancelled

	// stateCompleted and stateFailed are terminal. No state is re-enterable
	// once left for a terminal one.
	stateCompleted
	stateFailed
)

type eventKind uint8

const (
	evItem eventKind = iota
	evToken
	evEnd
	evError
	evRequest
	evCancel
	evDeadline
)

// event is one unit of the machine's mailbox. Only the fields relevant to
// its kind are set.
type event[T any] struct {
	kind  eventKind
	item  T
	token engine.Token
	n     int64
	err   error
}

type signalKind uint8

const (
	sigNext signalKind = iota
	sigComplete
	sigError
)

// signal is an outbound consumer signal produced by a transition. Signals
// are delivered outside the lock, in order.
type signal[T any] struct {
	kind signalKind
	item T
	err  error
}

// machine is the subscription state machine. It owns the buffer of
// undelivered items, the demand counter, the token once known, and the
// lifecycle state.
//
// All events are serialized: dispatch appends to a mailbox queue and a
// single logical runner processes one event at a time, so the transition
// table needs no internal synchronization beyond the mutex. Consumer
// signals are delivered outside the lock, which keeps reentrant Request or
// Cancel calls from inside OnNext from deadlocking.
type machine[T any] struct {
	mu    sync.Mutex
	queue []event[T]
	busy  bool

	state    state
	token    engine.Token
	hasToken bool
	unsubbed bool
	ended    bool

	buf    []T
	demand int64

	capacity int
	policy   OverflowPolicy
	live     bool

	sub Subscriber[T]

	// unsubscribe issues the best-effort producer unsubscribe. Live streams
	// only; called at most once.
	unsubscribe func(engine.Token)

	// afterEmit runs after the consumer has accepted an item. The fetch
	// path uses it to release the gate permit.
	afterEmit func()

	// afterTerminate runs after the terminal signal has been delivered. The
	// fetch path uses it to finish the gate so a blocked producer is freed.
	afterTerminate func()
}

func newMachine[T any](sub Subscriber[T], cfg config, live bool, unsubscribe func(engine.Token)) *machine[T] {
	st := stateActive
	if live {
		st = stateAwaitingToken
	}
	return &machine[T]{
		state:       st,
		capacity:    cfg.capacity,
		policy:      cfg.policy,
		live:        live,
		sub:         sub,
		unsubscribe: unsubscribe,
	}
}

// Request implements Subscription.
func (m *machine[T]) Request(n int64) error {
	if n <= 0 {
		return ErrBadDemand
	}
	m.dispatch(event[T]{kind: evRequest, n: n})
	return nil
}

// Cancel implements Subscription.
func (m *machine[T]) Cancel() {
	m.dispatch(event[T]{kind: evCancel})
}

func (m *machine[T]) onItem(item T)            { m.dispatch(event[T]{kind: evItem, item: item}) }
func (m *machine[T]) onToken(tok engine.Token) { m.dispatch(event[T]{kind: evToken, token: tok}) }
func (m *machine[T]) onEnd()                   { m.dispatch(event[T]{kind: evEnd}) }
func (m *machine[T]) onError(err error)        { m.dispatch(event[T]{kind: evError, err: err}) }
func (m *machine[T]) onDeadline()              { m.dispatch(event[T]{kind: evDeadline}) }

// done reports whether the producer should stop delivering. True once the
// stream is cancelled or terminal.
func (m *machine[T]) done() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state >= stateCancelled
}

// dispatch enqueues the event and, if no other goroutine is already
// processing the mailbox, drains it. Events from any goroutine are thereby
// marshalled into a single-threaded evaluation order.
func (m *machine[T]) dispatch(ev event[T]) {
	m.mu.Lock()
	m.queue = append(m.queue, ev)
	if m.busy {
		m.mu.Unlock()
		return
	}
	m.busy = true
	for len(m.queue) > 0 {
		next := m.queue[0]
		m.queue[0] = event[T]{}
		m.queue = m.queue[1:]

		sigs := m.transition(next)

		m.mu.Unlock()
		for _, s := range sigs {
			m.deliver(s)
		}
		m.mu.Lock()
	}
	m.busy = false
	m.queue = nil
	m.mu.Unlock()
}

func (m *machine[T]) deliver(s signal[T]) {
	switch s.kind {
	case sigNext:
		m.sub.OnNext(s.item)
		if m.afterEmit != nil {
			m.afterEmit()
		}
	case sigComplete:
		m.sub.OnComplete()
		if m.afterTerminate != nil {
			m.afterTerminate()
		}
	case sigError:
		m.sub.OnError(s.err)
		if m.afterTerminate != nil {
			m.afterTerminate()
		}
	}
}

// transition applies one event to the current state and returns the
// consumer signals it produced. Caller holds the lock.
func (m *machine[T]) transition(ev event[T]) []signal[T] {
	switch ev.kind {

	case evItem:
		switch m.state {
		case stateAwaitingToken:
			// Token not known yet: buffer under the overflow policy, emit
			// nothing even if demand exists.
			return m.bufferLocked(ev.item, nil)
		case stateActive:
			// Drain older buffered items first so delivery order matches
			// production order.
			sigs := m.drainLocked(nil)
			if m.demand > 0 && len(m.buf) == 0 {
				m.demand--
				return append(sigs, signal[T]{kind: sigNext, item: ev.item})
			}
			return m.bufferLocked(ev.item, sigs)
		default:
			// Cancelled or terminal: the item is discarded. The deferred
			// unsubscribe, if any, is handled on token arrival.
			return nil
		}

	case evToken:
		switch m.state {
		case stateAwaitingToken:
			m.token = ev.token
			m.hasToken = true
			m.state = stateActive
			// Any buffered items and accumulated demand are preserved; the
			// next item or request event drains them.
			return nil
		case stateCancelled:
			// The cancel arrived first: issue the deferred unsubscribe now
			// and terminate.
			m.issueUnsubscribeLocked(ev.token)
			return m.completeLocked(nil)
		default:
			return nil
		}

	case evRequest:
		switch m.state {
		case stateAwaitingToken:
			m.demand = satAdd(m.demand, ev.n)
			return nil
		case stateActive:
			m.demand = satAdd(m.demand, ev.n)
			sigs := m.drainLocked(nil)
			if m.ended && len(m.buf) == 0 {
				sigs = m.completeLocked(sigs)
			}
			return sigs
		default:
			return nil
		}

	case evCancel:
		switch m.state {
		case stateAwaitingToken:
			m.state = stateCancelled
			m.clearLocked()
			return nil
		case stateActive:
			if m.live && m.hasToken {
				m.issueUnsubscribeLocked(m.token)
			}
			return m.completeLocked(nil)
		default:
			return nil
		}

	case evEnd:
		switch m.state {
		case stateAwaitingToken, stateActive:
			if len(m.buf) == 0 {
				return m.completeLocked(nil)
			}
			// Completion is deferred until the buffer drains.
			m.ended = true
			return nil
		default:
			return nil
		}

	case evError:
		switch m.state {
		case stateAwaitingToken, stateActive:
			return m.failLocked(ev.err, nil)
		default:
			// Errors after cancellation or termination are ignored.
			return nil
		}

	case evDeadline:
		// Token wait timeout: only meaningful while still awaiting.
		if m.state == stateAwaitingToken {
			return m.failLocked(ErrTokenTimeout, nil)
		}
		return nil
	}
	return nil
}

// bufferLocked appends the item, applying the overflow policy when the
// buffer is at capacity.
func (m *machine[T]) bufferLocked(item T, sigs []signal[T]) []signal[T] {
	if len(m.buf) < m.capacity {
		m.buf = append(m.buf, item)
		return sigs
	}
	switch m.policy {
	case DropHead:
		var zero T
		m.buf[0] = zero
		m.buf = append(m.buf[1:], item)
	case DropTail:
		m.buf[len(m.buf)-1] = item
	case DropBuffer:
		m.buf = append(m.buf[:0], item)
	case DropNew:
		// Incoming item discarded.
	case Fail:
		return m.failLocked(ErrOverflow, sigs)
	}
	return sigs
}

// drainLocked emits buffered items FIFO while demand is available.
func (m *machine[T]) drainLocked(sigs []signal[T]) []signal[T] {
	for m.demand > 0 && len(m.buf) > 0 {
		item := m.buf[0]
		var zero T
		m.buf[0] = zero
		m.buf = m.buf[1:]
		m.demand--
		sigs = append(sigs, signal[T]{kind: sigNext, item: item})
	}
	return sigs
}

func (m *machine[T]) completeLocked(sigs []signal[T]) []signal[T] {
	m.state = stateCompleted
	m.clearLocked()
	return append(sigs, signal[T]{kind: sigComplete})
}

func (m *machine[T]) failLocked(err error, sigs []signal[T]) []signal[T] {
	m.state = stateFailed
	m.clearLocked()
	return append(sigs, signal[T]{kind: sigError, err: err})
}

func (m *machine[T]) clearLocked() {
	m.buf = nil
	m.demand = 0
}

// issueUnsubscribeLocked calls the unsubscribe hook at most once per
// machine, guaranteeing that every successful subscription is unsubscribed
// exactly once regardless of how cancel and token arrival interleave.
func (m *machine[T]) issueUnsubscribeLocked(tok engine.Token) {
	if m.unsubbed || m.unsubscribe == nil {
		return
	}
	m.unsubbed = true
	m.unsubscribe(tok)
}

// satAdd adds two non-negative demands, saturating instead of wrapping.
func satAdd(a, b int64) int64 {
	if a > math.MaxInt64-b {
		return math.MaxInt64
	}
	return a + b
}
