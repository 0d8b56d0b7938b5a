package engine

import (
	"context"
	"fmt"
	"sync"
)

// Memory is a scriptable in-memory engine for tests, examples, and
// development. Live subscriptions are driven manually: the test emits
// items, assigns tokens, and ends or fails subscriptions at exactly the
// moments it wants, which makes token/item interleavings and cancellation
// races reproducible. Fetches replay result sets registered up front.
//
// Memory records every Unsubscribe call so tests can assert on them.
type Memory[T any] struct {
	mu        sync.Mutex
	nextTok   Token
	subs      map[string]*memorySub[T]
	rows      map[string][]T
	fetchErrs map[string]error
	unsubs    []Token
	closed    bool
}

// memorySub is one live subscription's listener and delivery state.
type memorySub[T any] struct {
	listener Listener[T]
	token    Token
	hasToken bool
	stopped  bool
}

// NewMemory creates a new in-memory engine.
func NewMemory[T any]() *Memory[T] {
	return &Memory[T]{
		subs:      make(map[string]*memorySub[T]),
		rows:      make(map[string][]T),
		fetchErrs: make(map[string]error),
	}
}

// Subscribe registers a live subscription for the query. No token is
// assigned until the test calls AssignToken, mirroring producers that
// deliver the token asynchronously after the subscribe call returns.
func (m *Memory[T]) Subscribe(ctx context.Context, query string, l Listener[T]) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if _, exists := m.subs[query]; exists {
		return fmt.Errorf("engine: already subscribed to %q", query)
	}

	m.subs[query] = &memorySub[T]{listener: l}
	return nil
}

// Unsubscribe records the call and stops delivery for the matching
// subscription. Unknown tokens are recorded but otherwise ignored,
// matching the best-effort contract.
func (m *Memory[T]) Unsubscribe(ctx context.Context, tok Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.unsubs = append(m.unsubs, tok)
	for _, sub := range m.subs {
		if sub.hasToken && sub.token == tok {
			sub.stopped = true
		}
	}
	return nil
}

// Fetch replays the rows registered with SetRows for the query, honoring
// the listener's stop signal, then signals the end of the result set.
func (m *Memory[T]) Fetch(ctx context.Context, query string, limit int, l Listener[T]) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if err, ok := m.fetchErrs[query]; ok {
		m.mu.Unlock()
		return err
	}
	rows, ok := m.rows[query]
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("engine: no rows registered for query %q", query)
	}

	for i, row := range rows {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if limit > 0 && i >= limit {
			break
		}
		if !l.OnResult(row) {
			return nil
		}
	}
	l.OnEnd()
	return nil
}

// Close stops the engine. Subsequent operations return ErrClosed.
func (m *Memory[T]) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	m.closed = true
	m.subs = make(map[string]*memorySub[T])
	return nil
}

// SetRows registers the result set that Fetch replays for the query.
func (m *Memory[T]) SetRows(query string, rows []T) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[query] = rows
}

// SetFetchError makes Fetch for the query fail with err.
func (m *Memory[T]) SetFetchError(query string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchErrs[query] = err
}

// EmitItem delivers one live item to the query's subscription. Items for
// stopped or unknown subscriptions are dropped.
func (m *Memory[T]) EmitItem(query string, item T) {
	sub, l := m.lookup(query)
	if l == nil {
		return
	}
	if !l.OnResult(item) {
		m.stop(sub)
	}
}

// AssignToken assigns the next token to the query's subscription and
// delivers it to the listener. It returns the assigned token.
func (m *Memory[T]) AssignToken(query string) Token {
	m.mu.Lock()
	sub, ok := m.subs[query]
	if !ok || sub.stopped {
		m.mu.Unlock()
		return 0
	}
	m.nextTok++
	tok := m.nextTok
	sub.token = tok
	sub.hasToken = true
	l := sub.listener
	m.mu.Unlock()

	l.OnToken(tok)
	return tok
}

// EndSubscription signals the end of the query's live result stream.
func (m *Memory[T]) EndSubscription(query string) {
	sub, l := m.lookup(query)
	if l == nil {
		return
	}
	m.stop(sub)
	l.OnEnd()
}

// FailSubscription reports an asynchronous producer failure for the query.
func (m *Memory[T]) FailSubscription(query string, err error) {
	sub, l := m.lookup(query)
	if l == nil {
		return
	}
	m.stop(sub)
	l.OnError(err)
}

// UnsubscribeCalls returns a snapshot of every token passed to Unsubscribe,
// in call order.
func (m *Memory[T]) UnsubscribeCalls() []Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]Token, len(m.unsubs))
	copy(cp, m.unsubs)
	return cp
}

// lookup returns the subscription and its listener, or nil listeners for
// stopped or unknown queries. The listener is called outside the lock.
func (m *Memory[T]) lookup(query string) (*memorySub[T], Listener[T]) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subs[query]
	if !ok || sub.stopped || m.closed {
		return nil, nil
	}
	return sub, sub.listener
}

func (m *Memory[T]) stop(sub *memorySub[T]) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub.stopped = true
}
