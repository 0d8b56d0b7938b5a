// Package engine defines the producer-side contract consumed by the flow
// package: a query engine that delivers results through a synchronous
// listener, identifies live subscriptions by an asynchronously assigned
// token, and accepts best-effort unsubscribe requests keyed by that token.
//
// Two implementations are provided:
//   - Memory: scriptable, single-process engine for tests and examples
//   - Postgres: LISTEN/NOTIFY-backed live queries and one-shot fetches
package engine

import (
	"context"
	"errors"
)

// Common errors.
var (
	// ErrClosed is returned when operations are attempted on a closed engine.
	ErrClosed = errors.New("engine: engine is closed")
)

// Token identifies an active live subscription on the producer side. It is
// assigned by the engine strictly after Subscribe returns, exactly once per
// subscription, and is required to unsubscribe later.
type Token int64

// Listener receives the results of a query. The engine calls it
// synchronously from its own goroutine, one call at a time.
//
// The token for a live subscription may be delivered before or after the
// first results; callers must tolerate either order.
type Listener[T any] interface {
	// OnResult delivers one item. The return value tells the engine whether
	// to keep fetching: false asks it to stop, e.g. after cancellation.
	OnResult(item T) bool

	// OnToken delivers the subscription token, at most once.
	OnToken(tok Token)

	// OnEnd signals that the result set is exhausted. Called at most once,
	// after the last OnResult.
	OnEnd()

	// OnError reports an asynchronous failure (bad query, connection loss).
	// No further calls follow it.
	OnError(err error)
}

// Engine is a query engine that pushes results to listeners.
type Engine[T any] interface {
	// Subscribe issues a live query. The engine calls l.OnResult zero or
	// more times and delivers a token via l.OnToken once the subscription
	// is registered. Subscribe returns as soon as the query is issued; the
	// token always arrives after it returns.
	Subscribe(ctx context.Context, query string, l Listener[T]) error

	// Unsubscribe requests, best-effort, that a live subscription stop.
	// Fire-and-forget from the caller's perspective.
	Unsubscribe(ctx context.Context, tok Token) error

	// Fetch runs a one-shot bounded query, calling l.OnResult for each row
	// and l.OnEnd after the last one. It blocks until the result set is
	// exhausted, the listener asks it to stop, or an error occurs.
	Fetch(ctx context.Context, query string, limit int, l Listener[T]) error

	// Close releases any resources held by the engine.
	Close() error
}
