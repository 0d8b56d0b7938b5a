// Package flow bridges push-based, callback-driven query producers into
// pull-based, demand-driven streams.
//
// A producer (see the engine package) delivers result rows and live-query
// change events by calling a listener synchronously on its own thread, and
// identifies a live subscription by a token that arrives asynchronously,
// some time after the subscribe call returns. The consumer side of this
// package is the opposite shape: it requests n items at a time and is never
// handed more than it asked for.
//
// Two entry points wire the two sides together:
//   - Subscribe starts a live query. Excess items are absorbed by a bounded
//     FIFO buffer under a configurable overflow policy, because the
//     producer's notification thread must not be blocked.
//   - Fetch runs a one-shot bounded query. The producer goroutine is paced
//     to the consumer's consumption rate with a blocking permit gate, so it
//     can never run more than the buffered window ahead.
package flow

import "errors"

// Common errors.
var (
	// ErrBadDemand is returned by Subscription.Request when n is not positive.
	// It is reported to the caller and does not terminate the stream.
	ErrBadDemand = errors.New("flow: requested demand must be positive")

	// ErrOverflow terminates a stream using the Fail policy when an item
	// arrives, the buffer is full, and there is no demand to drain it.
	ErrOverflow = errors.New("flow: buffer overflow")

	// ErrGateTimeout terminates a fetch stream when the producer waits longer
	// than the configured timeout for the consumer to accept an item.
	ErrGateTimeout = errors.New("flow: timed out waiting for consumer demand")

	// ErrTokenTimeout terminates a live stream when no subscription token
	// arrives within the configured timeout.
	ErrTokenTimeout = errors.New("flow: timed out waiting for subscription token")
)

// Subscription controls an active stream from the consumer side.
type Subscription interface {
	// Request asks for up to n more items. Requests are additive: demand
	// accumulates until items arrive to satisfy it. n must be positive;
	// violations return ErrBadDemand and leave the stream untouched.
	Request(n int64) error

	// Cancel stops the stream. It is idempotent and safe to call at any
	// time, including before the subscription token is known or after the
	// stream has already terminated. Cancelling a healthy stream ends it
	// with OnComplete after a best-effort unsubscribe.
	Cancel()
}

// Subscriber receives the items and the terminal signal of a stream.
//
// OnNext is called once per delivered item, in production order, never more
// times than the cumulative requested demand. Exactly one of OnComplete or
// OnError follows, after which no further calls are made. Calls are
// serialized; a Subscriber may call Request or Cancel from inside OnNext.
type Subscriber[T any] interface {
	OnNext(item T)
	OnComplete()
	OnError(err error)
}
