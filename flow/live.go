package flow

import (
	"context"
	"time"

	"github.com/erlorenz/go-streambridge/engine"
)

// Subscribe issues a live query against eng and streams its change events
// to sub under the demand-driven contract.
//
// The producer's notification goroutine is never blocked: items arriving
// without demand are absorbed by the bounded buffer under the configured
// overflow policy. No item is emitted before the subscription token is
// known, so cancellation can always be honored with a deterministic
// unsubscribe. If no token arrives within the configured timeout the stream
// terminates with ErrTokenTimeout.
//
// The returned Subscription delivers nothing until Request is called.
func Subscribe[T any](ctx context.Context, eng engine.Engine[T], query string, sub Subscriber[T], opts ...Option) (Subscription, error) {
	cfg := newConfig(opts)

	m := newMachine(sub, cfg, true, func(tok engine.Token) {
		// Best-effort, fire-and-forget. Detached from the subscribe context
		// so a consumer-side cancellation can still reach the producer.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), cfg.timeout)
			defer cancel()
			eng.Unsubscribe(ctx, tok)
		}()
	})

	if err := eng.Subscribe(ctx, query, &liveListener[T]{m: m}); err != nil {
		return nil, err
	}

	// The deadline event is a no-op unless the machine is still awaiting
	// the token when it fires.
	time.AfterFunc(cfg.timeout, m.onDeadline)

	return m, nil
}

// liveListener forwards producer callbacks into the state machine without
// ever blocking the calling goroutine.
type liveListener[T any] struct {
	m *machine[T]
}

func (l *liveListener[T]) OnResult(item T) bool {
	l.m.onItem(item)
	return !l.m.done()
}

func (l *liveListener[T]) OnToken(tok engine.Token) {
	l.m.onToken(tok)
}

func (l *liveListener[T]) OnEnd() {
	l.m.onEnd()
}

func (l *liveListener[T]) OnError(err error) {
	l.m.onError(err)
}
