package flow

import (
	"context"
	"errors"

	"github.com/erlorenz/go-streambridge/engine"
)

// Fetch runs a one-shot bounded query against eng and streams its rows to
// sub under the demand-driven contract.
//
// Unlike the live path, the producer here runs on a goroutine owned by this
// stream, so blocking it is acceptable and desirable: after each row the
// producer waits on the gate until the consumer has accepted the previous
// one, which bounds how far it can run ahead of a slow consumer. A producer
// kept waiting longer than the configured timeout terminates the stream
// with ErrGateTimeout.
//
// The returned Subscription delivers nothing until Request is called.
func Fetch[T any](ctx context.Context, eng engine.Engine[T], query string, limit int, sub Subscriber[T], opts ...Option) (Subscription, error) {
	cfg := newConfig(opts)

	m := newMachine[T](sub, cfg, false, nil)
	g := newGate(cfg.timeout)
	m.afterEmit = g.release
	m.afterTerminate = g.finish

	l := &fetchListener[T]{m: m, g: g}

	go func() {
		if err := eng.Fetch(ctx, query, limit, l); err != nil {
			m.onError(err)
			return
		}
		// Engines signal OnEnd themselves; this covers ones that only
		// resolve. A repeated end event on a terminal machine is ignored.
		m.onEnd()
	}()

	return m, nil
}

// fetchListener forwards rows into the state machine and then parks the
// producer goroutine on the gate until the consumer catches up.
type fetchListener[T any] struct {
	m *machine[T]
	g *gate
}

func (l *fetchListener[T]) OnResult(item T) bool {
	l.m.onItem(item)

	if err := l.g.wait(); err != nil {
		if errors.Is(err, ErrGateTimeout) {
			l.m.onError(ErrGateTimeout)
		}
		return false
	}
	return !l.m.done()
}

func (l *fetchListener[T]) OnToken(tok engine.Token) {
	// One-shot fetches carry no live subscription token.
}

func (l *fetchListener[T]) OnEnd() {
	l.m.onEnd()
}

func (l *fetchListener[T]) OnError(err error) {
	l.m.onError(err)
}
