package flow

import (
	"errors"
	"sync"
	"time"
)

// errGateFinished reports that the gate was shut down while a producer was
// waiting. Internal: the producer loop stops without surfacing an error,
// since the stream has already reached its outcome.
var errGateFinished = errors.New("flow: gate finished")

// gate paces a producer goroutine to the consumer's consumption rate with a
// counting permit: the producer blocks in wait after delivering each item
// and is released once per item the consumer has accepted.
//
// release is safe to call more times than there are waiters; permits simply
// accumulate. finish unblocks any waiter without a matching release, is
// idempotent, and may be called from any goroutine at any time, so a
// producer can never be left hanging through cancellation or error.
type gate struct {
	mu      sync.Mutex
	permits int
	avail   chan struct{}
	done    chan struct{}
	once    sync.Once
	timeout time.Duration
}

func newGate(timeout time.Duration) *gate {
	return &gate{
		avail:   make(chan struct{}, 1),
		done:    make(chan struct{}),
		timeout: timeout,
	}
}

// wait blocks until a permit is available, the gate is finished, or the
// timeout elapses. It returns nil when a permit was consumed,
// errGateFinished when the gate shut down, and ErrGateTimeout on timeout.
func (g *gate) wait() error {
	timer := time.NewTimer(g.timeout)
	defer timer.Stop()

	for {
		select {
		case <-g.done:
			return errGateFinished
		default:
		}

		g.mu.Lock()
		if g.permits > 0 {
			g.permits--
			g.mu.Unlock()
			return nil
		}
		g.mu.Unlock()

		select {
		case <-g.avail:
		case <-g.done:
			return errGateFinished
		case <-timer.C:
			return ErrGateTimeout
		}
	}
}

// release grants one permit and wakes a waiting producer.
func (g *gate) release() {
	g.mu.Lock()
	g.permits++
	g.mu.Unlock()

	select {
	case g.avail <- struct{}{}:
	default:
	}
}

// finish releases any blocked producer and stops the gate from granting
// further permits. Idempotent.
func (g *gate) finish() {
	g.once.Do(func() {
		close(g.done)
	})
}
