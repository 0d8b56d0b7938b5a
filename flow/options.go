package flow

import "time"

const (
	defaultCapacity = 256
	defaultTimeout  = 10 * time.Second
)

// Option configures a stream created by Subscribe or Fetch.
type Option func(*config)

type config struct {
	capacity int
	policy   OverflowPolicy
	timeout  time.Duration
}

func newConfig(opts []Option) config {
	c := config{
		capacity: defaultCapacity,
		policy:   Fail,
		timeout:  defaultTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&c)
		}
	}
	if c.capacity < 1 {
		c.capacity = 1
	}
	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}
	return c
}

// WithCapacity sets the maximum number of undelivered items the stream
// buffers. Values below 1 are raised to 1. The default is 256.
func WithCapacity(n int) Option {
	return func(c *config) {
		c.capacity = n
	}
}

// WithPolicy sets the overflow policy applied when the buffer is full.
// The default is Fail, which surfaces overload instead of silently
// dropping data.
func WithPolicy(p OverflowPolicy) Option {
	return func(c *config) {
		c.policy = p
	}
}

// WithTimeout bounds how long the stream waits on the producer side: the
// token wait for live subscriptions and the per-item permit wait for
// fetches. Exceeding it terminates the stream with an error rather than
// stalling silently. The default is 10 seconds.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}
