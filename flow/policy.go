package flow

import "fmt"

// OverflowPolicy decides what happens when an item arrives, the buffer is at
// capacity, and there is no consumer demand to drain it.
//
// Every policy except Fail resolves the overflow immediately without
// blocking the producer; Fail is the only policy that turns a full buffer
// into a terminal error.
type OverflowPolicy uint8

const (
	// DropHead discards the oldest buffered item to make room for the new one.
	// Useful when the consumer prefers the latest state over a complete history.
	DropHead OverflowPolicy = iota

	// DropTail discards the newest buffered item; the incoming item takes its
	// place at the tail of the buffer.
	DropTail

	// DropBuffer discards the entire buffer; only the incoming item remains.
	DropBuffer

	// DropNew discards the incoming item and leaves the buffer unchanged.
	DropNew

	// Fail terminates the stream with ErrOverflow and discards the buffer.
	Fail
)

// String returns the policy name.
func (p OverflowPolicy) String() string {
	switch p {
	case DropHead:
		return "DropHead"
	case DropTail:
		return "DropTail"
	case DropBuffer:
		return "DropBuffer"
	case DropNew:
		return "DropNew"
	case Fail:
		return "Fail"
	default:
		return fmt.Sprintf("OverflowPolicy(%d)", uint8(p))
	}
}

// ParsePolicy converts a policy name (as accepted in configuration) to an
// OverflowPolicy. Matching is exact.
func ParsePolicy(s string) (OverflowPolicy, error) {
	switch s {
	case "DropHead":
		return DropHead, nil
	case "DropTail":
		return DropTail, nil
	case "DropBuffer":
		return DropBuffer, nil
	case "DropNew":
		return DropNew, nil
	case "Fail":
		return Fail, nil
	default:
		return 0, fmt.Errorf("flow: unknown overflow policy %q", s)
	}
}
