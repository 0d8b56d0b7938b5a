package flow

import (
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/erlorenz/go-streambridge/engine"
	"github.com/erlorenz/go-streambridge/flow/flowtest"
)

// newTestMachine builds a live machine with a synchronous unsubscribe
// recorder so token/cancel interleavings are fully deterministic.
func newTestMachine(t *testing.T, rec Subscriber[string], opts ...Option) (*machine[string], *unsubRecorder) {
	t.Helper()
	ur := &unsubRecorder{}
	m := newMachine(rec, newConfig(opts), true, ur.record)
	return m, ur
}

type unsubRecorder struct {
	mu     sync.Mutex
	tokens []engine.Token
}

func (u *unsubRecorder) record(tok engine.Token) {
	u.mu.Lock()
	u.tokens = append(u.tokens, tok)
	u.mu.Unlock()
}

func (u *unsubRecorder) calls() []engine.Token {
	u.mu.Lock()
	defer u.mu.Unlock()
	cp := make([]engine.Token, len(u.tokens))
	copy(cp, u.tokens)
	return cp
}

func TestMachineNoEmissionBeforeToken(t *testing.T) {
	rec := flowtest.NewRecorder[string]()
	m, _ := newTestMachine(t, rec)

	if err := m.Request(5); err != nil {
		t.Fatal(err)
	}
	m.onItem("a")
	m.onItem("b")

	if got := len(rec.Items()); got != 0 {
		t.Fatalf("items emitted before token: %d", got)
	}

	// Token arrival preserves buffer and demand but does not drain by
	// itself; the next item event does.
	m.onToken(1)
	if got := len(rec.Items()); got != 0 {
		t.Fatalf("token arrival drained buffer: %d items", got)
	}

	m.onItem("c")
	want := []string{"a", "b", "c"}
	got := rec.Items()
	if len(got) != len(want) {
		t.Fatalf("wanted %d items, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("item %d: wanted %q, got %q", i, want[i], got[i])
		}
	}
}

func TestMachineNeverOverDelivers(t *testing.T) {
	rec := flowtest.NewRecorder[string]()
	m, _ := newTestMachine(t, rec, WithCapacity(10), WithPolicy(DropNew))

	m.onToken(1)
	if err := m.Request(2); err != nil {
		t.Fatal(err)
	}

	for _, item := range []string{"a", "b", "c", "d", "e"} {
		m.onItem(item)
	}

	if got := len(rec.Items()); got != 2 {
		t.Fatalf("wanted exactly 2 deliveries, got %d", got)
	}

	// Additional demand drains buffered items without re-delivering.
	if err := m.Request(2); err != nil {
		t.Fatal(err)
	}
	want := []string{"a", "b", "c", "d"}
	got := rec.Items()
	if len(got) != len(want) {
		t.Fatalf("wanted %d deliveries, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("item %d: wanted %q, got %q", i, want[i], got[i])
		}
	}
}

func TestMachineOverflowPolicies(t *testing.T) {
	tests := []struct {
		name   string
		policy OverflowPolicy
		want   []string
	}{
		{"DropHead", DropHead, []string{"B", "C"}},
		{"DropTail", DropTail, []string{"A", "C"}},
		{"DropBuffer", DropBuffer, []string{"C"}},
		{"DropNew", DropNew, []string{"A", "B"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := flowtest.NewRecorder[string]()
			m, _ := newTestMachine(t, rec, WithCapacity(2), WithPolicy(tt.policy))

			m.onToken(1)
			for _, item := range []string{"A", "B", "C"} {
				m.onItem(item)
			}

			// Drain whatever survived the policy.
			if err := m.Request(10); err != nil {
				t.Fatal(err)
			}

			got := rec.Items()
			if len(got) != len(tt.want) {
				t.Fatalf("wanted buffer %v, got %v", tt.want, got)
			}
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Errorf("item %d: wanted %q, got %q", i, tt.want[i], got[i])
				}
			}
		})
	}
}

func TestMachineOverflowFail(t *testing.T) {
	rec := flowtest.NewRecorder[string]()
	m, _ := newTestMachine(t, rec, WithCapacity(2), WithPolicy(Fail))

	m.onToken(1)
	for _, item := range []string{"A", "B", "C"} {
		m.onItem(item)
	}

	if !errors.Is(rec.Err(), ErrOverflow) {
		t.Fatalf("wanted ErrOverflow, got %v", rec.Err())
	}
	if got := len(rec.Items()); got != 0 {
		t.Errorf("consumer received %d items from a failed stream", got)
	}

	// The stream is terminal: further demand delivers nothing.
	if err := m.Request(10); err != nil {
		t.Fatal(err)
	}
	if got := len(rec.Items()); got != 0 {
		t.Errorf("items delivered after terminal error: %d", got)
	}
	if got := rec.Terminals(); got != 1 {
		t.Errorf("wanted exactly 1 terminal signal, got %d", got)
	}
}

func TestMachinePartialDrain(t *testing.T) {
	rec := flowtest.NewRecorder[string]()
	m, _ := newTestMachine(t, rec)

	m.onToken(1)
	m.onItem("X")
	m.onItem("Y")

	if err := m.Request(1); err != nil {
		t.Fatal(err)
	}

	got := rec.Items()
	if len(got) != 1 || got[0] != "X" {
		t.Fatalf("wanted [X], got %v", got)
	}

	if err := m.Request(1); err != nil {
		t.Fatal(err)
	}
	got = rec.Items()
	if len(got) != 2 || got[1] != "Y" {
		t.Fatalf("wanted [X Y], got %v", got)
	}
}

func TestMachineCancelBeforeToken(t *testing.T) {
	rec := flowtest.NewRecorder[string]()
	m, ur := newTestMachine(t, rec)

	m.Cancel()

	if got := ur.calls(); len(got) != 0 {
		t.Fatalf("unsubscribe issued without a token: %v", got)
	}
	if rec.Terminals() != 0 {
		t.Fatal("terminal signal before deferred unsubscribe")
	}

	// Token arrival triggers the deferred unsubscribe exactly once, then
	// terminal completion.
	m.onToken(42)

	calls := ur.calls()
	if len(calls) != 1 || calls[0] != 42 {
		t.Fatalf("wanted exactly one unsubscribe(42), got %v", calls)
	}
	if !rec.Completed() {
		t.Error("stream did not complete after deferred unsubscribe")
	}
	if got := len(rec.Items()); got != 0 {
		t.Errorf("cancelled stream delivered %d items", got)
	}
}

func TestMachineCancelAfterToken(t *testing.T) {
	rec := flowtest.NewRecorder[string]()
	m, ur := newTestMachine(t, rec)

	m.onToken(7)
	m.Cancel()

	calls := ur.calls()
	if len(calls) != 1 || calls[0] != 7 {
		t.Fatalf("wanted exactly one unsubscribe(7), got %v", calls)
	}
	if !rec.Completed() {
		t.Error("stream did not complete after cancel")
	}

	// No delivery after cancellation is accepted.
	m.onItem("late")
	if err := m.Request(1); err != nil {
		t.Fatal(err)
	}
	if got := len(rec.Items()); got != 0 {
		t.Errorf("items delivered after cancel: %d", got)
	}
}

func TestMachineCancelIdempotent(t *testing.T) {
	rec := flowtest.NewRecorder[string]()
	m, ur := newTestMachine(t, rec)

	m.onToken(9)
	m.Cancel()
	m.Cancel()

	if got := ur.calls(); len(got) != 1 {
		t.Errorf("wanted exactly one unsubscribe, got %v", got)
	}
	if got := rec.Terminals(); got != 1 {
		t.Errorf("wanted exactly one terminal signal, got %d", got)
	}
}

func TestMachineCancelledIgnoresOtherEvents(t *testing.T) {
	rec := flowtest.NewRecorder[string]()
	m, ur := newTestMachine(t, rec)

	m.Cancel()
	m.onItem("ignored")
	m.onError(errors.New("ignored"))
	m.onEnd()
	if err := m.Request(3); err != nil {
		t.Fatal(err)
	}

	if rec.Terminals() != 0 {
		t.Fatal("cancelled stream signalled before token arrival")
	}

	m.onToken(3)
	if got := ur.calls(); len(got) != 1 || got[0] != 3 {
		t.Fatalf("wanted exactly one unsubscribe(3), got %v", got)
	}
	if !rec.Completed() {
		t.Error("stream did not complete")
	}
}

func TestMachineErrorBeforeToken(t *testing.T) {
	rec := flowtest.NewRecorder[string]()
	m, ur := newTestMachine(t, rec)

	boom := errors.New("bad query")
	m.onError(boom)

	if !errors.Is(rec.Err(), boom) {
		t.Fatalf("wanted %v, got %v", boom, rec.Err())
	}

	// A subscription that never received a token terminates without an
	// unsubscribe, even if the token shows up later.
	m.onToken(5)
	if got := ur.calls(); len(got) != 0 {
		t.Errorf("failed stream issued unsubscribe: %v", got)
	}
	if got := rec.Terminals(); got != 1 {
		t.Errorf("wanted exactly one terminal signal, got %d", got)
	}
}

func TestMachineEndDefersCompletionUntilDrained(t *testing.T) {
	rec := flowtest.NewRecorder[string]()
	m, _ := newTestMachine(t, rec)

	m.onToken(1)
	m.onItem("X")
	m.onItem("Y")
	m.onEnd()

	if rec.Terminals() != 0 {
		t.Fatal("completed while items were still buffered")
	}

	if err := m.Request(5); err != nil {
		t.Fatal(err)
	}

	got := rec.Items()
	if len(got) != 2 {
		t.Fatalf("wanted 2 items before completion, got %v", got)
	}
	if !rec.Completed() {
		t.Error("stream did not complete after buffer drained")
	}
}

func TestMachineDemandSaturates(t *testing.T) {
	rec := flowtest.NewRecorder[string]()
	m, _ := newTestMachine(t, rec)

	m.onToken(1)
	if err := m.Request(math.MaxInt64); err != nil {
		t.Fatal(err)
	}
	if err := m.Request(math.MaxInt64); err != nil {
		t.Fatal(err)
	}

	// A wrapped counter would be negative and suppress all delivery.
	m.onItem("a")
	if got := len(rec.Items()); got != 1 {
		t.Fatalf("delivery after saturating demand: wanted 1 item, got %d", got)
	}
}

func TestMachineRequestValidation(t *testing.T) {
	rec := flowtest.NewRecorder[string]()
	m, _ := newTestMachine(t, rec)

	if err := m.Request(0); !errors.Is(err, ErrBadDemand) {
		t.Fatalf("wanted ErrBadDemand, got %v", err)
	}
	if err := m.Request(-3); !errors.Is(err, ErrBadDemand) {
		t.Fatalf("wanted ErrBadDemand, got %v", err)
	}

	// A usage error does not terminate the stream.
	m.onToken(1)
	if err := m.Request(1); err != nil {
		t.Fatal(err)
	}
	m.onItem("a")
	if got := len(rec.Items()); got != 1 {
		t.Fatalf("stream unusable after bad request: got %d items", got)
	}
}

// reentrantSubscriber requests one more item from inside OnNext, which the
// mailbox trampoline must absorb without deadlocking.
type reentrantSubscriber struct {
	*flowtest.Recorder[string]
	sub Subscription
}

func (r *reentrantSubscriber) OnNext(item string) {
	r.Recorder.OnNext(item)
	r.sub.Request(1)
}

func TestMachineReentrantRequest(t *testing.T) {
	rec := &reentrantSubscriber{Recorder: flowtest.NewRecorder[string]()}
	ur := &unsubRecorder{}
	m := newMachine[string](rec, newConfig(nil), true, ur.record)
	rec.sub = m

	m.onToken(1)
	if err := m.Request(1); err != nil {
		t.Fatal(err)
	}
	for _, item := range []string{"a", "b", "c", "d"} {
		m.onItem(item)
	}

	if got := len(rec.Items()); got != 4 {
		t.Fatalf("wanted 4 items via reentrant requests, got %d", got)
	}
}

func TestMachineTokenOrderingEquivalence(t *testing.T) {
	run := func(t *testing.T, tokenFirst bool) []string {
		t.Helper()
		rec := flowtest.NewRecorder[string]()
		m, _ := newTestMachine(t, rec)

		if tokenFirst {
			m.onToken(1)
		}
		m.onItem("1")
		m.onItem("2")
		if !tokenFirst {
			m.onToken(1)
		}
		m.onItem("3")
		if err := m.Request(10); err != nil {
			t.Fatal(err)
		}
		return rec.Items()
	}

	before := run(t, true)
	after := run(t, false)

	if len(before) != 3 || len(after) != 3 {
		t.Fatalf("wanted 3 items each, got %v and %v", before, after)
	}
	for i := range before {
		if before[i] != after[i] {
			t.Errorf("item %d differs across token orderings: %q vs %q", i, before[i], after[i])
		}
	}
}

func TestMachineConcurrentEventsKeepInvariants(t *testing.T) {
	rec := flowtest.NewRecorder[int]()
	m := newMachine[int](rec, newConfig([]Option{WithCapacity(8), WithPolicy(DropNew)}), true, func(engine.Token) {})

	m.onToken(1)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			m.onItem(i)
		}
	}()
	go func() {
		defer wg.Done()
		for j := 0; j < 100; j++ {
			m.Request(3)
		}
	}()
	wg.Wait()

	// Delivery never exceeds cumulative demand, and order is preserved.
	items := rec.Items()
	if len(items) > 300 {
		t.Fatalf("over-delivery: %d items for 300 requested", len(items))
	}
	for i := 1; i < len(items); i++ {
		if items[i] <= items[i-1] {
			t.Fatalf("order violated at %d: %d after %d", i, items[i], items[i-1])
		}
	}
}
