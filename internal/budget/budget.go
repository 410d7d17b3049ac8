// Package budget implements a single tumbling-minute budget: a value object
// guarded by one mutex exposing hold/commit/release semantics (lock, report,
// release, status). It is the leaf component everything else in this module
// composes: the counter service pairs two of these per resource group, and the
// reservation client/backoff coordinator never see it directly.
package budget

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// window is the fixed tumbling interval over which usage accumulates.
const window = 60 * time.Second

// DenialReason distinguishes why a lock was refused, so paired budgets (see
// internal/counter) can report which half of the pair is exhausted.
type DenialReason string

const (
	// DenialNone is the zero value: the lock was allowed.
	DenialNone DenialReason = ""
	// DenialValidation means amount <= 0.
	DenialValidation DenialReason = "validation"
	// DenialExhausted means committed+held+amount would exceed limit.
	DenialExhausted DenialReason = "exhausted"
)

// reservation is the internal bookkeeping record for one outstanding hold.
type reservation struct {
	clientID   string
	amount     int
	acquiredAt time.Time
}

// Snapshot is the externally visible state of a Budget at a point in time.
type Snapshot struct {
	Limit              int
	Committed          int
	Held               int
	Available          int
	SecondsUntilReset  int
}

// LockResult is returned by Lock.
type LockResult struct {
	Allowed           bool
	Handle            string
	DenialReason      DenialReason
	AvailableAfter    int
	SecondsUntilReset int
}

// Budget is a single named quota pool with tumbling-minute semantics. All
// fields below mu are guarded by it; every public method acquires mu for its
// entire duration, per the spec's single-critical-section requirement (no
// operation ever suspends while holding the lock — all work here is O(1) pure
// arithmetic and map manipulation).
type Budget struct {
	mu sync.Mutex

	limit       int
	windowStart time.Time
	committed   int
	held        int
	reservations map[string]reservation

	// now is overridable for deterministic tests; defaults to time.Now.
	now func() time.Time
}

// New constructs a Budget with the given per-minute limit. limit must be a
// positive integer; the spec allows any positive integer.
func New(limit int) *Budget {
	b := &Budget{
		limit:        limit,
		reservations: make(map[string]reservation),
		now:          time.Now,
	}
	b.windowStart = b.now().Truncate(window)

	return b
}

// roll advances windowStart to the largest minute boundary <= now and clears
// committed/held/reservations if at least 60s have elapsed since windowStart.
// Must be called with mu held. It never rewinds windowStart (a backward clock
// jump is a no-op), and a forward jump of more than one minute collapses to a
// single roll onto the new boundary, per spec.md §8 boundaries.
func (b *Budget) roll() {
	now := b.now()
	if now.Sub(b.windowStart) < window {
		return
	}

	newStart := now.Truncate(window)
	if newStart.Before(b.windowStart) {
		// clock moved backward relative to windowStart's truncation; never rewind.
		return
	}

	b.windowStart = newStart
	b.committed = 0
	b.held = 0
	b.reservations = make(map[string]reservation)
}

// secondsUntilReset returns the number of whole seconds remaining until the
// current window rolls over. Must be called with mu held, after roll().
func (b *Budget) secondsUntilReset() int {
	remaining := window - b.now().Sub(b.windowStart)
	if remaining < 0 {
		remaining = 0
	}

	secs := int(remaining / time.Second)
	if remaining%time.Second > 0 {
		secs++
	}

	return secs
}

// Lock attempts to reserve amount units from the budget on behalf of
// clientID. See spec.md §4.1 for full semantics: amount<=0 is denied as a
// validation error with no state change; otherwise it succeeds iff
// committed+held+amount <= limit.
func (b *Budget) Lock(clientID string, amount int) LockResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.roll()

	if amount <= 0 {
		return LockResult{
			Allowed:           false,
			DenialReason:      DenialValidation,
			SecondsUntilReset: b.secondsUntilReset(),
		}
	}

	if b.committed+b.held+amount > b.limit {
		return LockResult{
			Allowed:           false,
			DenialReason:      DenialExhausted,
			AvailableAfter:    b.available(),
			SecondsUntilReset: b.secondsUntilReset(),
		}
	}

	handle := uuid.NewString()
	b.reservations[handle] = reservation{clientID: clientID, amount: amount, acquiredAt: b.now()}
	b.held += amount

	return LockResult{
		Allowed:           true,
		Handle:            handle,
		AvailableAfter:    b.available(),
		SecondsUntilReset: b.secondsUntilReset(),
	}
}

// available returns limit-committed-held. Must be called with mu held.
func (b *Budget) available() int {
	return b.limit - b.committed - b.held
}

// Report settles a reservation: held -= reservation.amount, committed +=
// max(used, 0). used may exceed the original reservation's amount (typical for
// chat completions whose output length was unknown at lock time); the
// resulting committed may transiently exceed limit until the window rolls.
// A report against an unknown handle (already reclaimed by a window roll) is a
// no-op success, per spec.md §4.1's rationale.
func (b *Budget) Report(handle string, used int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.roll()

	r, ok := b.reservations[handle]
	if !ok {
		return
	}
	delete(b.reservations, handle)

	b.held -= r.amount
	if used < 0 {
		used = 0
	}
	b.committed += used
}

// Release drops a reservation without committing any usage. Same
// missing-handle policy as Report: no-op success.
func (b *Budget) Release(handle string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.roll()

	r, ok := b.reservations[handle]
	if !ok {
		return
	}
	delete(b.reservations, handle)
	b.held -= r.amount
}

// Status returns a snapshot of the budget after rolling the window.
func (b *Budget) Status() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.roll()

	return Snapshot{
		Limit:             b.limit,
		Committed:         b.committed,
		Held:              b.held,
		Available:         b.available(),
		SecondsUntilReset: b.secondsUntilReset(),
	}
}

// Limit returns the configured per-minute limit.
func (b *Budget) Limit() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.limit
}

// WithClock overrides the budget's time source. Intended for tests only.
func (b *Budget) WithClock(now func() time.Time) *Budget {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.now = now
	b.windowStart = now().Truncate(window)

	return b
}
