package budget_test

import (
	"math/rand"
	"quotaguard/internal/budget"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// clock is a mutable time source for deterministic window-roll tests.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock(t time.Time) *clock { return &clock{t: t} }

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.t = c.t.Add(d)
}

func (c *clock) set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.t = t
}

func TestLockReportRelease_Scenario1(t *testing.T) {
	// Scenario 1 of spec.md §8.
	b := budget.New(1000)

	res := b.Lock("A", 600)
	require.True(t, res.Allowed)
	st := b.Status()
	require.Equal(t, 400, st.Available)
	require.Equal(t, 600, st.Held)

	res2 := b.Lock("B", 500)
	require.False(t, res2.Allowed)
	require.Equal(t, budget.DenialExhausted, res2.DenialReason)
	require.Greater(t, res2.SecondsUntilReset, 0)
	require.LessOrEqual(t, res2.SecondsUntilReset, 60)

	b.Report(res.Handle, 550)
	st = b.Status()
	require.Equal(t, 550, st.Committed)
	require.Equal(t, 0, st.Held)
	require.Equal(t, 450, st.Available)

	res3 := b.Lock("B", 400)
	require.True(t, res3.Allowed)
}

func TestZeroAmountDeniedAsValidation(t *testing.T) {
	b := budget.New(100)
	res := b.Lock("A", 0)
	require.False(t, res.Allowed)
	require.Equal(t, budget.DenialValidation, res.DenialReason)
	require.Equal(t, 0, b.Status().Held)
}

func TestNegativeAmountDeniedAsValidation(t *testing.T) {
	b := budget.New(100)
	res := b.Lock("A", -5)
	require.False(t, res.Allowed)
	require.Equal(t, budget.DenialValidation, res.DenialReason)
}

func TestAmountEqualToLimit(t *testing.T) {
	b := budget.New(100)
	res := b.Lock("A", 100)
	require.True(t, res.Allowed)

	b2 := budget.New(100)
	b2.Lock("A", 1)
	res2 := b2.Lock("B", 100)
	require.False(t, res2.Allowed)
}

func TestAmountGreaterThanLimitDenied(t *testing.T) {
	b := budget.New(100)
	res := b.Lock("A", 101)
	require.False(t, res.Allowed)
}

func TestReportUnknownHandleIsNoopSuccess(t *testing.T) {
	b := budget.New(100)
	// Does not panic and does not alter state.
	b.Report("does-not-exist", 10)
	require.Equal(t, 0, b.Status().Committed)
}

func TestReleaseUnknownHandleIsNoopSuccess(t *testing.T) {
	b := budget.New(100)
	b.Release("does-not-exist")
	require.Equal(t, 100, b.Status().Available)
}

func TestWindowRollClearsState(t *testing.T) {
	c := newClock(time.Unix(0, 0).Truncate(time.Minute))
	b := budget.New(100).WithClock(c.now)

	res := b.Lock("A", 40)
	require.True(t, res.Allowed)
	b.Report(res.Handle, 40)
	require.Equal(t, 40, b.Status().Committed)

	c.advance(61 * time.Second)

	st := b.Status()
	require.Equal(t, 0, st.Committed)
	require.Equal(t, 0, st.Held)
	require.Equal(t, 100, st.Available)
}

func TestWindowRollLosesStaleHandle(t *testing.T) {
	// Scenario 3 and 5 of spec.md §8: lock, sleep past boundary, report/release
	// is a no-op success and status shows a fresh window.
	c := newClock(time.Unix(0, 0).Truncate(time.Minute))
	b := budget.New(5000).WithClock(c.now)

	res := b.Lock("W1", 1000)
	require.True(t, res.Allowed)

	c.advance(61 * time.Second)

	b.Report(res.Handle, 1000)
	st := b.Status()
	require.Equal(t, 0, st.Committed)
	require.Equal(t, 5000, st.Available)
}

func TestClockJumpBackwardDoesNotRewindWindow(t *testing.T) {
	start := time.Unix(10_000, 0).Truncate(time.Minute)
	c := newClock(start)
	b := budget.New(100).WithClock(c.now)

	res := b.Lock("A", 50)
	require.True(t, res.Allowed)

	c.set(start.Add(-10 * time.Second))
	// roll should be a no-op; reservation must still be live.
	st := b.Status()
	require.Equal(t, 50, st.Held)
	b.Report(res.Handle, 50)
	require.Equal(t, 50, b.Status().Committed)
}

func TestClockJumpForwardRollsOnceOntoNewBoundary(t *testing.T) {
	start := time.Unix(10_000, 0).Truncate(time.Minute)
	c := newClock(start)
	b := budget.New(100).WithClock(c.now)

	b.Lock("A", 50)
	c.advance(5 * time.Minute)

	st := b.Status()
	require.Equal(t, 0, st.Held)
	require.Equal(t, 100, st.Available)
}

func TestReportOverConsumptionMayExceedLimitTransiently(t *testing.T) {
	b := budget.New(100)
	res := b.Lock("A", 10)
	require.True(t, res.Allowed)
	b.Report(res.Handle, 500)

	st := b.Status()
	require.Equal(t, 500, st.Committed)
	require.Negative(t, st.Available)

	// subsequent locks in the same window deny.
	res2 := b.Lock("B", 1)
	require.False(t, res2.Allowed)
}

func TestLockThenReleaseRestoresSnapshot(t *testing.T) {
	b := budget.New(500)
	before := b.Status()

	res := b.Lock("A", 200)
	require.True(t, res.Allowed)
	b.Release(res.Handle)

	after := b.Status()
	require.Equal(t, before.Available, after.Available)
	require.Equal(t, before.Held, after.Held)
	require.Equal(t, before.Committed, after.Committed)
}

func TestLockThenReportEquivalentToDirectLock(t *testing.T) {
	b1 := budget.New(1000)
	res := b1.Lock("A", 300)
	b1.Report(res.Handle, 250)

	b2 := budget.New(1000)
	res2 := b2.Lock("A", 250)
	b2.Report(res2.Handle, 250)

	s1 := b1.Status()
	s2 := b2.Status()
	require.Equal(t, s1.Committed+s1.Held, s2.Committed+s2.Held)
}

// TestRandomizedInvariants exercises a random interleaving of lock/report/
// release against one budget and asserts the core invariants of spec.md §8
// hold throughout, with slack for over-consuming reports.
func TestRandomizedInvariants(t *testing.T) {
	const limit = 1000

	rng := rand.New(rand.NewSource(1))
	b := budget.New(limit)

	var outstanding []string
	var largestAmount int
	var lockedTotal, reportedTotal int

	for i := 0; i < 5000; i++ {
		switch rng.Intn(3) {
		case 0:
			amount := rng.Intn(50) + 1
			if amount > largestAmount {
				largestAmount = amount
			}
			res := b.Lock("client", amount)
			if res.Allowed {
				outstanding = append(outstanding, res.Handle)
				lockedTotal += amount
			}
		case 1:
			if len(outstanding) == 0 {
				continue
			}
			idx := rng.Intn(len(outstanding))
			h := outstanding[idx]
			outstanding = append(outstanding[:idx], outstanding[idx+1:]...)
			used := rng.Intn(60)
			b.Report(h, used)
			reportedTotal += used
		default:
			if len(outstanding) == 0 {
				continue
			}
			idx := rng.Intn(len(outstanding))
			h := outstanding[idx]
			outstanding = append(outstanding[:idx], outstanding[idx+1:]...)
			b.Release(h)
		}

		st := b.Status()
		require.GreaterOrEqual(t, st.Held, 0)
		require.LessOrEqual(t, st.Committed+st.Held, limit+largestAmount)
	}
}
