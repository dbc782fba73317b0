package qpid

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeClock lets a test advance time deterministically without sleeping,
// so the underlying rate.Limiter's token accrual is fully predictable.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestFlowController(msgsPerSec int) (*FlowController, *fakeClock) {
	f := NewFlowController(msgsPerSec)
	clock := &fakeClock{t: time.Now()}
	f.now = clock.now
	return f, clock
}

func TestNewFlowControllerInitialCreditCapped(t *testing.T) {
	f, _ := newTestFlowController(1000)
	require.EqualValues(t, 300, f.limiter.Burst(), "initial credit is capped at 300 regardless of rate")

	f2, _ := newTestFlowController(10)
	require.EqualValues(t, 10, f2.limiter.Burst(), "initial credit is min(rate, 300)")
}

func TestUnmeteredSessionNeverStops(t *testing.T) {
	f, _ := newTestFlowController(0)
	for i := 0; i < 1000; i++ {
		d := f.Admit()
		require.False(t, d.Stop)
	}
}

func TestFlowControllerStopsWhenWindowExhausted(t *testing.T) {
	f, _ := newTestFlowController(5)
	var stopped bool
	for i := 0; i < 6; i++ {
		d := f.Admit()
		if d.Stop {
			stopped = true
			require.Greater(t, d.RetryAfter, time.Duration(0))
			break
		}
	}
	require.True(t, stopped, "a rate-limited session must eventually stop admitting")
}

func TestFlowControllerRetryIntervalBounded(t *testing.T) {
	f, _ := newTestFlowController(1) // burst 1, long refill period
	f.Admit()                        // consume the only available token
	d := f.Admit()
	require.True(t, d.Stop)
	require.LessOrEqual(t, d.RetryAfter, maxFlowRetry)
}

func TestFlowControllerReplenishClearsStopped(t *testing.T) {
	f, clock := newTestFlowController(5)
	for i := 0; i < 5; i++ {
		f.Admit()
	}
	d := f.Admit()
	require.True(t, d.Stop)
	require.True(t, f.Stopped())

	clock.advance(time.Second) // a full bucket of refill (five tokens) at rate=5/s
	f.Replenish()
	require.False(t, f.Stopped())
}

func TestFlowControllerIssuesFlowAtThreshold(t *testing.T) {
	f, clock := newTestFlowController(1000)
	var issued bool
	for i := 0; i < flowThreshold; i++ {
		clock.advance(time.Millisecond)
		d := f.Admit()
		require.False(t, d.Stop)
		if d.IssueFlow {
			issued = true
		}
	}
	require.True(t, issued, "crossing the flow threshold must request a message.flow")
}
