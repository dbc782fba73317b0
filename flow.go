package qpid

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// flowThreshold is the accumulated-credit threshold before a message.flow
// is worth sending.
const flowThreshold = 50

// maxFlowRetry bounds how long a producer is ever told to wait before
// retrying, regardless of how far below the configured rate it has fallen.
const maxFlowRetry = 500 * time.Millisecond

// FlowDecision is what a SessionState does with one content-message
// admission: stop the producer, or optionally replenish its credit.
type FlowDecision struct {
	Credit     int
	Stop       bool
	IssueFlow  bool
	RetryAfter time.Duration
}

// FlowController is the per-session producer rate limiter: a
// golang.org/x/time/rate token bucket sized by the configured messages/sec
// rate, with a credit-batching layer on top that decides when accumulated
// headroom is worth announcing as a message.flow.
type FlowController struct {
	rateLock sync.Mutex

	rate        int
	limiter     *rate.Limiter
	issuedSince int
	stopped     bool

	now func() time.Time // overridden in tests for deterministic reservations
}

// NewFlowController builds a FlowController for the given messages/sec
// rate. rate<=0 means unmetered: every admission is granted one credit and
// never stops. The bucket's burst size (and therefore its initial credit)
// is min(rate, 300).
func NewFlowController(msgsPerSec int) *FlowController {
	f := &FlowController{rate: msgsPerSec, now: time.Now}
	if msgsPerSec > 0 {
		burst := msgsPerSec
		if burst > 300 {
			burst = 300
		}
		f.limiter = rate.NewLimiter(rate.Limit(msgsPerSec), burst)
	}
	return f
}

// Admit is called on each content-message admission and returns the
// (credit, stopped) decision. A reservation that cannot be honoured
// immediately is cancelled rather than consumed, so the token stays
// available for whichever admission attempt actually waits it out, and the
// producer is told to retry after min(50/rate seconds, maxFlowRetry).
func (f *FlowController) Admit() FlowDecision {
	f.rateLock.Lock()
	defer f.rateLock.Unlock()

	if f.limiter == nil {
		return FlowDecision{Credit: 1}
	}

	now := f.now()
	res := f.limiter.ReserveN(now, 1)
	if !res.OK() {
		f.stopped = true
		return FlowDecision{Stop: true, RetryAfter: maxFlowRetry}
	}

	delay := res.DelayFrom(now)
	if delay > 0 {
		res.Cancel()
		f.stopped = true
		retry := time.Duration(float64(50*time.Second) / float64(f.rate))
		if retry > maxFlowRetry {
			retry = maxFlowRetry
		}
		return FlowDecision{Stop: true, RetryAfter: retry}
	}

	f.issuedSince++
	d := FlowDecision{Credit: int(f.limiter.TokensAt(now))}
	if f.issuedSince >= flowThreshold {
		d.IssueFlow = true
		f.issuedSince = 0
	}
	return d
}

// Replenish clears the stopped flag after a scheduled retry fires and
// reports the credit now available; the bucket itself has already been
// accruing tokens continuously, so this just samples it.
func (f *FlowController) Replenish() int {
	f.rateLock.Lock()
	defer f.rateLock.Unlock()
	f.stopped = false
	f.issuedSince = 0
	if f.limiter == nil {
		return flowThreshold
	}
	return int(f.limiter.TokensAt(f.now()))
}

// Stopped reports whether the controller is currently throttling.
func (f *FlowController) Stopped() bool {
	f.rateLock.Lock()
	defer f.rateLock.Unlock()
	return f.stopped
}
