package dispatch

import (
	"time"

	"translation-dispatch/internal/domain/model"
	"translation-dispatch/internal/domain/ports/adapter"
)

// Throttling constants shared by the strategies.
const (
	// followUpDelay re-arms the dispatch loop shortly after a submit or
	// completion so queued jobs keep flowing without a tight spin.
	followUpDelay = 100 * time.Millisecond

	// rpmCooldown is the default suspension of a key that hit its
	// per-minute ceiling or returned a quota error without a hint.
	rpmCooldown = 61 * time.Second
	// cooldownRetryMargin pads a provider-suggested retry delay.
	cooldownRetryMargin = 3 * time.Second
	// allKeysBusyFallback is the wait when every key is rate-limited
	// but none is in an explicit cooldown.
	allKeysBusyFallback = time.Second
	// minCooldownMargin pads the shortest remaining cooldown before the
	// next dispatch attempt.
	minCooldownMargin = 50 * time.Millisecond

	// Dynamic-delay shaping for the multi-limit strategy.
	delayWarningThresholdPct = 75.0
	maxDynamicDelay          = 4 * time.Second
	baseDispatchDelay        = time.Second
	maxDispatchJitter        = 500 * time.Millisecond

	// Backoff applied to a whole connection after rate-limit failures.
	backoffBase          = time.Second
	maxBackoffMultiplier = 10.0
)

// Strategy is the per-provider admission-control policy. All methods
// run on the scheduler goroutine; a strategy never touches scheduler
// state from anywhere else.
type Strategy interface {
	// Dispatch may submit at most one head-of-queue job to the worker
	// pool, or arm a delayed retry instead. One job per call keeps the
	// usage counters consistent with what is actually in flight.
	Dispatch()
	// OnJobCompleted records usage and relaxes throttling.
	OnJobCompleted(job *model.JobData, usage adapter.Usage)
	// OnJobFailed adjusts cooldown/backoff state for rate-limit-shaped
	// errors. Retriability is the scheduler's decision, not the
	// strategy's.
	OnJobFailed(job *model.JobData, err error)
	// Status is a read-only projection for observability.
	Status() StrategyStatus
	// Reset clears transient state (staged jobs, timers, backoff)
	// without touching persisted configuration.
	Reset()
}
