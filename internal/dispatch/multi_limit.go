package dispatch

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"translation-dispatch/internal/config"
	"translation-dispatch/internal/domain"
	"translation-dispatch/internal/domain/model"
	"translation-dispatch/internal/domain/ports/adapter"
	"translation-dispatch/internal/infra/metrics"
)

// multiLimitStrategy throttles an arbitrary OpenAI-compatible endpoint
// against up to three independently optional ceilings: requests per
// minute, requests per day, and tokens per minute. In concurrent mode
// it self-throttles with a dynamic delay that tightens as usage
// approaches the published limits, instead of bursting until a 429.
type multiLimitStrategy struct {
	s    *Scheduler
	name string

	requests *RateWindow
	tokens   *RateWindow
	backoff  float64

	staged     *model.JobData
	timer      *time.Timer
	timerArmed bool
}

func newMultiLimitStrategy(s *Scheduler, name string) *multiLimitStrategy {
	return &multiLimitStrategy{
		s:        s,
		name:     name,
		requests: NewRateWindow(),
		tokens:   NewRateWindow(),
		backoff:  1.0,
	}
}

func (m *multiLimitStrategy) Dispatch() {
	if m.timerArmed || m.staged != nil {
		m.s.log.Debug().Str("connection", m.name).Msg("dispatch deferred: job already staged on internal timer")
		return
	}
	cfg := m.s.store.Snapshot()
	conn, ok := cfg.FindConnection(m.name)
	if !ok {
		m.s.failBatch("failed (connection removed)",
			fmt.Errorf("%w: connection %s removed from config", domain.ErrInvalidConfig, m.name))
		return
	}

	sequential := conn.Sequential()
	if sequential && m.s.active > 0 {
		metrics.IncDispatchBlocked(m.name, "sequential")
		m.s.log.Debug().Str("connection", m.name).Msg("dispatch deferred: waiting for in-flight response")
		return
	}

	limits := m.effectiveLimits(cfg, conn)
	now := m.s.now()
	if m.rateLimited(limits, now) {
		metrics.IncDispatchBlocked(m.name, "rate_limit")
		m.s.log.Debug().Str("connection", m.name).Msg("dispatch deferred: rate limit reached")
		return
	}

	if len(m.s.pending) == 0 {
		return
	}
	m.staged = m.s.pending[0]
	if sequential {
		m.executeDispatch()
		return
	}

	delay := m.dispatchDelay(limits, now)
	metrics.ObserveDispatchDelay(m.name, float64(delay.Milliseconds()))
	m.s.log.Debug().Str("connection", m.name).Dur("delay", delay).Msg("staging job with dynamic delay")
	m.timerArmed = true
	m.timer = time.AfterFunc(delay, func() {
		m.s.post(func() {
			m.timerArmed = false
			m.executeDispatch()
		})
	})
}

func (m *multiLimitStrategy) executeDispatch() {
	job := m.staged
	if job == nil {
		return
	}
	m.staged = nil
	// The queue may have been cleared or reordered while the delay
	// timer was armed.
	if m.s.state != StateRunning || len(m.s.pending) == 0 || m.s.pending[0] != job {
		return
	}
	m.requests.RecordRequest(m.s.now())
	m.s.log.Debug().
		Str("connection", m.name).
		Str("item_id", job.Item.ID).
		Str("model", job.ModelName).
		Msg("dispatching job")
	m.s.submitHead()
	if len(m.s.pending) > 0 {
		m.s.armDispatch(followUpDelay)
	}
}

func (m *multiLimitStrategy) OnJobCompleted(_ *model.JobData, usage adapter.Usage) {
	// Sustained success recovers normal throughput.
	m.backoff = math.Max(1.0, m.backoff/2.0)
	if usage.Total > 0 {
		m.tokens.RecordTokens(m.s.now(), usage.Total)
	}
}

func (m *multiLimitStrategy) OnJobFailed(_ *model.JobData, err error) {
	if !domain.IsRateLimit(err) {
		return
	}
	m.backoff = math.Min(m.backoff+1.0, maxBackoffMultiplier)
	pause := time.Duration(float64(backoffBase) * m.backoff)
	m.s.log.Warn().
		Str("connection", m.name).
		Float64("backoff", m.backoff).
		Dur("pause", pause).
		Msg("rate limit error, backing off")
	m.s.armDispatch(pause)
}

func (m *multiLimitStrategy) Status() StrategyStatus {
	cfg := m.s.store.Snapshot()
	conn, ok := cfg.FindConnection(m.name)
	if !ok {
		return StrategyStatus{Connection: m.name, Message: "connection not configured"}
	}
	modelName := ""
	if mc, ok := cfg.ActiveModel(conn); ok {
		modelName = mc.ModelID
	}
	limits := m.effectiveLimits(cfg, conn)
	now := m.s.now()

	var out []LimitStatus
	if limits.RPM != nil && *limits.RPM > 0 {
		out = append(out, LimitStatus{Name: "RPM", Current: m.requests.CountSince(now, time.Minute), Limit: *limits.RPM})
	}
	if limits.TPM != nil && *limits.TPM > 0 {
		out = append(out, LimitStatus{Name: "TPM", Current: m.tokens.SumSince(now, time.Minute), Limit: *limits.TPM})
	}
	if limits.RPD != nil && *limits.RPD > 0 {
		out = append(out, LimitStatus{Name: "RPD", Current: m.requests.CountSince(now, 24*time.Hour), Limit: *limits.RPD})
	}
	if len(out) == 0 {
		return StrategyStatus{Connection: m.name, Model: modelName, Message: "no limits configured"}
	}
	return StrategyStatus{Connection: m.name, Model: modelName, Limits: out}
}

func (m *multiLimitStrategy) Reset() {
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timerArmed = false
	m.staged = nil
	m.backoff = 1.0
}

func (m *multiLimitStrategy) effectiveLimits(cfg config.Config, conn config.Connection) config.Limits {
	if mc, ok := cfg.ActiveModel(conn); ok {
		return config.EffectiveLimits(conn, mc)
	}
	return conn.Limits
}

func (m *multiLimitStrategy) rateLimited(limits config.Limits, now time.Time) bool {
	if limits.RPD != nil && m.requests.CountSince(now, 24*time.Hour) >= *limits.RPD {
		return true
	}
	if limits.RPM != nil && m.requests.CountSince(now, time.Minute) >= *limits.RPM {
		return true
	}
	if limits.TPM != nil && m.tokens.SumSince(now, time.Minute) >= *limits.TPM {
		return true
	}
	return false
}

// dispatchDelay computes the concurrent-mode self-throttling delay:
// a fixed base plus jitter, plus a component that scales linearly from
// zero to maxDynamicDelay as the busiest tracked resource climbs from
// the warning threshold toward 100% usage.
func (m *multiLimitStrategy) dispatchDelay(limits config.Limits, now time.Time) time.Duration {
	usagePct := 0.0
	if limits.RPM != nil && *limits.RPM > 0 {
		pct := float64(m.requests.CountSince(now, time.Minute)) / float64(*limits.RPM) * 100
		usagePct = math.Max(usagePct, pct)
	}
	if limits.TPM != nil && *limits.TPM > 0 {
		pct := float64(m.tokens.SumSince(now, time.Minute)) / float64(*limits.TPM) * 100
		usagePct = math.Max(usagePct, pct)
	}

	dynamicMs := 0.0
	if usagePct > delayWarningThresholdPct {
		progress := (usagePct - delayWarningThresholdPct) / (100.0 - delayWarningThresholdPct)
		dynamicMs = float64(maxDynamicDelay.Milliseconds()) * math.Min(progress, 1.0)
	}
	baseMs := float64(baseDispatchDelay.Milliseconds()) + rand.Float64()*float64(maxDispatchJitter.Milliseconds())
	return time.Duration(baseMs+dynamicMs) * time.Millisecond
}
