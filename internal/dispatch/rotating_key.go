package dispatch

import (
	"fmt"
	"time"

	"translation-dispatch/internal/config"
	"translation-dispatch/internal/domain"
	"translation-dispatch/internal/domain/model"
	"translation-dispatch/internal/domain/ports/adapter"
	"translation-dispatch/internal/infra/logging"
	"translation-dispatch/internal/infra/metrics"
)

// rotatingKeyStrategy drives the built-in Gemini connection: N API keys
// in round-robin rotation, each with its own per-minute request window
// and quota-driven cooldown. The rotation index is persisted so the
// scan does not restart at key 0 after every process restart.
type rotatingKeyStrategy struct {
	s    *Scheduler
	name string

	requestsPerKey map[string]*RateWindow
	cooldownUntil  map[string]time.Time
}

func newRotatingKeyStrategy(s *Scheduler, name string) *rotatingKeyStrategy {
	return &rotatingKeyStrategy{
		s:              s,
		name:           name,
		requestsPerKey: map[string]*RateWindow{},
		cooldownUntil:  map[string]time.Time{},
	}
}

func (g *rotatingKeyStrategy) Dispatch() {
	cfg := g.s.store.Snapshot()
	keys := cfg.Gemini.APIKeys
	if len(keys) == 0 {
		g.s.failBatch("failed (no api keys)", fmt.Errorf("%w for connection %s", domain.ErrNoAPIKeys, g.name))
		return
	}

	now := g.s.now()
	modelName := g.activeModel(cfg)
	limit := g.effectiveRPM(cfg, modelName)

	start := cfg.Gemini.KeyIndex
	winner := -1
	var key string
	for i := 0; i < len(keys); i++ {
		idx := (start + i) % len(keys)
		cand := keys[idx]
		if until, ok := g.cooldownUntil[cand]; ok && until.After(now) {
			continue
		}
		if g.currentRPM(cand, now) >= limit {
			// The per-minute window is full; park the key so the next
			// scans skip it without re-counting.
			g.cooldownUntil[cand] = now.Add(rpmCooldown)
			metrics.IncKeyCooldown(g.name)
			continue
		}
		winner, key = idx, cand
		break
	}

	if winner < 0 {
		wait := allKeysBusyFallback
		var minRemaining time.Duration
		for _, k := range keys {
			if until, ok := g.cooldownUntil[k]; ok && until.After(now) {
				remaining := until.Sub(now)
				if minRemaining == 0 || remaining < minRemaining {
					minRemaining = remaining
				}
			}
		}
		if minRemaining > 0 {
			wait = minRemaining + minCooldownMargin
		}
		g.s.log.Warn().
			Str("connection", g.name).
			Dur("wait", wait).
			Msg("all keys busy or cooling down, rescheduling dispatch")
		metrics.IncDispatchBlocked(g.name, "cooldown")
		g.s.armDispatch(wait)
		return
	}

	// Advance the persisted rotation so the next dispatch starts after
	// this key.
	g.s.store.SetGeminiKeyIndex((winner + 1) % len(keys))

	if len(g.s.pending) == 0 {
		return
	}
	job := g.s.pending[0]
	job.APIKey = key
	g.recordRequest(key, now)
	g.s.log.Debug().
		Str("connection", g.name).
		Str("item_id", job.Item.ID).
		Str("api_key", logging.MaskKey(key)).
		Str("model", modelName).
		Msg("dispatching job")
	g.s.submitHead()

	// More pending work may be admissible on another key right away.
	if len(g.s.pending) > 0 {
		g.s.armDispatch(followUpDelay)
	}
}

func (g *rotatingKeyStrategy) OnJobCompleted(*model.JobData, adapter.Usage) {}

func (g *rotatingKeyStrategy) OnJobFailed(job *model.JobData, err error) {
	if !domain.IsRateLimit(err) {
		return
	}
	now := g.s.now()
	cooldown := rpmCooldown
	hint := domain.RetryAfterHint(err)
	if hint > 0 {
		cooldown = hint + cooldownRetryMargin
	}
	g.cooldownUntil[job.APIKey] = now.Add(cooldown)
	metrics.IncKeyCooldown(g.name)

	if hint > 0 {
		cfg := g.s.store.Snapshot()
		modelName := g.activeModel(cfg)
		if observed := g.currentRPM(job.APIKey, now); observed > 0 && observed < g.effectiveRPM(cfg, modelName) {
			// A quota trip with a retry hint below the configured ceiling:
			// the provider enforces a lower per-minute limit for this
			// model. Remember it so future scans stop overshooting.
			g.s.store.SetDiscoveredRPM(modelName, observed)
			g.s.log.Info().
				Str("connection", g.name).
				Str("model", modelName).
				Int("rpm_limit", observed).
				Msg("discovered lower rpm limit from quota error")
		}
	}
	g.s.log.Info().
		Str("connection", g.name).
		Str("api_key", logging.MaskKey(job.APIKey)).
		Dur("cooldown", cooldown).
		Msg("cooling down api key after quota error")
}

func (g *rotatingKeyStrategy) Status() StrategyStatus {
	cfg := g.s.store.Snapshot()
	keys := cfg.Gemini.APIKeys
	if len(keys) == 0 {
		return StrategyStatus{Connection: g.name, Message: "no API keys configured"}
	}

	now := g.s.now()
	modelName := g.activeModel(cfg)
	limit := g.effectiveRPM(cfg, modelName)

	if len(keys) == 1 {
		return StrategyStatus{
			Connection: g.name,
			Model:      modelName,
			Limits:     []LimitStatus{{Name: "RPM", Current: g.currentRPM(keys[0], now), Limit: limit}},
		}
	}

	start := cfg.Gemini.KeyIndex
	coolingDown := 0
	var minRemaining time.Duration
	for i := 0; i < len(keys); i++ {
		idx := (start + i) % len(keys)
		k := keys[idx]
		if until, ok := g.cooldownUntil[k]; ok && until.After(now) {
			coolingDown++
			if remaining := until.Sub(now); minRemaining == 0 || remaining < minRemaining {
				minRemaining = remaining
			}
			continue
		}
		if rpm := g.currentRPM(k, now); rpm >= limit {
			coolingDown++
			if minRemaining == 0 || time.Minute < minRemaining {
				minRemaining = time.Minute
			}
			continue
		}
		return StrategyStatus{
			Connection: g.name,
			Model:      fmt.Sprintf("%s (key #%d)", modelName, idx+1),
			Limits:     []LimitStatus{{Name: "RPM", Current: g.currentRPM(k, now), Limit: limit}},
		}
	}
	return StrategyStatus{
		Connection: g.name,
		Message: fmt.Sprintf("all %d keys cooling down, ~%.0fs until next attempt",
			coolingDown, minRemaining.Seconds()),
	}
}

func (g *rotatingKeyStrategy) Reset() {
	// Cooldowns reflect real provider-side limits and deliberately
	// survive a batch reset; fresh state comes from strategy
	// re-initialization on config changes.
}

func (g *rotatingKeyStrategy) activeModel(cfg config.Config) string {
	if m := cfg.ActiveModelForConnection[config.GeminiConnectionName]; m != "" {
		return m
	}
	return cfg.Gemini.Model
}

// effectiveRPM prefers a limit discovered at runtime over the
// statically configured one.
func (g *rotatingKeyStrategy) effectiveRPM(cfg config.Config, modelName string) int {
	if rpm, ok := cfg.Gemini.DiscoveredRPM[modelName]; ok && rpm > 0 {
		return rpm
	}
	return cfg.Gemini.RPMLimit
}

func (g *rotatingKeyStrategy) recordRequest(key string, at time.Time) {
	w := g.requestsPerKey[key]
	if w == nil {
		w = NewRateWindow()
		g.requestsPerKey[key] = w
	}
	w.RecordRequest(at)
}

func (g *rotatingKeyStrategy) currentRPM(key string, now time.Time) int {
	w := g.requestsPerKey[key]
	if w == nil {
		return 0
	}
	return w.CountSince(now, time.Minute)
}
