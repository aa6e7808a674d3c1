package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"translation-dispatch/internal/config"
	"translation-dispatch/internal/domain"
	"translation-dispatch/internal/domain/model"
	"translation-dispatch/internal/domain/ports/adapter"
	"translation-dispatch/internal/infra/cache"
	"translation-dispatch/internal/infra/metrics"
	"translation-dispatch/internal/infra/worker"
)

// Scheduler owns the pending-job queue, the batch state machine,
// progress accounting, and the polling loop that asks the active
// connection's strategy to admit work. All mutable state is confined to
// the single run-loop goroutine: public methods and executor callbacks
// post closures onto the mailbox instead of touching fields directly,
// and all waiting is expressed as timers that post back, never as a
// blocked goroutine.
type Scheduler struct {
	log    *zerolog.Logger
	store  *config.Store
	pool   *worker.Pool
	exec   adapter.JobExecutor
	cache  *cache.TranslationCache
	events Events
	now    func() time.Time

	mailbox chan func()
	done    chan struct{}

	state      State
	batchID    string
	pending    []*model.JobData
	active     int
	total      int
	completed  int
	strategies map[string]Strategy
	activeConn string
	maxAPIJobs int

	dispatchArmed bool
	dispatchTimer *time.Timer
	monitorEvery  time.Duration
	monitor       *time.Ticker
}

var _ adapter.ResultSink = (*Scheduler)(nil)

func NewScheduler(
	store *config.Store,
	pool *worker.Pool,
	exec adapter.JobExecutor,
	translationCache *cache.TranslationCache,
	events Events,
	log *zerolog.Logger,
) *Scheduler {
	if events == nil {
		events = NopEvents{}
	}
	s := &Scheduler{
		log:        log,
		store:      store,
		pool:       pool,
		exec:       exec,
		cache:      translationCache,
		events:     events,
		now:        time.Now,
		mailbox:    make(chan func(), 256),
		done:       make(chan struct{}),
		state:      StateIdle,
		strategies: map[string]Strategy{},
	}
	s.applyConfig()
	return s
}

// Run processes the mailbox until ctx is cancelled. Must be called
// exactly once, typically in its own goroutine.
func (s *Scheduler) Run(ctx context.Context) {
	s.monitor = time.NewTicker(s.monitorEvery)
	defer func() {
		s.monitor.Stop()
		close(s.done)
	}()
	s.log.Info().
		Int("max_api_jobs", s.maxAPIJobs).
		Dur("monitor_interval", s.monitorEvery).
		Msg("batch scheduler started")
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("batch scheduler stopping")
			return
		case fn := <-s.mailbox:
			fn()
		case <-s.monitor.C:
			s.monitorTick()
		}
	}
}

// post marshals fn onto the scheduler goroutine. After shutdown posts
// are dropped so late worker callbacks cannot deadlock.
func (s *Scheduler) post(fn func()) {
	select {
	case s.mailbox <- fn:
	case <-s.done:
	}
}

// ---- public API (any goroutine) ----

// StartBatch prepares jobs for every item whose cache lookup misses
// (all items when forceRegen) and begins dispatching. It returns the
// number of admitted jobs; zero with a nil error means everything was
// already translated.
func (s *Scheduler) StartBatch(items []model.TranslatableItem, targetLang string, forceRegen bool) (int, error) {
	type reply struct {
		n   int
		err error
	}
	ch := make(chan reply, 1)
	s.post(func() {
		n, err := s.startBatch(items, targetLang, forceRegen)
		ch <- reply{n, err}
	})
	select {
	case r := <-ch:
		return r.n, r.err
	case <-s.done:
		return 0, context.Canceled
	}
}

// Cancel requests a graceful stop: pending work is abandoned and
// in-flight jobs drain. A second call escalates to a hard stop that
// orphans whatever is still in flight.
func (s *Scheduler) Cancel(silent bool) {
	s.post(func() { s.cancelBatch(silent) })
}

// Reset force-cancels any batch, clears the key rotation and
// reinitializes every strategy from scratch.
func (s *Scheduler) Reset() {
	s.post(func() {
		if s.state == StateRunning {
			s.cancelBatch(true)
		}
		if s.state == StateCanceling {
			s.cancelBatch(true)
		}
		s.store.SetGeminiKeyIndex(0)
		s.applyConfig()
		s.log.Debug().Msg("scheduler state reset")
	})
}

// SetActiveConnection switches the connection used for new batches.
func (s *Scheduler) SetActiveConnection(name string) {
	s.post(func() {
		if s.activeConn == name {
			return
		}
		s.store.SetActiveConnection(name)
		s.activeConn = name
		s.log.Debug().Str("connection", name).Msg("active connection changed")
		s.publishStatus()
	})
}

// ApplyConfig re-reads the config store: recomputes the concurrency
// ceiling, rebuilds strategies, and re-arms the monitor interval.
func (s *Scheduler) ApplyConfig() {
	s.post(func() {
		s.applyConfig()
		if s.monitor != nil {
			s.monitor.Reset(s.monitorEvery)
		}
		s.publishStatus()
	})
}

// ---- ResultSink (called from worker goroutines) ----

func (s *Scheduler) JobCompleted(job *model.JobData, res adapter.Result) {
	s.post(func() { s.handleJobCompleted(job, res) })
}

func (s *Scheduler) JobFailed(job *model.JobData, err error) {
	s.post(func() { s.handleJobFailed(job, err) })
}

// ---- run-loop internals ----

func (s *Scheduler) applyConfig() {
	cfg := s.store.Snapshot()
	s.maxAPIJobs = computeMaxAPIJobs(s.pool.Size(), cfg.Workers.APIRatio)
	s.monitorEvery = time.Duration(cfg.Scheduler.MonitorIntervalMS) * time.Millisecond
	s.activeConn = cfg.ActiveConnection

	s.strategies = map[string]Strategy{
		config.GeminiConnectionName: newRotatingKeyStrategy(s, config.GeminiConnectionName),
	}
	for _, conn := range cfg.Connections {
		s.strategies[conn.Name] = newMultiLimitStrategy(s, conn.Name)
	}
	s.log.Debug().
		Int("strategies", len(s.strategies)).
		Int("max_api_jobs", s.maxAPIJobs).
		Msg("strategies initialized")
}

// computeMaxAPIJobs reserves at least one worker thread for
// non-translation work and caps API concurrency below the full pool
// even at ratio 1.0.
func computeMaxAPIJobs(threads int, ratio float64) int {
	n := int(float64(threads) * ratio)
	if n > threads-1 {
		n = threads - 1
	}
	if n < 1 {
		n = 1
	}
	return n
}

func (s *Scheduler) startBatch(items []model.TranslatableItem, targetLang string, forceRegen bool) (int, error) {
	if s.state != StateIdle {
		s.log.Warn().Stringer("state", s.state).Msg("ignoring batch start, scheduler not idle")
		return 0, domain.ErrBatchNotIdle
	}
	jobs, err := s.prepareJobs(items, targetLang, forceRegen)
	if err != nil {
		return 0, err
	}
	if len(jobs) == 0 {
		s.log.Info().Msg("nothing to translate, all items cached")
		return 0, nil
	}

	s.state = StateRunning
	s.batchID = uuid.NewString()
	s.pending = append(s.pending, jobs...)
	s.total = len(jobs)
	s.completed = 0
	s.log.Info().
		Str("batch_id", s.batchID).
		Int("jobs", s.total).
		Str("connection", jobs[0].ConnectionName).
		Msg("starting batch")
	s.events.BatchStarted(s.batchID, s.total)
	s.armDispatch(0)
	return s.total, nil
}

// prepareJobs builds one JobData per cache-missing item from the
// active connection's profile, captured once at enqueue time.
func (s *Scheduler) prepareJobs(items []model.TranslatableItem, targetLang string, forceRegen bool) ([]*model.JobData, error) {
	cfg := s.store.Snapshot()
	srcLang := cfg.SourceLanguage
	if srcLang == "" || targetLang == "" {
		return nil, fmt.Errorf("%w: source and target languages must be set", domain.ErrInvalidConfig)
	}

	var base model.JobData
	if cfg.ActiveConnection == config.GeminiConnectionName {
		modelName := cfg.ActiveModelForConnection[config.GeminiConnectionName]
		if modelName == "" {
			modelName = cfg.Gemini.Model
		}
		base = model.JobData{
			Provider:         model.ProviderGemini,
			ConnectionName:   config.GeminiConnectionName,
			ModelName:        modelName,
			GenerationParams: cfg.Gemini.GenerationParams,
		}
	} else {
		conn, ok := cfg.FindConnection(cfg.ActiveConnection)
		if !ok {
			return nil, fmt.Errorf("%w: unknown connection %q", domain.ErrInvalidConfig, cfg.ActiveConnection)
		}
		mc, ok := cfg.ActiveModel(conn)
		if !ok {
			return nil, fmt.Errorf("%w: connection %q has no models configured", domain.ErrInvalidConfig, conn.Name)
		}
		thinking := mc.Thinking
		if thinking == nil {
			thinking = &model.ThinkingConfig{Mode: "unknown"}
		}
		base = model.JobData{
			Provider:         conn.Provider,
			ConnectionName:   conn.Name,
			ModelName:        mc.ModelID,
			GenerationParams: conn.GenerationParams,
			APIKey:           conn.APIKey,
			BaseURL:          conn.BaseURL,
			Headers:          conn.Headers,
			ParsingRules:     mc.ParsingRules,
			Thinking:         thinking,
			Timeout:          time.Duration(conn.TimeoutSeconds) * time.Second,
		}
	}
	if base.Provider == "" || base.ModelName == "" {
		return nil, fmt.Errorf("%w: connection %q is missing provider or model", domain.ErrInvalidConfig, cfg.ActiveConnection)
	}

	var jobs []*model.JobData
	for _, item := range items {
		if !forceRegen {
			if _, hit := s.cache.Get(item.SourceText, srcLang, targetLang); hit {
				continue
			}
		}
		job := base
		job.Item = item
		job.SourceLang = srcLang
		job.TargetLang = targetLang
		job.IsRegeneration = forceRegen
		jobs = append(jobs, &job)
	}
	return jobs, nil
}

func (s *Scheduler) cancelBatch(silent bool) {
	switch s.state {
	case StateRunning:
		s.state = StateCanceling
		s.pending = s.pending[:0]
		if !silent {
			s.log.Warn().Int("active", s.active).Msg("graceful shutdown initiated, draining in-flight jobs")
		}
		s.events.Draining(s.active)
		if s.active == 0 {
			s.finalize("cancelled")
		}
	case StateCanceling:
		s.state = StateStopped
		if !silent {
			s.log.Warn().Int("active", s.active).Msg("hard cancel, orphaning in-flight jobs")
		}
		s.finalize("stopped")
	}
}

func (s *Scheduler) handleJobCompleted(job *model.JobData, res adapter.Result) {
	if s.state == StateIdle || s.state == StateStopped {
		return
	}
	s.active--
	s.completed++

	if strat := s.strategies[job.ConnectionName]; strat != nil {
		strat.OnJobCompleted(job, res.Usage)
	}
	s.cache.Put(job.Item.SourceText, res.Translation, job.SourceLang, job.TargetLang)
	s.events.ItemTranslated(job.Item.ID, res.Translation)
	metrics.IncJob(job.ConnectionName, "completed")
	s.events.Progress(s.completed, s.total)
	s.log.Info().
		Str("item_id", job.Item.ID).
		Int("completed", s.completed).
		Int("total", s.total).
		Int("active", s.active).
		Stringer("state", s.state).
		Msg("job completed")

	switch s.state {
	case StateRunning:
		if len(s.pending) > 0 {
			s.armDispatch(followUpDelay)
		} else if s.active == 0 {
			s.finalize("completed")
		}
	case StateCanceling:
		s.events.Draining(s.active)
		if s.active == 0 {
			s.finalize("cancelled")
		}
	}
}

func (s *Scheduler) handleJobFailed(job *model.JobData, err error) {
	if s.state == StateIdle || s.state == StateStopped {
		return
	}
	s.active--
	s.log.Warn().
		Err(err).
		Str("item_id", job.Item.ID).
		Int("completed", s.completed).
		Int("total", s.total).
		Int("active", s.active).
		Stringer("state", s.state).
		Msg("job failed")

	if strat := s.strategies[job.ConnectionName]; strat != nil {
		strat.OnJobFailed(job, err)
	}

	if s.state == StateRunning && domain.IsFatalConfig(err) {
		s.completed++
		metrics.IncJob(job.ConnectionName, "failed")
		s.failBatch("failed (configuration error)", err)
		return
	}

	if s.state == StateRunning && domain.IsRetriable(err) {
		// Re-queued without touching total; retried indefinitely while
		// RUNNING. A provider persistently limited below the batch's
		// required throughput can loop here forever.
		s.pending = append(s.pending, job)
		metrics.IncJobRetry(job.ConnectionName)
		s.log.Info().Str("item_id", job.Item.ID).Msg("retriable error, re-queueing job")
	} else {
		s.completed++
		metrics.IncJob(job.ConnectionName, "failed")
		s.events.Progress(s.completed, s.total)
	}

	switch s.state {
	case StateRunning:
		if len(s.pending) == 0 && s.active == 0 {
			s.finalize("completed with errors")
		} else if len(s.pending) > 0 && !s.dispatchArmed {
			// The strategy may already have armed a backoff pause; only
			// nudge the loop when nothing is scheduled.
			s.armDispatch(followUpDelay)
		}
	case StateCanceling:
		s.events.Draining(s.active)
		if s.active == 0 {
			s.finalize("cancelled with errors")
		}
	}
}

// failBatch drains pending work and finalizes immediately: used for
// configuration errors that no amount of waiting can fix.
func (s *Scheduler) failBatch(reason string, err error) {
	s.log.Error().Err(err).Str("batch_id", s.batchID).Msg("failing batch")
	s.pending = s.pending[:0]
	s.finalize(reason)
}

func (s *Scheduler) finalize(reason string) {
	if s.state == StateIdle {
		return
	}
	s.log.Info().
		Str("batch_id", s.batchID).
		Str("reason", reason).
		Int("completed", s.completed).
		Int("total", s.total).
		Stringer("state", s.state).
		Msg("finalizing batch")
	s.events.BatchFinished(reason, s.completed, s.total)
	metrics.IncBatchFinished(reason)

	if s.cache.Dirty() {
		if err := s.cache.Persist(); err != nil {
			s.log.Error().Err(err).Msg("cache persist failed at batch end")
		}
	}
	if err := s.store.Save(); err != nil {
		s.log.Error().Err(err).Msg("config writeback failed at batch end")
	}
	s.resetBatchState()
}

func (s *Scheduler) resetBatchState() {
	s.state = StateIdle
	s.batchID = ""
	s.pending = nil
	s.active = 0
	s.total = 0
	s.completed = 0
	if s.dispatchTimer != nil {
		s.dispatchTimer.Stop()
	}
	s.dispatchArmed = false
	for _, strat := range s.strategies {
		strat.Reset()
	}
}

// armDispatch schedules the next dispatch attempt. Re-arming replaces
// any previously armed timer.
func (s *Scheduler) armDispatch(d time.Duration) {
	if s.dispatchTimer != nil {
		s.dispatchTimer.Stop()
	}
	s.dispatchArmed = true
	s.dispatchTimer = time.AfterFunc(d, func() {
		s.post(func() {
			s.dispatchArmed = false
			s.dispatchNext()
		})
	})
}

func (s *Scheduler) dispatchNext() {
	if len(s.pending) == 0 {
		return
	}
	if s.active >= s.maxAPIJobs {
		metrics.IncDispatchBlocked(s.pending[0].ConnectionName, "pool_full")
		s.log.Debug().
			Int("active", s.active).
			Int("max_api_jobs", s.maxAPIJobs).
			Msg("dispatch deferred: concurrency ceiling reached")
		return
	}
	conn := s.pending[0].ConnectionName
	strat := s.strategies[conn]
	if strat == nil {
		// A misconfigured connection cannot self-heal; fail the batch
		// rather than stall the queue.
		s.failBatch("failed (no strategy)", fmt.Errorf("%w: %s", domain.ErrNoStrategy, conn))
		return
	}
	strat.Dispatch()
}

// submitHead pops the head-of-queue job and hands it to the worker
// pool. Strategies call this only after admitting the job.
func (s *Scheduler) submitHead() {
	job := s.pending[0]
	s.pending = s.pending[1:]
	s.active++
	if err := s.pool.Submit(func(ctx context.Context) {
		s.exec.Execute(ctx, job, s)
	}); err != nil {
		s.log.Error().Err(err).Str("item_id", job.Item.ID).Msg("worker pool rejected job")
		s.handleJobFailed(job, fmt.Errorf("submit to worker pool: %w", err))
	}
}

// monitorTick periodically publishes the active strategy's status and
// re-evaluates a blocked queue, so a strategy waiting out a cooldown is
// retried without an external event.
func (s *Scheduler) monitorTick() {
	s.publishStatus()
	if len(s.pending) > 0 && !s.dispatchArmed {
		s.dispatchNext()
	}
}

func (s *Scheduler) publishStatus() {
	strat := s.strategies[s.activeConn]
	if strat == nil {
		s.events.StatusUpdated(StrategyStatus{
			Connection: s.activeConn,
			Message:    fmt.Sprintf("no strategy for connection %q", s.activeConn),
		})
		return
	}
	s.events.StatusUpdated(strat.Status())
}
