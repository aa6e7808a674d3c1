package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"translation-dispatch/internal/config"
	"translation-dispatch/internal/domain"
	"translation-dispatch/internal/domain/model"
	"translation-dispatch/internal/domain/ports/adapter"
	"translation-dispatch/internal/infra/cache"
	"translation-dispatch/internal/infra/worker"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

func testLogger() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}

func intPtr(n int) *int    { return &n }
func boolPtr(b bool) *bool { return &b }

func geminiConfig() *config.Config {
	return &config.Config{
		Workers:                  config.WorkerConfig{Threads: 4, APIRatio: 0.75},
		Scheduler:                config.SchedulerConfig{MonitorIntervalMS: 50},
		SourceLanguage:           "en",
		ActiveConnection:         config.GeminiConnectionName,
		ActiveModelForConnection: map[string]string{},
		Gemini: config.GeminiConfig{
			APIKeys:       []string{"key-alpha-000001", "key-beta-0000002"},
			Model:         "gemini-2.0-flash",
			RPMLimit:      30,
			DiscoveredRPM: map[string]int{},
		},
	}
}

func items(ids ...string) []model.TranslatableItem {
	out := make([]model.TranslatableItem, 0, len(ids))
	for _, id := range ids {
		out = append(out, model.TranslatableItem{ID: id, SourceText: "text for " + id})
	}
	return out
}

// fakeExecutor records every job it receives and answers via the
// configured respond function. A nil respond holds the job forever
// without invoking the sink.
type fakeExecutor struct {
	mu      sync.Mutex
	jobs    []*model.JobData
	respond func(job *model.JobData) (adapter.Result, error)
}

func (f *fakeExecutor) Execute(_ context.Context, job *model.JobData, sink adapter.ResultSink) {
	f.mu.Lock()
	f.jobs = append(f.jobs, job)
	respond := f.respond
	f.mu.Unlock()
	if respond == nil {
		return
	}
	res, err := respond(job)
	if err != nil {
		sink.JobFailed(job, err)
		return
	}
	sink.JobCompleted(job, res)
}

func (f *fakeExecutor) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs)
}

func (f *fakeExecutor) job(i int) *model.JobData {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.jobs[i]
}

// eventLog records the observer callbacks for later assertions.
type eventLog struct {
	mu         sync.Mutex
	started    int
	startTotal int
	translated map[string]string
	draining   []int
	finished   bool
	finishes   int
	reason     string
	completed  int
	total      int
}

func newEventLog() *eventLog {
	return &eventLog{translated: map[string]string{}}
}

func (e *eventLog) BatchStarted(_ string, total int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.started++
	e.startTotal = total
}

func (e *eventLog) Progress(int, int) {}

func (e *eventLog) ItemTranslated(itemID, translation string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.translated[itemID] = translation
}

func (e *eventLog) Draining(active int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.draining = append(e.draining, active)
}

func (e *eventLog) BatchFinished(reason string, completed, total int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.finished = true
	e.finishes++
	e.reason = reason
	e.completed = completed
	e.total = total
}

func (e *eventLog) StatusUpdated(StrategyStatus) {}

func (e *eventLog) finishedWith() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reason, e.finished
}

func (e *eventLog) finalCounts() (int, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.completed, e.total
}

func (e *eventLog) finishCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.finishes
}

type testRig struct {
	sched  *Scheduler
	exec   *fakeExecutor
	events *eventLog
	store  *config.Store
	cache  *cache.TranslationCache
}

// newTestRig wires a scheduler with its run loop and a started worker
// pool, all torn down with the test.
func newTestRig(t *testing.T, cfg *config.Config, respond func(*model.JobData) (adapter.Result, error)) *testRig {
	t.Helper()
	log := testLogger()
	store := config.NewStore("", cfg)
	tc := cache.NewTranslationCache("", log)
	pool := worker.NewPool(cfg.Workers.Threads, log)
	exec := &fakeExecutor{respond: respond}
	events := newEventLog()
	s := NewScheduler(store, pool, exec, tc, events, log)

	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)
	go s.Run(ctx)
	t.Cleanup(func() {
		cancel()
		pool.Stop()
	})
	return &testRig{sched: s, exec: exec, events: events, store: store, cache: tc}
}

func okResponder(job *model.JobData) (adapter.Result, error) {
	return adapter.Result{Translation: "translated " + job.Item.ID}, nil
}

func TestStartBatchSkipsCachedItems(t *testing.T) {
	rig := newTestRig(t, geminiConfig(), okResponder)
	rig.cache.Put("text for a", "cached-a", "en", "de")
	rig.cache.Put("text for b", "cached-b", "en", "de")

	n, err := rig.sched.StartBatch(items("a", "b"), "de", false)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, rig.exec.count())
}

func TestForceRegenerationIgnoresCache(t *testing.T) {
	rig := newTestRig(t, geminiConfig(), okResponder)
	rig.cache.Put("text for a", "cached-a", "en", "de")

	n, err := rig.sched.StartBatch(items("a"), "de", true)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.Eventually(t, func() bool {
		_, done := rig.events.finishedWith()
		return done
	}, waitFor, tick)
	assert.True(t, rig.exec.job(0).IsRegeneration)
}

func TestBatchRunsToCompletion(t *testing.T) {
	rig := newTestRig(t, geminiConfig(), okResponder)

	n, err := rig.sched.StartBatch(items("a", "b", "c"), "fr", false)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	require.Eventually(t, func() bool {
		_, done := rig.events.finishedWith()
		return done
	}, waitFor, tick)

	reason, _ := rig.events.finishedWith()
	assert.Equal(t, "completed", reason)
	completed, total := rig.events.finalCounts()
	assert.Equal(t, 3, completed)
	assert.Equal(t, 3, total)
	assert.Equal(t, 3, rig.exec.count())

	got, ok := rig.cache.Get("text for b", "en", "fr")
	require.True(t, ok)
	assert.Equal(t, "translated b", got)
}

func TestStartBatchWhileRunning(t *testing.T) {
	rig := newTestRig(t, geminiConfig(), nil) // jobs never complete

	n, err := rig.sched.StartBatch(items("a"), "de", false)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = rig.sched.StartBatch(items("b"), "de", false)
	assert.ErrorIs(t, err, domain.ErrBatchNotIdle)
}

func TestCancelDrainsInFlightJob(t *testing.T) {
	release := make(chan struct{})
	rig := newTestRig(t, geminiConfig(), func(job *model.JobData) (adapter.Result, error) {
		<-release
		return adapter.Result{Translation: "late " + job.Item.ID}, nil
	})

	_, err := rig.sched.StartBatch(items("a", "b", "c"), "de", false)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return rig.exec.count() >= 1 }, waitFor, tick)

	rig.sched.Cancel(false)
	close(release)

	require.Eventually(t, func() bool {
		_, done := rig.events.finishedWith()
		return done
	}, waitFor, tick)
	reason, _ := rig.events.finishedWith()
	assert.Equal(t, "cancelled", reason)

	// The drained job's translation is still kept.
	got, ok := rig.cache.Get("text for a", "en", "de")
	require.True(t, ok)
	assert.Equal(t, "late a", got)
}

func TestSecondCancelStopsImmediately(t *testing.T) {
	rig := newTestRig(t, geminiConfig(), nil) // in-flight job never returns

	_, err := rig.sched.StartBatch(items("a", "b"), "de", false)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return rig.exec.count() >= 1 }, waitFor, tick)

	rig.sched.Cancel(false)
	rig.sched.Cancel(false)

	require.Eventually(t, func() bool {
		_, done := rig.events.finishedWith()
		return done
	}, waitFor, tick)
	reason, _ := rig.events.finishedWith()
	assert.Equal(t, "stopped", reason)

	// The orphaned job must not block a fresh batch.
	n, err := rig.sched.StartBatch(items("c"), "de", false)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestLateOutcomesAfterHardCancelAreIgnored(t *testing.T) {
	rig := newTestRig(t, geminiConfig(), nil) // in-flight jobs never return

	_, err := rig.sched.StartBatch(items("a", "b"), "de", false)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return rig.exec.count() >= 1 }, waitFor, tick)
	orphan := rig.exec.job(0)

	rig.sched.Cancel(false)
	rig.sched.Cancel(false)
	require.Eventually(t, func() bool {
		_, done := rig.events.finishedWith()
		return done
	}, waitFor, tick)
	completed, total := rig.events.finalCounts()

	// Deliver the orphan's outcome after the hard stop, then push an
	// all-cached start through the mailbox so both callbacks are known
	// to have been handled before asserting.
	rig.sched.JobCompleted(orphan, adapter.Result{Translation: "orphan a"})
	rig.sched.JobFailed(orphan, domain.ErrEmptyResponse)
	rig.cache.Put("text for sync", "synced", "en", "de")
	n, err := rig.sched.StartBatch(items("sync"), "de", false)
	require.NoError(t, err)
	require.Zero(t, n)

	assert.Equal(t, 1, rig.events.finishCount())
	gotCompleted, gotTotal := rig.events.finalCounts()
	assert.Equal(t, completed, gotCompleted)
	assert.Equal(t, total, gotTotal)
	_, ok := rig.cache.Get("text for a", "en", "de")
	assert.False(t, ok)
}

func TestRetriableFailureRequeuesWithoutGrowingTotal(t *testing.T) {
	var mu sync.Mutex
	failed := false
	rig := newTestRig(t, geminiConfig(), func(job *model.JobData) (adapter.Result, error) {
		mu.Lock()
		defer mu.Unlock()
		if !failed {
			failed = true
			return adapter.Result{}, domain.ErrRateLimited
		}
		return adapter.Result{Translation: "translated " + job.Item.ID}, nil
	})

	n, err := rig.sched.StartBatch(items("a", "b"), "de", false)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	require.Eventually(t, func() bool {
		_, done := rig.events.finishedWith()
		return done
	}, waitFor, tick)

	reason, _ := rig.events.finishedWith()
	assert.Equal(t, "completed", reason)
	completed, total := rig.events.finalCounts()
	assert.Equal(t, 2, completed)
	assert.Equal(t, 2, total)
	// Two jobs plus one retry.
	assert.Equal(t, 3, rig.exec.count())
}

func TestNonRetriableFailureCountsAsDone(t *testing.T) {
	rig := newTestRig(t, geminiConfig(), func(job *model.JobData) (adapter.Result, error) {
		if job.Item.ID == "bad" {
			return adapter.Result{}, domain.ErrEmptyResponse
		}
		return adapter.Result{Translation: "translated " + job.Item.ID}, nil
	})

	_, err := rig.sched.StartBatch(items("good", "bad"), "de", false)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, done := rig.events.finishedWith()
		return done
	}, waitFor, tick)

	reason, _ := rig.events.finishedWith()
	assert.Equal(t, "completed with errors", reason)
	completed, total := rig.events.finalCounts()
	assert.Equal(t, 2, completed)
	assert.Equal(t, 2, total)
	_, ok := rig.cache.Get("text for bad", "en", "de")
	assert.False(t, ok)
}

func TestNoAPIKeysFailsBatch(t *testing.T) {
	cfg := geminiConfig()
	cfg.Gemini.APIKeys = nil
	rig := newTestRig(t, cfg, okResponder)

	n, err := rig.sched.StartBatch(items("a"), "de", false)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.Eventually(t, func() bool {
		_, done := rig.events.finishedWith()
		return done
	}, waitFor, tick)
	reason, _ := rig.events.finishedWith()
	assert.Equal(t, "failed (no api keys)", reason)
	assert.Zero(t, rig.exec.count())
}

func TestMissingTargetLanguageRejectsBatch(t *testing.T) {
	rig := newTestRig(t, geminiConfig(), okResponder)
	_, err := rig.sched.StartBatch(items("a"), "", false)
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)
}

func TestComputeMaxAPIJobs(t *testing.T) {
	cases := []struct {
		threads int
		ratio   float64
		want    int
	}{
		{8, 0.75, 6},
		{4, 0.75, 3},
		{2, 0.75, 1},
		{1, 0.75, 1},
		{4, 1.0, 3},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, computeMaxAPIJobs(tc.threads, tc.ratio),
			"threads=%d ratio=%v", tc.threads, tc.ratio)
	}
}

func TestGeminiJobsCarryRotatedKeys(t *testing.T) {
	rig := newTestRig(t, geminiConfig(), okResponder)

	_, err := rig.sched.StartBatch(items("a", "b"), "de", false)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, done := rig.events.finishedWith()
		return done
	}, waitFor, tick)

	require.Equal(t, 2, rig.exec.count())
	first, second := rig.exec.job(0).APIKey, rig.exec.job(1).APIKey
	assert.NotEmpty(t, first)
	assert.NotEmpty(t, second)
	assert.NotEqual(t, first, second)
	// Rotation wrapped around after the second dispatch.
	assert.Equal(t, 0, rig.store.Snapshot().Gemini.KeyIndex)
}
