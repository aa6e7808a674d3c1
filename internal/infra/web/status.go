package web

import (
	"sync"
	"time"

	"translation-dispatch/internal/dispatch"
)

// BatchSnapshot is the admin-facing view of the current (or last)
// batch.
type BatchSnapshot struct {
	BatchID    string    `json:"batch_id,omitempty"`
	Running    bool      `json:"running"`
	Completed  int       `json:"completed"`
	Total      int       `json:"total"`
	Draining   int       `json:"draining,omitempty"`
	LastReason string    `json:"last_reason,omitempty"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// StatusCache retains the latest scheduler events for the admin API.
// The scheduler goroutine writes, HTTP handlers read; callbacks only
// take the lock and return, so they never block dispatching.
type StatusCache struct {
	mu     sync.RWMutex
	batch  BatchSnapshot
	status dispatch.StrategyStatus
}

var _ dispatch.Events = (*StatusCache)(nil)

func NewStatusCache() *StatusCache { return &StatusCache{} }

func (c *StatusCache) BatchStarted(batchID string, total int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batch = BatchSnapshot{
		BatchID:   batchID,
		Running:   true,
		Total:     total,
		StartedAt: time.Now(),
	}
}

func (c *StatusCache) Progress(completed, total int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batch.Completed = completed
	c.batch.Total = total
}

func (c *StatusCache) ItemTranslated(string, string) {}

func (c *StatusCache) Draining(active int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batch.Draining = active
}

func (c *StatusCache) BatchFinished(reason string, completed, total int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batch.Running = false
	c.batch.Draining = 0
	c.batch.Completed = completed
	c.batch.Total = total
	c.batch.LastReason = reason
	c.batch.FinishedAt = time.Now()
}

func (c *StatusCache) StatusUpdated(status dispatch.StrategyStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = status
}

func (c *StatusCache) Batch() BatchSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.batch
}

func (c *StatusCache) Strategy() dispatch.StrategyStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}
