package worker

import (
	"context"
	"errors"
	"runtime"
	"sync"

	"github.com/rs/zerolog"
)

// Task is one unit of work run by the pool.
type Task func(ctx context.Context)

// Pool is a small bounded worker pool. Each worker runs exactly one
// task to completion before taking the next; there is no preemption.
type Pool struct {
	wg   sync.WaitGroup
	jobs chan Task
	quit chan struct{}
	n    int
	log  *zerolog.Logger
}

func NewPool(workers int, log *zerolog.Logger) *Pool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Pool{
		jobs: make(chan Task, workers*4),
		quit: make(chan struct{}),
		n:    workers,
		log:  log,
	}
}

// Size returns the number of worker goroutines.
func (p *Pool) Size() int { return p.n }

func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.n; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-p.quit:
					return
				case task := <-p.jobs:
					if task == nil {
						continue
					}
					task(ctx)
				}
			}
		}(i)
	}
	p.log.Debug().Int("workers", p.n).Msg("worker pool started")
}

func (p *Pool) Stop() {
	close(p.quit)
	p.wg.Wait()
}

// Submit enqueues a task. The scheduler admits at most maxAPIJobs
// concurrent jobs, which is always below queue capacity, so a full
// queue indicates a bug rather than ordinary back-pressure.
func (p *Pool) Submit(task Task) error {
	if task == nil {
		return errors.New("nil task")
	}
	select {
	case p.jobs <- task:
		return nil
	default:
		return errors.New("worker queue full")
	}
}
