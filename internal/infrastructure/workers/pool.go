// Package workers provides a fixed-size goroutine pool whose workers each own
// a tracing lane. Completion callbacks run here, so a callback always executes
// on a lane that is not the one that issued the call.
package workers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/chenchaobing/jaeger-demo/internal/infrastructure/tracing"
)

// ErrPoolClosed is returned when submitting to a closed pool.
var ErrPoolClosed = errors.New("worker pool closed")

// Task is a unit of work. ctx carries the worker's lane (see tracing.LaneFromContext).
type Task func(ctx context.Context)

// Stats holds pool counters.
type Stats struct {
	Workers   int   `json:"workers"`
	Queued    int   `json:"queued"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Panics    int64 `json:"panics"`
	Leaks     int64 `json:"leaks"`
}

// Pool manages a fixed number of workers.
type Pool struct {
	name   string
	logger *zap.Logger
	size   int

	mu     sync.RWMutex
	closed bool
	tasks  chan Task
	wg     sync.WaitGroup

	submitted atomic.Int64
	completed atomic.Int64
	panics    atomic.Int64
	leaks     atomic.Int64
}

// New starts size workers reading from a queue of the given capacity.
func New(name string, size, queue int, logger *zap.Logger) *Pool {
	if size <= 0 {
		size = 1
	}
	if queue < 0 {
		queue = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Pool{
		name:   name,
		logger: logger.With(zap.String("pool", name)),
		size:   size,
		tasks:  make(chan Task, queue),
	}

	p.wg.Add(size)
	for i := 0; i < size; i++ {
		lane := tracing.NewLane(fmt.Sprintf("%s-%d", name, i))
		go p.run(lane)
	}
	return p
}

// Name returns the pool name.
func (p *Pool) Name() string { return p.name }

// Submit enqueues task, blocking while the queue is full. It fails with
// ErrPoolClosed after Close, or with ctx.Err() if ctx ends first.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.tasks <- task:
		p.submitted.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting tasks, runs everything already queued and waits for
// the workers to exit.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()

	p.wg.Wait()
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Workers:   p.size,
		Queued:    len(p.tasks),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Panics:    p.panics.Load(),
		Leaks:     p.leaks.Load(),
	}
}

func (p *Pool) run(lane *tracing.Lane) {
	defer p.wg.Done()

	ctx := tracing.ContextWithLane(context.Background(), lane)
	for task := range p.tasks {
		p.execute(ctx, lane, task)
	}
}

// execute runs one task and clears any activation it leaked, so the next task
// starts on an empty lane.
func (p *Pool) execute(ctx context.Context, lane *tracing.Lane, task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.logger.Error("task panicked",
				zap.String("lane", lane.Name()),
				zap.Any("panic", r),
			)
		}
		if leaked := lane.Reset(); leaked > 0 {
			p.leaks.Add(int64(leaked))
			p.logger.Warn("task leaked active scopes",
				zap.String("lane", lane.Name()),
				zap.Int("scopes", leaked),
			)
		}
		p.completed.Add(1)
	}()

	task(ctx)
}
