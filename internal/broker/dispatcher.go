package broker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"go.uber.org/zap"

	"github.com/chenchaobing/jaeger-demo/internal/infrastructure/tracing"
)

// Observer is notified about dispatch events, typically to update metrics.
type Observer interface {
	EventReceived(topic string, partition int32)
	EventHandled(topic string, d time.Duration)
	CommitFailed(topic string)
}

// DispatcherStats holds dispatcher counters.
type DispatcherStats struct {
	Shards     int   `json:"shards"`
	Backlog    []int `json:"backlog"`
	Dispatched int64 `json:"dispatched"`
	Handled    int64 `json:"handled"`
	Committed  int64 `json:"committed"`
	Panics     int64 `json:"panics"`
	Leaks      int64 `json:"leaks"`
	Abandoned  int64 `json:"abandoned"`
}

// Dispatcher runs a handler over deliveries with per-partition ordering.
// Partitions are mapped onto a fixed number of shards; each shard is a single
// worker with its own lane and FIFO backlog, so events of one partition are
// handled one at a time and in order. Nothing is ordered across shards.
type Dispatcher struct {
	handler  Handler
	logger   *zap.Logger
	observer Observer
	shards   []*shard
	wg       sync.WaitGroup
	done     chan struct{}

	closeOnce sync.Once
	abandon   atomic.Bool

	dispatched atomic.Int64
	handled    atomic.Int64
	committed  atomic.Int64
	panics     atomic.Int64
	leaks      atomic.Int64
	abandoned  atomic.Int64
}

type shard struct {
	lane       *tracing.Lane
	maxBacklog int

	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	backlog  *queue.Queue
	closed   bool
}

// NewDispatcher starts shards workers. maxBacklog bounds each shard's queue;
// Dispatch blocks while the target shard is full.
func NewDispatcher(name string, shards, maxBacklog int, handler Handler, logger *zap.Logger, observer Observer) *Dispatcher {
	if shards <= 0 {
		shards = 1
	}
	if maxBacklog <= 0 {
		maxBacklog = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	d := &Dispatcher{
		handler:  handler,
		logger:   logger.With(zap.String("dispatcher", name)),
		observer: observer,
		shards:   make([]*shard, shards),
		done:     make(chan struct{}),
	}
	for i := range d.shards {
		s := &shard{
			lane:       tracing.NewLane(fmt.Sprintf("%s-%d", name, i)),
			maxBacklog: maxBacklog,
			backlog:    queue.New(),
		}
		s.notEmpty = sync.NewCond(&s.mu)
		s.notFull = sync.NewCond(&s.mu)
		d.shards[i] = s
	}

	d.wg.Add(shards)
	for _, s := range d.shards {
		go d.run(s)
	}
	go func() {
		d.wg.Wait()
		close(d.done)
	}()
	return d
}

// Dispatch queues a delivery on the shard owning its partition. It blocks
// while that shard's backlog is full and fails with ErrClosed once the
// dispatcher is closing.
func (d *Dispatcher) Dispatch(del Delivery) error {
	s := d.shards[0]
	if p := del.Event.Partition; p > 0 {
		s = d.shards[int(p)%len(d.shards)]
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for s.backlog.Length() >= s.maxBacklog && !s.closed {
		s.notFull.Wait()
	}
	if s.closed {
		return ErrClosed
	}
	s.backlog.Add(del)
	s.notEmpty.Signal()

	d.dispatched.Add(1)
	if d.observer != nil {
		d.observer.EventReceived(del.Event.Topic, del.Event.Partition)
	}
	return nil
}

// Close stops accepting deliveries and lets the shards drain their backlog
// until ctx ends. Deliveries still queued at that point are dropped without
// commit and will be redelivered by the broker.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.closeOnce.Do(func() {
		for _, s := range d.shards {
			s.mu.Lock()
			s.closed = true
			s.notEmpty.Broadcast()
			s.notFull.Broadcast()
			s.mu.Unlock()
		}
	})

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		d.abandon.Store(true)
		for _, s := range d.shards {
			s.mu.Lock()
			s.notEmpty.Broadcast()
			s.mu.Unlock()
		}
		return fmt.Errorf("dispatcher drain incomplete: %w", ctx.Err())
	}
}

// Stats returns a snapshot of the dispatcher counters.
func (d *Dispatcher) Stats() DispatcherStats {
	backlog := make([]int, len(d.shards))
	for i, s := range d.shards {
		s.mu.Lock()
		backlog[i] = s.backlog.Length()
		s.mu.Unlock()
	}
	return DispatcherStats{
		Shards:     len(d.shards),
		Backlog:    backlog,
		Dispatched: d.dispatched.Load(),
		Handled:    d.handled.Load(),
		Committed:  d.committed.Load(),
		Panics:     d.panics.Load(),
		Leaks:      d.leaks.Load(),
		Abandoned:  d.abandoned.Load(),
	}
}

func (d *Dispatcher) run(s *shard) {
	defer d.wg.Done()

	ctx := tracing.ContextWithLane(context.Background(), s.lane)
	for {
		del, ok := d.next(s)
		if !ok {
			return
		}
		d.handle(ctx, s.lane, del)
	}
}

func (d *Dispatcher) next(s *shard) (Delivery, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.backlog.Length() == 0 && !s.closed {
		s.notEmpty.Wait()
	}
	if d.abandon.Load() {
		n := s.backlog.Length()
		for s.backlog.Length() > 0 {
			s.backlog.Remove()
		}
		d.abandoned.Add(int64(n))
		return Delivery{}, false
	}
	if s.backlog.Length() == 0 {
		return Delivery{}, false
	}

	del := s.backlog.Remove().(Delivery)
	s.notFull.Signal()
	return del, true
}

// handle runs the handler, clears activations it leaked on the shard lane
// and commits. The commit does not wait for work the handler left running.
func (d *Dispatcher) handle(ctx context.Context, lane *tracing.Lane, del Delivery) {
	ev := del.Event
	start := time.Now()

	func() {
		defer func() {
			if r := recover(); r != nil {
				d.panics.Add(1)
				d.logger.Error("handler panicked",
					zap.String("lane", lane.Name()),
					zap.String("topic", ev.Topic),
					zap.Int32("partition", ev.Partition),
					zap.Int64("offset", ev.Offset),
					zap.Any("panic", r),
				)
			}
		}()
		d.handler(ctx, ev)
	}()

	if leaked := lane.Reset(); leaked > 0 {
		d.leaks.Add(int64(leaked))
		d.logger.Warn("handler leaked active scopes",
			zap.String("lane", lane.Name()),
			zap.Int("scopes", leaked),
		)
	}
	d.handled.Add(1)

	if del.Commit != nil {
		if err := del.Commit(); err != nil {
			d.logger.Warn("commit failed",
				zap.String("topic", ev.Topic),
				zap.Int32("partition", ev.Partition),
				zap.Int64("offset", ev.Offset),
				zap.Error(err),
			)
			if d.observer != nil {
				d.observer.CommitFailed(ev.Topic)
			}
		} else {
			d.committed.Add(1)
		}
	}

	if d.observer != nil {
		d.observer.EventHandled(ev.Topic, time.Since(start))
	}
}
