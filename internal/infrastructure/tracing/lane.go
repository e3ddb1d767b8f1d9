package tracing

import (
	"sync"
	"sync/atomic"
)

// Lane is an explicit execution context: the holder of the "currently active
// span" for one goroutine or worker. Each partition worker and completion
// worker owns exactly one lane.
//
// Activations form a stack. The most recent live scope is the active span.
type Lane struct {
	name string

	mu    sync.Mutex
	top   *Scope
	depth int
}

// NewLane creates an empty lane.
func NewLane(name string) *Lane {
	return &Lane{name: name}
}

// Name returns the lane name used in logs.
func (l *Lane) Name() string { return l.name }

// Active returns the active span, or nil.
func (l *Lane) Active() *Span {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.top == nil {
		return nil
	}
	return l.top.span
}

// Depth returns the number of live scopes on the lane.
func (l *Lane) Depth() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.depth
}

// Reset deactivates every live scope and returns how many were cleared.
// Workers call it between tasks so a leaked activation never bleeds into the
// next task.
func (l *Lane) Reset() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cleared := 0
	for s := l.top; s != nil; {
		prev := s.prev
		s.prev, s.next = nil, nil
		if s.done.CompareAndSwap(false, true) {
			s.tracer.stats.activeScopes.Add(-1)
			cleared++
		}
		s = prev
	}
	l.top = nil
	l.depth = 0
	return cleared
}

func (l *Lane) push(s *Scope) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s.prev = l.top
	if l.top != nil {
		l.top.next = s
	}
	l.top = s
	l.depth++
}

// remove unlinks s. It reports whether s was on top and whether it was still live.
func (l *Lane) remove(s *Scope) (wasTop, live bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !s.done.CompareAndSwap(false, true) {
		return false, false
	}

	wasTop = l.top == s
	if s.next != nil {
		s.next.prev = s.prev
	} else {
		l.top = s.prev
	}
	if s.prev != nil {
		s.prev.next = s.next
	}
	s.prev, s.next = nil, nil
	l.depth--
	return wasTop, true
}

// Scope is the handle returned by StartSpan and Activate. Deactivating it
// removes exactly this activation from its lane.
type Scope struct {
	tracer *Tracer
	lane   *Lane
	span   *Span

	// linked list, guarded by lane.mu
	prev *Scope
	next *Scope

	done atomic.Bool
}

// Span returns the span this scope activated.
func (s *Scope) Span() *Span { return s.span }

// Lane returns the lane the scope lives on.
func (s *Scope) Lane() *Lane { return s.lane }

// Active reports whether the scope has not been deactivated yet.
func (s *Scope) Active() bool { return !s.done.Load() }

// Deactivate removes this activation. The span is not finished.
func (s *Scope) Deactivate() error {
	return s.tracer.Deactivate(s)
}

// Captured is a single-use token that reactivates the span that was active
// when it was captured. It does not own the span.
type Captured struct {
	span *Span
	from string
	used atomic.Bool
}

// Context returns the captured span's identity.
func (c *Captured) Context() SpanContext { return c.span.Context() }

// Span returns the captured span.
func (c *Captured) Span() *Span { return c.span }

// Consumed reports whether the token has been activated.
func (c *Captured) Consumed() bool { return c.used.Load() }
