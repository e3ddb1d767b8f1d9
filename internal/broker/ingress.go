package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// IngressConfig configures the consumer side.
type IngressConfig struct {
	Shards       int
	MaxBacklog   int
	DrainTimeout time.Duration
}

// Ingress subscribes handlers to topics of a Source. Each subscription runs
// one consumer loop feeding its own Dispatcher.
type Ingress struct {
	source   Source
	cfg      IngressConfig
	logger   *zap.Logger
	observer Observer

	mu     sync.Mutex
	subs   []*subscription
	closed bool
}

type subscription struct {
	topic      string
	group      string
	dispatcher *Dispatcher
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewIngress creates an ingress over source. observer may be nil.
func NewIngress(source Source, cfg IngressConfig, logger *zap.Logger, observer Observer) *Ingress {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 5 * time.Second
	}
	return &Ingress{
		source:   source,
		cfg:      cfg,
		logger:   logger.Named("ingress"),
		observer: observer,
	}
}

// Subscribe starts consuming topic as member of group. Delivery is
// at-least-once; each event is committed when handler returns.
func (i *Ingress) Subscribe(ctx context.Context, topic, group string, handler Handler) error {
	if handler == nil {
		return errors.New("nil handler")
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return ErrClosed
	}
	for _, s := range i.subs {
		if s.topic == topic && s.group == group {
			return fmt.Errorf("%s/%s: %w", topic, group, ErrAlreadySubscribed)
		}
	}

	subCtx, cancel := context.WithCancel(ctx)
	deliveries, err := i.source.Open(subCtx, topic, group)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	sub := &subscription{
		topic:      topic,
		group:      group,
		dispatcher: NewDispatcher(topic, i.cfg.Shards, i.cfg.MaxBacklog, handler, i.logger, i.observer),
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	i.subs = append(i.subs, sub)
	go i.consume(subCtx, sub, deliveries)

	i.logger.Info("subscribed",
		zap.String("topic", topic),
		zap.String("group", group),
		zap.Int("shards", len(sub.dispatcher.shards)),
	)
	return nil
}

func (i *Ingress) consume(ctx context.Context, sub *subscription, deliveries <-chan Delivery) {
	defer close(sub.done)

	for {
		select {
		case <-ctx.Done():
			return
		case del, ok := <-deliveries:
			if !ok {
				i.logger.Info("subscription ended", zap.String("topic", sub.topic))
				return
			}
			if del.Event.ReceivedAt.IsZero() {
				del.Event.ReceivedAt = time.Now()
			}
			if err := sub.dispatcher.Dispatch(del); err != nil {
				return
			}
		}
	}
}

// Stats returns dispatcher stats per subscribed topic.
func (i *Ingress) Stats() map[string]DispatcherStats {
	i.mu.Lock()
	defer i.mu.Unlock()

	out := make(map[string]DispatcherStats, len(i.subs))
	for _, s := range i.subs {
		out[s.topic] = s.dispatcher.Stats()
	}
	return out
}

// Close stops consuming, drains queued events for at most the configured
// drain timeout and closes the source. Draining is best-effort: events left
// uncommitted are redelivered later.
func (i *Ingress) Close() error {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return nil
	}
	i.closed = true
	subs := i.subs
	i.mu.Unlock()

	for _, s := range subs {
		s.cancel()
	}

	// The drain deadline covers the consumer loops too: a loop blocked in
	// Dispatch on a full shard is released when its dispatcher closes.
	ctx, cancel := context.WithTimeout(context.Background(), i.cfg.DrainTimeout)
	defer cancel()

	var errs []error
	for _, s := range subs {
		if err := s.dispatcher.Close(ctx); err != nil {
			i.logger.Warn("drain incomplete", zap.String("topic", s.topic), zap.Error(err))
			errs = append(errs, err)
		}
	}
	for _, s := range subs {
		select {
		case <-s.done:
		case <-ctx.Done():
			i.logger.Warn("consumer loop still running", zap.String("topic", s.topic))
		}
	}
	if err := i.source.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
