package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"persona-relay/pkg/chat"
)

// EventBus is the kernel asynchronous pub/sub implementation.
//
// Every subscription owns a bounded queue drained by its own workers, so a slow
// consumer only delays itself.
type EventBus struct {
	mu            sync.RWMutex
	nextID        atomic.Int64
	closed        bool
	subscriptions map[int64]*busSubscription

	defaultBuffer         int
	defaultWorkers        int
	defaultHandlerTimeout time.Duration
	onAsyncError          func(context.Context, string, error)
}

// NewEventBus creates an asynchronous event bus with bounded queues.
func NewEventBus(
	defaultBuffer int,
	defaultWorkers int,
	defaultHandlerTimeout time.Duration,
	onAsyncError func(context.Context, string, error),
) *EventBus {
	return &EventBus{
		subscriptions:         make(map[int64]*busSubscription),
		defaultBuffer:         max(defaultBuffer, 1),
		defaultWorkers:        max(defaultWorkers, 1),
		defaultHandlerTimeout: defaultHandlerTimeout,
		onAsyncError:          onAsyncError,
	}
}

// Publish validates event and enqueues it on every matching subscription.
//
// Drops and closed subscriptions are reported asynchronously; only blocking
// enqueue failures are returned to the publisher.
func (b *EventBus) Publish(ctx context.Context, event *chat.Event) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("publish event %s: bus closed", event.Kind)
	}
	matching := make([]*busSubscription, 0, len(b.subscriptions))
	for _, sub := range b.subscriptions {
		if sub.interest.Matches(event) {
			matching = append(matching, sub)
		}
	}
	b.mu.RUnlock()

	var publishErr error
	for _, sub := range matching {
		err := sub.enqueue(ctx, event)
		switch {
		case err == nil:
		case errors.Is(err, chat.ErrEventDropped), errors.Is(err, chat.ErrSubscriptionClosed):
			b.reportAsyncError(ctx, sub.spec.Name, err)
		default:
			publishErr = errors.Join(publishErr, err)
		}
	}
	if publishErr != nil {
		return fmt.Errorf("publish event %s: %w", event.Kind, publishErr)
	}

	return nil
}

// Subscribe registers a bounded asynchronous consumer and starts its workers.
func (b *EventBus) Subscribe(
	ctx context.Context,
	interest chat.InterestSet,
	spec chat.SubscriptionSpec,
	handler chat.EventHandler,
) (chat.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", spec.Name, err)
	}
	if handler == nil {
		return nil, fmt.Errorf("subscribe %s: %w: nil handler", spec.Name, chat.ErrInvalidSubscription)
	}

	id := b.nextID.Add(1)
	spec = b.withDefaults(spec, id)
	switch spec.Backpressure {
	case chat.BackpressureDropNewest, chat.BackpressureDropOldest, chat.BackpressureBlock:
	default:
		return nil, fmt.Errorf(
			"subscribe %s: %w: unsupported backpressure %q",
			spec.Name,
			chat.ErrInvalidSubscription,
			spec.Backpressure,
		)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("subscribe %s: bus closed", spec.Name)
	}
	sub := newBusSubscription(id, interest, spec, handler, b)
	b.subscriptions[id] = sub

	return sub, nil
}

// Close stops all active subscriptions and rejects further publishes/subscribes.
func (b *EventBus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subscriptions
	b.subscriptions = make(map[int64]*busSubscription)
	b.mu.Unlock()

	var closeErr error
	for _, sub := range subs {
		if err := sub.shutdown(ctx); err != nil {
			closeErr = errors.Join(closeErr, err)
		}
	}
	if closeErr != nil {
		return fmt.Errorf("close event bus: %w", closeErr)
	}

	return nil
}

// withDefaults fills omitted subscription fields.
func (b *EventBus) withDefaults(spec chat.SubscriptionSpec, id int64) chat.SubscriptionSpec {
	if spec.Name == "" {
		spec.Name = fmt.Sprintf("subscription-%d", id)
	}
	if spec.Buffer <= 0 {
		spec.Buffer = b.defaultBuffer
	}
	if spec.Workers <= 0 {
		spec.Workers = b.defaultWorkers
	}
	if spec.HandlerTimeout <= 0 {
		spec.HandlerTimeout = b.defaultHandlerTimeout
	}
	if spec.Backpressure == "" {
		spec.Backpressure = chat.BackpressureDropNewest
	}

	return spec
}

func (b *EventBus) unsubscribe(ctx context.Context, id int64) error {
	b.mu.Lock()
	sub, found := b.subscriptions[id]
	delete(b.subscriptions, id)
	b.mu.Unlock()

	if !found {
		return nil
	}
	if err := sub.shutdown(ctx); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", sub.spec.Name, err)
	}

	return nil
}

func (b *EventBus) reportAsyncError(ctx context.Context, scope string, err error) {
	if b.onAsyncError != nil {
		b.onAsyncError(ctx, scope, err)
	}
}

// busSubscription owns queueing and worker lifecycle for a single subscriber.
// Workers stop on context cancellation; the queue channel is never closed.
type busSubscription struct {
	id       int64
	interest chat.InterestSet
	spec     chat.SubscriptionSpec
	handler  chat.EventHandler
	queue    chan *chat.Event
	bus      *EventBus

	ctx     context.Context
	cancel  context.CancelFunc
	workers sync.WaitGroup
	done    chan struct{}
	closed  atomic.Bool
}

func newBusSubscription(
	id int64,
	interest chat.InterestSet,
	spec chat.SubscriptionSpec,
	handler chat.EventHandler,
	bus *EventBus,
) *busSubscription {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &busSubscription{
		id:       id,
		interest: cloneInterestSet(interest),
		spec:     spec,
		handler:  handler,
		queue:    make(chan *chat.Event, spec.Buffer),
		bus:      bus,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	for workerID := range spec.Workers {
		sub.workers.Go(func() { sub.runWorker(workerID) })
	}
	go func() {
		sub.workers.Wait()
		close(sub.done)
	}()

	return sub
}

// cloneInterestSet copies owned slices so caller mutation does not affect matching.
func cloneInterestSet(interest chat.InterestSet) chat.InterestSet {
	cloned := interest
	cloned.Kinds = append([]chat.EventKind(nil), interest.Kinds...)
	cloned.CommandNames = append([]string(nil), interest.CommandNames...)

	return cloned
}

// Name returns the stable subscription name.
func (s *busSubscription) Name() string {
	return s.spec.Name
}

// Close unregisters this subscription from its parent bus.
func (s *busSubscription) Close(ctx context.Context) error {
	return s.bus.unsubscribe(ctx, s.id)
}

// enqueue applies the configured backpressure policy.
func (s *busSubscription) enqueue(ctx context.Context, event *chat.Event) error {
	if s.closed.Load() {
		return fmt.Errorf("enqueue %s: %w", s.spec.Name, chat.ErrSubscriptionClosed)
	}

	select {
	case s.queue <- event:
		return nil
	default:
	}

	switch s.spec.Backpressure {
	case chat.BackpressureDropOldest:
		select {
		case <-s.queue:
		default:
		}
		select {
		case s.queue <- event:
			return nil
		default:
		}
	case chat.BackpressureBlock:
		select {
		case s.queue <- event:
			return nil
		case <-ctx.Done():
			return fmt.Errorf("enqueue %s: %w", s.spec.Name, ctx.Err())
		case <-s.ctx.Done():
			return fmt.Errorf("enqueue %s: %w", s.spec.Name, chat.ErrSubscriptionClosed)
		}
	}

	return fmt.Errorf("enqueue %s: %w", s.spec.Name, chat.ErrEventDropped)
}

// runWorker drains the queue until the subscription is canceled.
func (s *busSubscription) runWorker(workerID int) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case event := <-s.queue:
			if err := s.handle(workerID, event); err != nil {
				s.bus.reportAsyncError(s.ctx, s.spec.Name, err)
			}
		}
	}
}

// handle runs the handler with the subscription timeout, when set, and panic recovery.
func (s *busSubscription) handle(workerID int, event *chat.Event) error {
	ctx, cancel := context.WithCancel(s.ctx)
	if s.spec.HandlerTimeout > 0 {
		ctx, cancel = context.WithTimeout(s.ctx, s.spec.HandlerTimeout)
	}
	defer cancel()

	scope := fmt.Sprintf("subscription %s worker %d", s.spec.Name, workerID)
	if err := runSafely(scope, func() error { return s.handler(ctx, event) }); err != nil {
		return fmt.Errorf("handle event %s (%s): %w", event.ID, event.Kind, err)
	}

	return nil
}

// shutdown cancels workers and waits for them or for ctx to expire.
func (s *busSubscription) shutdown(ctx context.Context) error {
	s.closed.Store(true)
	s.cancel()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown subscription %s: %w", s.spec.Name, ctx.Err())
	}
}
