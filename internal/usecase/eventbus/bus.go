// Package eventbus delivers domain events to in-process subscribers.
//
// Every subscriber owns a bounded mailbox drained by its own goroutine, so a
// subscriber sees events in publish order and a slow subscriber never stalls
// the publisher: when its mailbox is full the event is dropped for that
// subscriber only and counted.
package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"whisperlink/internal/domain"
)

// DefaultMailboxSize is the per-subscriber buffer used when none is given.
const DefaultMailboxSize = 256

type delivery struct {
	ctx   context.Context
	event domain.Event
}

type subscription struct {
	id      uint64
	handler domain.EventHandler
	mailbox chan delivery
}

// Option configures a Bus.
type Option func(*Bus)

// WithMailboxSize sets the per-subscriber buffer.
func WithMailboxSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.mailboxSize = n
		}
	}
}

// Bus is an in-process, goroutine-safe event bus.
type Bus struct {
	mu          sync.RWMutex
	typed       map[domain.EventType][]*subscription
	allSubs     []*subscription
	closed      bool
	nextID      atomic.Uint64
	dropped     atomic.Uint64
	mailboxSize int
	logger      *slog.Logger
	wg          sync.WaitGroup
}

var _ domain.EventBus = (*Bus)(nil)

// New creates an event bus.
func New(logger *slog.Logger, opts ...Option) *Bus {
	b := &Bus{
		typed:       make(map[domain.EventType][]*subscription),
		mailboxSize: DefaultMailboxSize,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish queues event for every matching typed subscriber and every
// all-event subscriber. It never blocks. The publisher's cancellation does
// not reach handlers; its values do.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	d := delivery{ctx: context.WithoutCancel(ctx), event: event}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.typed[event.Type] {
		b.offer(sub, d)
	}
	for _, sub := range b.allSubs {
		b.offer(sub, d)
	}
}

// offer is called with b.mu held for reading, so the mailbox cannot be
// closed underneath it.
func (b *Bus) offer(sub *subscription, d delivery) {
	select {
	case sub.mailbox <- d:
	default:
		b.dropped.Add(1)
		b.logger.Warn("event dropped, subscriber mailbox full",
			"event", string(d.event.Type),
			"subscriber", sub.id,
		)
	}
}

func (b *Bus) run(sub *subscription) {
	defer b.wg.Done()
	for d := range sub.mailbox {
		b.invoke(sub, d)
	}
}

func (b *Bus) invoke(sub *subscription, d delivery) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", string(d.event.Type),
				"panic", r,
			)
		}
	}()
	sub.handler(d.ctx, d.event)
}

func (b *Bus) newSubscription(handler domain.EventHandler) *subscription {
	sub := &subscription{
		id:      b.nextID.Add(1),
		handler: handler,
		mailbox: make(chan delivery, b.mailboxSize),
	}
	b.wg.Add(1)
	go b.run(sub)
	return sub
}

// Subscribe registers a handler for a specific event type.
// Returns an unsubscribe function; events already queued are still delivered.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}
	sub := b.newSubscription(handler)
	b.typed[eventType] = append(b.typed[eventType], sub)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.typed[eventType]
		for i, s := range subs {
			if s.id == sub.id {
				b.typed[eventType] = append(subs[:i], subs[i+1:]...)
				close(s.mailbox)
				return
			}
		}
	}
}

// SubscribeAll registers a handler that receives every event.
// Returns an unsubscribe function.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}
	sub := b.newSubscription(handler)
	b.allSubs = append(b.allSubs, sub)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.allSubs {
			if s.id == sub.id {
				b.allSubs = append(b.allSubs[:i], b.allSubs[i+1:]...)
				close(s.mailbox)
				return
			}
		}
	}
}

// Dropped returns how many deliveries were discarded because a mailbox was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close prevents new publishes, delivers everything already queued and
// waits for the handlers to finish. Close is idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, subs := range b.typed {
		for _, s := range subs {
			close(s.mailbox)
		}
	}
	for _, s := range b.allSubs {
		close(s.mailbox)
	}
	b.typed = nil
	b.allSubs = nil
	b.mu.Unlock()

	b.wg.Wait()
}
