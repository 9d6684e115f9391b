// Package eventbus implements a bounded, lossy broadcast bus.
//
// Every [Subscription] observes the events published after it was created, in
// the single order in which [Bus.Publish] calls were serialised. Each
// subscription buffers at most the bus capacity; when a slow consumer falls
// further behind, its oldest unread events are discarded and its next receive
// reports the loss as a [*LaggedError] instead of an event.
//
// Publish never blocks on consumers, which makes it safe to call from
// real-time audio callbacks. Producers that can afford to wait, such as file
// replay, use [Bus.PublishWait] instead and lose nothing.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// DefaultCapacity is the per-subscription queue bound used by [New].
const DefaultCapacity = 1000

// Drop reasons passed to the hook installed with [WithDropHook].
const (
	ReasonLagged        = "lagged"
	ReasonNoSubscribers = "no_subscribers"
)

var (
	// ErrNoSubscribers is returned by Publish when no subscription is live.
	// The event is discarded.
	ErrNoSubscribers = errors.New("eventbus: no live subscribers")

	// ErrClosed is returned by Publish after the bus was closed, and by
	// receives once a subscription is closed or has drained a closed bus.
	ErrClosed = errors.New("eventbus: closed")
)

// LaggedError reports that a subscription fell behind and Missed events were
// discarded before it could receive them.
type LaggedError struct {
	Missed uint64
}

func (e *LaggedError) Error() string {
	return fmt.Sprintf("eventbus: subscriber lagged, missed %d events", e.Missed)
}

// Bus fans events of type T out to every live subscription. It is safe for
// concurrent use.
type Bus[T any] struct {
	capacity int
	onDrop   func(reason string, n int)

	mu     sync.Mutex
	subs   map[*Subscription[T]]struct{}
	closed bool
}

// Option configures a [Bus].
type Option func(*options)

type options struct {
	capacity int
	onDrop   func(reason string, n int)
}

// WithCapacity sets the per-subscription queue bound. Values below 1 are
// ignored.
func WithCapacity(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.capacity = n
		}
	}
}

// WithDropHook installs fn to be called whenever events are discarded, with
// the reason ([ReasonLagged] or [ReasonNoSubscribers]) and the number of
// events lost. fn runs on the publishing goroutine and must not block.
func WithDropHook(fn func(reason string, n int)) Option {
	return func(o *options) { o.onDrop = fn }
}

// New creates a bus with [DefaultCapacity] unless overridden.
func New[T any](opts ...Option) *Bus[T] {
	o := options{capacity: DefaultCapacity}
	for _, opt := range opts {
		opt(&o)
	}
	return &Bus[T]{
		capacity: o.capacity,
		onDrop:   o.onDrop,
		subs:     make(map[*Subscription[T]]struct{}),
	}
}

// Capacity returns the per-subscription queue bound.
func (b *Bus[T]) Capacity() int { return b.capacity }

// Publish delivers ev to every live subscription. It returns
// [ErrNoSubscribers] when there are none and [ErrClosed] after [Bus.Close].
func (b *Bus[T]) Publish(ev T) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	if len(b.subs) == 0 {
		b.drop(ReasonNoSubscribers, 1)
		return ErrNoSubscribers
	}
	for s := range b.subs {
		if s.push(ev) {
			b.drop(ReasonLagged, 1)
		}
	}
	return nil
}

// PublishWait delivers ev like [Bus.Publish] but first waits until every
// live subscription has room for it, so no subscriber ever lags. It returns
// ctx.Err() if ctx is done while waiting.
func (b *Bus[T]) PublishWait(ctx context.Context, ev T) error {
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return ErrClosed
		}
		if len(b.subs) == 0 {
			b.drop(ReasonNoSubscribers, 1)
			b.mu.Unlock()
			return ErrNoSubscribers
		}
		var full *Subscription[T]
		for s := range b.subs {
			if s.full() {
				full = s
				break
			}
		}
		if full == nil {
			// Only publishers push and they all hold b.mu, so room found
			// above cannot disappear before the push.
			for s := range b.subs {
				s.push(ev)
			}
			b.mu.Unlock()
			return nil
		}
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-full.space:
		}
	}
}

// drop reports lost events. Must be called with b.mu held.
func (b *Bus[T]) drop(reason string, n int) {
	if b.onDrop != nil {
		b.onDrop(reason, n)
	}
}

// Subscribe creates a subscription that receives every event published after
// this call returns. Subscribing to a closed bus returns a subscription that
// immediately reports [ErrClosed].
func (b *Bus[T]) Subscribe() *Subscription[T] {
	s := newSubscription(b, b.capacity)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.markClosed()
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

// Len returns the number of live subscriptions.
func (b *Bus[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close stops the bus. Pending events stay receivable; once drained, each
// subscription reports [ErrClosed]. Close is idempotent.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		s.markClosed()
	}
	clear(b.subs)
}

func (b *Bus[T]) unsubscribe(s *Subscription[T]) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, s)
}

// Publisher returns a copyable publish handle for this bus.
func (b *Bus[T]) Publisher() Publisher[T] {
	return Publisher[T]{bus: b}
}

// Publisher is a value-type publish handle. Copies share the same bus.
type Publisher[T any] struct {
	bus *Bus[T]
}

// Publish forwards to [Bus.Publish].
func (p Publisher[T]) Publish(ev T) error {
	return p.bus.Publish(ev)
}

// PublishWait forwards to [Bus.PublishWait].
func (p Publisher[T]) PublishWait(ctx context.Context, ev T) error {
	return p.bus.PublishWait(ctx, ev)
}
