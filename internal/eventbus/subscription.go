package eventbus

import (
	"context"
	"sync"
)

// Subscription is one consumer's view of a [Bus]. Recv and TryRecv may be
// called from a single goroutine at a time; Close may be called from any.
type Subscription[T any] struct {
	bus *Bus[T]

	mu     sync.Mutex
	ring   []T
	head   int
	size   int
	missed uint64
	closed bool

	// notify holds at most one pending wake-up for the receiver, space one
	// for a publisher blocked in PublishWait.
	notify chan struct{}
	space  chan struct{}
	once   sync.Once
}

func newSubscription[T any](b *Bus[T], capacity int) *Subscription[T] {
	return &Subscription[T]{
		bus:    b,
		ring:   make([]T, capacity),
		notify: make(chan struct{}, 1),
		space:  make(chan struct{}, 1),
	}
}

// push appends ev, evicting the oldest event when full. It reports whether an
// event was evicted.
func (s *Subscription[T]) push(ev T) (evicted bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	tail := (s.head + s.size) % len(s.ring)
	if s.size == len(s.ring) {
		var zero T
		s.ring[s.head] = zero
		s.head = (s.head + 1) % len(s.ring)
		s.missed++
		evicted = true
		tail = (s.head + s.size - 1) % len(s.ring)
	} else {
		s.size++
	}
	s.ring[tail] = ev
	s.mu.Unlock()

	s.wake()
	return evicted
}

func (s *Subscription[T]) wake() {
	signal(s.notify)
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// full reports whether a push would evict. Closed subscriptions never are.
func (s *Subscription[T]) full() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && s.size == len(s.ring)
}

func (s *Subscription[T]) markClosed() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wake()
	signal(s.space)
}

// TryRecv returns the next event without blocking. ok is false when nothing
// is pending. A non-nil error is either a [*LaggedError] (the next call
// continues with the oldest retained event) or [ErrClosed].
func (s *Subscription[T]) TryRecv() (ev T, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.missed > 0 {
		n := s.missed
		s.missed = 0
		return ev, false, &LaggedError{Missed: n}
	}
	if s.size > 0 {
		var zero T
		ev = s.ring[s.head]
		s.ring[s.head] = zero
		s.head = (s.head + 1) % len(s.ring)
		s.size--
		signal(s.space)
		return ev, true, nil
	}
	if s.closed {
		return ev, false, ErrClosed
	}
	return ev, false, nil
}

// Recv blocks until an event is available, a lag is reported, the
// subscription is closed, or ctx is done.
func (s *Subscription[T]) Recv(ctx context.Context) (T, error) {
	for {
		ev, ok, err := s.TryRecv()
		if ok || err != nil {
			return ev, err
		}
		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-s.notify:
		}
	}
}

// Pending returns the number of buffered events.
func (s *Subscription[T]) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Close unsubscribes. Buffered events are discarded and later receives
// return [ErrClosed]. Close is idempotent.
func (s *Subscription[T]) Close() {
	s.once.Do(func() {
		s.bus.unsubscribe(s)
		s.mu.Lock()
		clear(s.ring)
		s.size = 0
		s.missed = 0
		s.closed = true
		s.mu.Unlock()
		s.wake()
		signal(s.space)
	})
}
