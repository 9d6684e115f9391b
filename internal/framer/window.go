// Package framer turns an irregular stream of sample chunks into fixed-size,
// overlapping frames.
//
// A [Window] emits frames of W samples whose starts are F samples apart, so
// consecutive frames share W-F samples. Frame k covers input samples
// [k*F, k*F+W). Given N samples pushed in total, exactly floor((N-W)/F)+1
// frames become available (none while N < W), independent of how the input
// was chunked.
package framer

import (
	"fmt"
	"sync"
)

// Window is a sliding-window framer. Push and Poll may be called from
// different goroutines.
type Window[T any] struct {
	window int
	hop    int

	mu sync.Mutex
	// buf[start:] holds the pending samples; buf[:start] is consumed space
	// reclaimed on the next compaction.
	buf   []T
	start int

	ready chan struct{}
}

// New creates a Window emitting frames of window samples every hop samples.
// It requires 0 < hop <= window.
func New[T any](window, hop int) (*Window[T], error) {
	if window <= 0 {
		return nil, fmt.Errorf("framer: window size must be positive, got %d", window)
	}
	if hop <= 0 {
		return nil, fmt.Errorf("framer: hop size must be positive, got %d", hop)
	}
	if hop > window {
		return nil, fmt.Errorf("framer: hop size %d exceeds window size %d", hop, window)
	}
	return &Window[T]{
		window: window,
		hop:    hop,
		ready:  make(chan struct{}, 1),
	}, nil
}

// Size returns the frame length W.
func (w *Window[T]) Size() int { return w.window }

// Hop returns the frame advance F.
func (w *Window[T]) Hop() int { return w.hop }

// Push appends a copy of samples to the tail. If at least one frame is
// available afterwards, a wake-up is posted on [Window.Ready].
func (w *Window[T]) Push(samples []T) {
	if len(samples) == 0 {
		return
	}
	w.mu.Lock()
	w.compact(len(samples))
	w.buf = append(w.buf, samples...)
	ready := len(w.buf)-w.start >= w.window
	w.mu.Unlock()

	if ready {
		select {
		case w.ready <- struct{}{}:
		default:
		}
	}
}

// compact moves pending samples to the front of buf once the consumed
// prefix is at least as large as what is still pending, so the append that
// follows reuses the space. Must be called with w.mu held.
func (w *Window[T]) compact(incoming int) {
	if w.start == 0 {
		return
	}
	pending := len(w.buf) - w.start
	if w.start < pending && len(w.buf)+incoming <= cap(w.buf) {
		return
	}
	n := copy(w.buf, w.buf[w.start:])
	clear(w.buf[n:])
	w.buf = w.buf[:n]
	w.start = 0
}

// Poll returns the next frame if one is available. When fewer than W
// samples are pending it returns nil, false and leaves the state untouched.
// Otherwise it returns a fresh copy of the first W pending samples and drops
// the first F of them.
func (w *Window[T]) Poll() ([]T, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.buf)-w.start < w.window {
		return nil, false
	}
	frame := make([]T, w.window)
	copy(frame, w.buf[w.start:w.start+w.window])
	w.start += w.hop
	return frame, true
}

// Ready returns a channel that receives a value after a Push leaves at least
// one frame available. It holds at most one pending signal, so a consumer
// should drain frames with Poll until it reports false before waiting again.
func (w *Window[T]) Ready() <-chan struct{} { return w.ready }

// Pending returns the number of samples pushed but not yet dropped.
func (w *Window[T]) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buf) - w.start
}

// Available returns how many frames Poll would return right now.
func (w *Window[T]) Available() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	pending := len(w.buf) - w.start
	if pending < w.window {
		return 0
	}
	return (pending-w.window)/w.hop + 1
}
