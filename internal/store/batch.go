package store

import (
	"log/slog"
	"sync"
	"time"
)

// Buffer coalesces bursty per-item writes into periodic bulk flushes.
// Enqueue appends to a pending list and arms a fixed-delay timer if none is
// armed; when it fires the pending list is swapped out and written in one
// bulk operation, trading up to one window of latency for far fewer writes.
// Close cancels the timer and flushes the remainder deterministically.
type Buffer[T any] struct {
	name   string
	window time.Duration
	flush  func([]T)

	mu      sync.Mutex
	pending []T
	timer   *time.Timer
	closed  bool

	// flushMu serializes flushes so a timer-fired flush and Close never
	// run the bulk write concurrently.
	flushMu sync.Mutex
}

// NewBuffer creates a Buffer flushing through fn every window.
// fn owns its own error handling; the batch is not retried by the buffer.
func NewBuffer[T any](name string, window time.Duration, fn func([]T)) *Buffer[T] {
	if window <= 0 {
		window = time.Second
	}
	return &Buffer[T]{name: name, window: window, flush: fn}
}

// Enqueue adds one item to the pending batch.
func (b *Buffer[T]) Enqueue(item T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		slog.Warn("enqueue on closed buffer dropped", "buffer", b.name)
		return
	}
	b.pending = append(b.pending, item)
	if b.timer == nil {
		b.timer = time.AfterFunc(b.window, b.onTimer)
	}
}

// Len returns the number of items currently pending.
func (b *Buffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Flush writes out whatever is pending right now, synchronously.
func (b *Buffer[T]) Flush() {
	b.runFlush()
}

// Close stops the timer and flushes remaining items. The buffer drops any
// Enqueue after Close.
func (b *Buffer[T]) Close() {
	b.mu.Lock()
	b.closed = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.mu.Unlock()
	b.runFlush()
}

func (b *Buffer[T]) onTimer() {
	b.runFlush()

	// Re-arm if items accrued during the write; otherwise let the timer
	// lapse until the next Enqueue.
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		b.timer = nil
		return
	}
	if len(b.pending) > 0 {
		b.timer = time.AfterFunc(b.window, b.onTimer)
	} else {
		b.timer = nil
	}
}

func (b *Buffer[T]) runFlush() {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	b.flush(batch)
	slog.Debug("buffer flushed", "buffer", b.name, "count", len(batch))
}
