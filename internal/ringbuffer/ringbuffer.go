// Package ringbuffer provides a fixed-capacity circular buffer that evicts
// the oldest element on overflow.
package ringbuffer

import (
	"iter"
	"sync"
)

// Buffer is safe for concurrent use.
type Buffer[T any] struct {
	mu    sync.RWMutex
	items []T
	head  int // index of the oldest element
	size  int
}

// New returns a buffer holding at most capacity elements. Capacity below 1 is treated as 1.
func New[T any](capacity int) *Buffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer[T]{items: make([]T, capacity)}
}

// Push appends v, overwriting the oldest element when full. It reports whether an element was evicted.
func (b *Buffer[T]) Push(v T) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	capacity := len(b.items)
	if b.size < capacity {
		b.items[(b.head+b.size)%capacity] = v
		b.size++
		return false
	}
	b.items[b.head] = v
	b.head = (b.head + 1) % capacity
	return true
}

func (b *Buffer[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

func (b *Buffer[T]) Cap() int {
	return len(b.items)
}

// Snapshot copies the contents oldest first.
func (b *Buffer[T]) Snapshot() []T {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]T, b.size)
	for i := 0; i < b.size; i++ {
		out[i] = b.items[(b.head+i)%len(b.items)]
	}
	return out
}

// All yields the elements oldest first from a snapshot taken when iteration starts.
func (b *Buffer[T]) All() iter.Seq[T] {
	return func(yield func(T) bool) {
		for _, v := range b.Snapshot() {
			if !yield(v) {
				return
			}
		}
	}
}

// Recent yields at most n of the newest elements, oldest of them first.
func (b *Buffer[T]) Recent(n int) iter.Seq[T] {
	return func(yield func(T) bool) {
		items := b.Snapshot()
		if n < len(items) {
			items = items[len(items)-n:]
		}
		for _, v := range items {
			if !yield(v) {
				return
			}
		}
	}
}

// Filter yields the elements matching keep, oldest first.
func (b *Buffer[T]) Filter(keep func(T) bool) iter.Seq[T] {
	return func(yield func(T) bool) {
		for v := range b.All() {
			if keep(v) && !yield(v) {
				return
			}
		}
	}
}

// Reset drops all elements.
func (b *Buffer[T]) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	var zero T
	for i := range b.items {
		b.items[i] = zero
	}
	b.head = 0
	b.size = 0
}
