package compaction

import (
	"sync"

	"go.uber.org/atomic"
)

// RefCountedBuffer wraps a block's payload bytes with a reference count.
// A reader acquires it when a read completes; the single consumer
// (a writer) releases it once it has finished writing the bytes, or on
// error.
type RefCountedBuffer struct {
	mu    sync.Mutex
	data  []byte
	count atomic.Int64
}

// NewRefCountedBuffer wraps data with an initial refcount of 1, as if
// freshly produced by a completed read.
func NewRefCountedBuffer(data []byte) *RefCountedBuffer {
	b := &RefCountedBuffer{data: data}
	b.count.Store(1)
	return b
}

// Bytes returns the underlying payload. Callers must hold a reference
// (i.e. have called Acquire, or be the original holder) while reading it.
func (b *RefCountedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.data
}

// Acquire increments the reference count and returns the buffer for
// chaining.
func (b *RefCountedBuffer) Acquire() *RefCountedBuffer {
	b.count.Inc()
	return b
}

// Release decrements the reference count. Once it reaches zero the
// underlying bytes are dropped so they can be garbage collected promptly.
func (b *RefCountedBuffer) Release() {
	if b.count.Dec() <= 0 {
		b.mu.Lock()
		b.data = nil
		b.mu.Unlock()
	}
}

// RefCount returns the current reference count, for debug-mode assertions
// only.
func (b *RefCountedBuffer) RefCount() int64 {
	return b.count.Load()
}
