package session

import (
	"bytes"
	"sync"
	"time"
)

// Buffer accumulates one connection's audio between flushes. Append and the
// drain operations share a single mutex so a drain observes either every byte
// appended before it or none of them.
type Buffer struct {
	mu       sync.Mutex
	data     bytes.Buffer
	lastData time.Time
	now      func() time.Time
}

// NewBuffer creates an empty buffer. now defaults to time.Now.
func NewBuffer(now func() time.Time) *Buffer {
	if now == nil {
		now = time.Now
	}
	return &Buffer{now: now, lastData: now()}
}

// Append adds p and records the arrival time. It returns the buffered size
// after the append so callers can apply the size threshold without locking
// again.
func (b *Buffer) Append(p []byte) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.data.Write(p)
	b.lastData = b.now()
	return b.data.Len()
}

// TakeAndReset returns everything buffered so far and empties the buffer.
// An empty buffer yields nil.
func (b *Buffer) TakeAndReset() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.drainLocked()
}

// TakeIfIdle drains the buffer only when it holds data and nothing has been
// appended for at least threshold.
func (b *Buffer) TakeIfIdle(threshold time.Duration) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.data.Len() == 0 || b.now().Sub(b.lastData) < threshold {
		return nil
	}
	return b.drainLocked()
}

// Len reports the number of buffered bytes.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.data.Len()
}

func (b *Buffer) lastDataTime() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastData
}

func (b *Buffer) drainLocked() []byte {
	if b.data.Len() == 0 {
		return nil
	}
	// bytes.Buffer reuses its backing array after Reset.
	chunk := make([]byte, b.data.Len())
	copy(chunk, b.data.Bytes())
	b.data.Reset()
	return chunk
}
