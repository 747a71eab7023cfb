// Package ring implements the response channel between the polling
// goroutine and the client: a bounded byte ring with a blocking reader and
// a producer that never blocks.
//
// head is written only by the producer and tail only by the consumer. Both
// are atomics, so a consumer that observes an advanced head also observes
// every byte stored before it, and the producer never reuses space before
// the consumer's tail store.
package ring

import (
	"context"
	"log"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// DefaultCapacity is the response channel size. One byte is always kept
// free to tell a full ring from an empty one.
const DefaultCapacity = 8192

// ErrClosed is returned by Read once the buffer has been closed.
var ErrClosed = errors.New("ring: closed")

type Buffer struct {
	data []byte
	mask uint32

	head atomic.Uint32
	tail atomic.Uint32

	producer sync.Mutex
	consumer sync.Mutex

	notify    chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	dropped atomic.Uint64
}

// New returns a buffer of the given capacity, which must be a power of two.
func New(capacity int) *Buffer {
	if capacity < 2 || capacity&(capacity-1) != 0 {
		panic("ring: capacity must be a power of two")
	}
	return &Buffer{
		data:   make([]byte, capacity),
		mask:   uint32(capacity - 1),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Cap returns the number of bytes the buffer can hold.
func (b *Buffer) Cap() int {
	return len(b.data) - 1
}

// Len returns the number of buffered bytes.
func (b *Buffer) Len() int {
	return int((b.head.Load() - b.tail.Load()) & b.mask)
}

// Dropped returns the number of bytes discarded on overflow.
func (b *Buffer) Dropped() uint64 {
	return b.dropped.Load()
}

// Push appends p as one unit. If p does not fit in the free space it is
// dropped whole, so a frame is never split across an overflow. Push never
// blocks on the reader.
func (b *Buffer) Push(p []byte) bool {
	b.producer.Lock()
	defer b.producer.Unlock()

	head := b.head.Load()
	tail := b.tail.Load()
	free := int(b.mask) - int((head-tail)&b.mask)
	if len(p) > free {
		b.dropped.Add(uint64(len(p)))
		log.Printf("[ring] overflow: dropped %d byte frame (%d free)", len(p), free)
		return false
	}
	if len(p) == 0 {
		return true
	}

	start := int(head)
	n := copy(b.data[start:], p)
	copy(b.data, p[n:])
	b.head.Store((head + uint32(len(p))) & b.mask)

	select {
	case b.notify <- struct{}{}:
	default:
	}
	return true
}

// Read copies up to len(p) buffered bytes into p, blocking until at least
// one byte is available, ctx is done or the buffer is closed.
func (b *Buffer) Read(ctx context.Context, p []byte) (int, error) {
	b.consumer.Lock()
	defer b.consumer.Unlock()

	if len(p) == 0 {
		return 0, nil
	}

	for b.Len() == 0 {
		select {
		case <-b.notify:
		case <-b.done:
			return 0, ErrClosed
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}

	tail := b.tail.Load()
	avail := int((b.head.Load() - tail) & b.mask)
	if avail > len(p) {
		avail = len(p)
	}
	start := int(tail)
	end := start + avail
	var n int
	if end <= len(b.data) {
		n = copy(p, b.data[start:end])
	} else {
		n = copy(p, b.data[start:])
		n += copy(p[n:avail], b.data[:end-len(b.data)])
	}
	b.tail.Store((tail + uint32(n)) & b.mask)
	return n, nil
}

// Close wakes blocked readers. Reads of an empty closed buffer fail with
// ErrClosed.
func (b *Buffer) Close() {
	b.closeOnce.Do(func() { close(b.done) })
}
