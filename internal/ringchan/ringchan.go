// Package ringchan provides a bounded channel with overwrite-oldest semantics.
//
// Producers never block: when the buffer is full the oldest queued value is
// discarded to make room. Consumers read from C() like from any channel.
//
//	rc := ringchan.New[int](3)
//	for i := 0; i < 10; i++ {
//	    rc.Send(i)
//	}
//	rc.Close()
//	for v := range rc.C() {
//	    fmt.Println(v) // 7, 8, 9
//	}
package ringchan

import (
	"sync"
	"sync/atomic"
)

// RingChannel is a bounded, never-blocking channel
type RingChannel[T any] struct {
	ch     chan T
	mu     sync.Mutex // serialises writers so drop-then-send is atomic
	closed bool
	stats  Stats
}

// New creates a RingChannel with the given capacity.
func New[T any](capacity int) *RingChannel[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &RingChannel[T]{ch: make(chan T, capacity)}
}

// C returns the receive side. It is closed by Close.
func (rc *RingChannel[T]) C() <-chan T {
	return rc.ch
}

// Send inserts v, discarding the oldest value if the buffer is full.
// Returns true when a value was dropped. Sending on a closed RingChannel is a no-op.
func (rc *RingChannel[T]) Send(v T) (dropped bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.closed {
		return false
	}

	for {
		select {
		case rc.ch <- v:
			atomic.AddInt64(&rc.stats.Written, 1)
			return dropped
		default:
		}

		// A consumer may drain concurrently, so the drop is best-effort and the send retried.
		select {
		case <-rc.ch:
			atomic.AddInt64(&rc.stats.Overwritten, 1)
			dropped = true
		default:
		}
	}
}

// TrySend inserts v only if there is room.
func (rc *RingChannel[T]) TrySend(v T) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.closed {
		return false
	}
	select {
	case rc.ch <- v:
		atomic.AddInt64(&rc.stats.Written, 1)
		return true
	default:
		return false
	}
}

// TryReceive attempts a non-blocking receive.
func (rc *RingChannel[T]) TryReceive() (v T, ok bool) {
	select {
	case v, ok = <-rc.ch:
		return v, ok
	default:
		return v, false
	}
}

// Len returns the number of buffered values.
func (rc *RingChannel[T]) Len() int {
	return len(rc.ch)
}

// Cap returns the capacity.
func (rc *RingChannel[T]) Cap() int {
	return cap(rc.ch)
}

// Close closes the receive side. Safe to call more than once.
func (rc *RingChannel[T]) Close() {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.closed {
		return
	}
	rc.closed = true
	close(rc.ch)
}

// Stats returns a snapshot of the write counters.
func (rc *RingChannel[T]) Stats() Stats {
	return Stats{
		Written:     atomic.LoadInt64(&rc.stats.Written),
		Overwritten: atomic.LoadInt64(&rc.stats.Overwritten),
	}
}

// Stats counts values accepted and values lost to overwrite
type Stats struct {
	Written     int64
	Overwritten int64
}
