// Package history keeps the most recent session events in a bounded ring buffer
// so that late readers (the HTTP API) can fetch what happened since their last poll.
package history

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"

	"github.com/srg/tagwatch/internal/groutine"
	"github.com/srg/tagwatch/internal/session"
)

const (
	DefaultSize uint32 = 256
	// MaxSize guards against accidental misconfiguration.
	MaxSize uint32 = 64 * 1024
)

// Collector states
const (
	StateNotRunning uint32 = iota
	StateRunning
	StateStopping
)

// Metrics are updated atomically by the collector goroutine
type Metrics struct {
	Collected   int64
	Overwritten int64
	Errors      int64
}

// Collector copies events from a session observer into a ring buffer.
// When the buffer is full the oldest events are overwritten.
type Collector struct {
	source <-chan session.Event
	buffer mpmc.RichOverlappedRingBuffer[session.Event]
	logger *logrus.Logger

	stop    chan struct{}
	done    chan struct{}
	state   uint32
	metrics Metrics
}

// New creates a collector reading from source, typically session.Observer.C()
func New(source <-chan session.Event, size uint32, logger *logrus.Logger) (*Collector, error) {
	if source == nil {
		return nil, fmt.Errorf("history: source channel cannot be nil")
	}
	if size == 0 {
		size = DefaultSize
	}
	if size > MaxSize {
		return nil, fmt.Errorf("history: size %d exceeds maximum %d", size, MaxSize)
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Collector{
		source: source,
		buffer: mpmc.NewOverlappedRingBuffer[session.Event](size),
		logger: logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}, nil
}

// Start launches the collecting goroutine
func (c *Collector) Start() error {
	if !atomic.CompareAndSwapUint32(&c.state, StateNotRunning, StateRunning) {
		return fmt.Errorf("history: collector is not idle (state %d)", atomic.LoadUint32(&c.state))
	}
	c.stop = make(chan struct{})
	c.done = make(chan struct{})

	groutine.Go(context.Background(), "history-collector", func(ctx context.Context) {
		defer func() {
			close(c.done)
			atomic.StoreUint32(&c.state, StateNotRunning)
		}()
		for {
			select {
			case <-c.stop:
				return
			case ev, ok := <-c.source:
				if !ok {
					c.logger.Debug("History source closed")
					return
				}
				overwrites, err := c.buffer.EnqueueM(ev)
				if err != nil {
					atomic.AddInt64(&c.metrics.Errors, 1)
					c.logger.WithError(err).Warn("Failed to record session event")
					continue
				}
				atomic.AddInt64(&c.metrics.Overwritten, int64(overwrites))
				atomic.AddInt64(&c.metrics.Collected, 1)
			}
		}
	})
	return nil
}

// Stop ends collection and waits for the goroutine to exit
func (c *Collector) Stop() error {
	if atomic.CompareAndSwapUint32(&c.state, StateRunning, StateStopping) {
		close(c.stop)
	} else if atomic.LoadUint32(&c.state) == StateNotRunning {
		return nil
	}

	select {
	case <-c.done:
		return nil
	case <-time.After(5 * time.Second):
		<-c.done
		return fmt.Errorf("history: stop exceeded 5s")
	}
}

// Done is closed once the collecting goroutine has exited
func (c *Collector) Done() <-chan struct{} {
	return c.done
}

// Metrics returns a copy of the counters
func (c *Collector) Metrics() Metrics {
	return Metrics{
		Collected:   atomic.LoadInt64(&c.metrics.Collected),
		Overwritten: atomic.LoadInt64(&c.metrics.Overwritten),
		Errors:      atomic.LoadInt64(&c.metrics.Errors),
	}
}

// ConsumerFunc receives buffered events one at a time, then a final nil.
// Returning a non-zero result (or an error) stops consumption early.
type ConsumerFunc[T comparable] func(ev *session.Event) (T, error)

// Consume drains buffered events into consumer
func Consume[T comparable](c *Collector, consumer ConsumerFunc[T]) (T, error) {
	var zero T
	for !c.buffer.IsEmpty() {
		ev, err := c.buffer.Dequeue()
		if err != nil {
			return zero, fmt.Errorf("history: dequeue: %w", err)
		}
		result, err := consumer(&ev)
		if err != nil || result != zero {
			return result, err
		}
	}
	return consumer(nil)
}

// Drain removes and returns every buffered event, oldest first
func (c *Collector) Drain() []session.Event {
	var out []session.Event
	_, _ = Consume(c, func(ev *session.Event) (bool, error) {
		if ev != nil {
			out = append(out, *ev)
		}
		return false, nil
	})
	return out
}
