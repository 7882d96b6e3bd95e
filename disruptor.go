package match

import (
	"context"
	"errors"
	"runtime"
	"sync/atomic"
	"time"
)

// ErrDisruptorTimeout is returned when shutdown times out
var ErrDisruptorTimeout = errors.New("disruptor: shutdown timeout")

const (
	idleSpins    = 64
	idleMaxSleep = time.Millisecond
)

// EventHandler consumes events from a RingBuffer on a single goroutine.
type EventHandler[T any] interface {
	OnEvent(event T)
}

// RingBuffer is a multi-producer single-consumer ring buffer.
// Producers block (spin) while the buffer is full, which pushes back on the order books.
type RingBuffer[T any] struct {
	// Cache line padding to avoid false sharing
	_                [56]byte
	producerSequence atomic.Int64
	_                [56]byte
	consumerSequence atomic.Int64
	_                [56]byte

	buffer     []T
	bufferMask int64
	capacity   int64

	// published[i] holds the sequence last written to slot i
	published []int64

	handler EventHandler[T]

	isShutdown atomic.Bool
	isRunning  atomic.Bool
	stopped    chan struct{}
}

// NewRingBuffer creates a RingBuffer. capacity must be a power of 2.
func NewRingBuffer[T any](capacity int64, handler EventHandler[T]) *RingBuffer[T] {
	if capacity <= 0 || (capacity&(capacity-1)) != 0 {
		panic("size must be a power of 2")
	}

	rb := &RingBuffer[T]{
		buffer:     make([]T, capacity),
		published:  make([]int64, capacity),
		capacity:   capacity,
		bufferMask: capacity - 1,
		handler:    handler,
		stopped:    make(chan struct{}),
	}

	rb.producerSequence.Store(-1)
	rb.consumerSequence.Store(-1)

	for i := range rb.published {
		atomic.StoreInt64(&rb.published[i], -1)
	}

	return rb
}

// Publish writes an event to the ring buffer. Safe for concurrent producers.
// It returns false once the buffer is shut down.
func (rb *RingBuffer[T]) Publish(event T) bool {
	if rb.isShutdown.Load() {
		return false
	}

	var nextSeq int64
	for {
		currentProducerSeq := rb.producerSequence.Load()
		nextSeq = currentProducerSeq + 1

		// the producer may not lap the consumer
		wrapPoint := nextSeq - rb.capacity
		if wrapPoint > rb.consumerSequence.Load() {
			runtime.Gosched()
			continue
		}

		if rb.producerSequence.CompareAndSwap(currentProducerSeq, nextSeq) {
			break
		}
		runtime.Gosched()
	}

	index := nextSeq & rb.bufferMask
	rb.buffer[index] = event

	atomic.StoreInt64(&rb.published[index], nextSeq)
	return true
}

// Start runs the consumer on a new goroutine.
func (rb *RingBuffer[T]) Start() {
	go rb.Run()
}

// Run consumes events until Shutdown is called and every claimed event is handled.
func (rb *RingBuffer[T]) Run() {
	if !rb.isRunning.CompareAndSwap(false, true) {
		return
	}
	defer close(rb.stopped)

	nextConsumerSeq := rb.consumerSequence.Load() + 1
	idle := 0

	for {
		if rb.isShutdown.Load() {
			rb.consume(nextConsumerSeq)
			return
		}

		next := rb.consume(nextConsumerSeq)
		if next == nextConsumerSeq {
			idle++
			rb.backoff(idle)
			continue
		}
		nextConsumerSeq = next
		idle = 0
	}
}

// consume handles every event claimed so far and returns the next sequence to read.
func (rb *RingBuffer[T]) consume(nextConsumerSeq int64) int64 {
	availableSeq := rb.producerSequence.Load()

	for nextConsumerSeq <= availableSeq {
		index := nextConsumerSeq & rb.bufferMask

		// the slot is claimed but the producer has not finished writing it
		for atomic.LoadInt64(&rb.published[index]) != nextConsumerSeq {
			runtime.Gosched()
		}

		event := rb.buffer[index]
		var zero T
		rb.buffer[index] = zero
		rb.handler.OnEvent(event)

		rb.consumerSequence.Store(nextConsumerSeq)
		nextConsumerSeq++
	}

	return nextConsumerSeq
}

func (rb *RingBuffer[T]) backoff(idle int) {
	if idle < idleSpins {
		runtime.Gosched()
		return
	}
	sleep := time.Duration(idle-idleSpins+1) * 10 * time.Microsecond
	time.Sleep(min(sleep, idleMaxSleep))
}

// Shutdown stops accepting events and waits until the consumer has handled
// everything already published.
func (rb *RingBuffer[T]) Shutdown(ctx context.Context) error {
	rb.isShutdown.Store(true)

	if !rb.isRunning.Load() {
		return nil
	}

	select {
	case <-rb.stopped:
		return nil
	case <-ctx.Done():
		return ErrDisruptorTimeout
	}
}

// ConsumerSequence returns the last handled sequence.
func (rb *RingBuffer[T]) ConsumerSequence() int64 {
	return rb.consumerSequence.Load()
}

// ProducerSequence returns the last claimed sequence.
func (rb *RingBuffer[T]) ProducerSequence() int64 {
	return rb.producerSequence.Load()
}

// GetPendingEvents returns the number of claimed events not yet handled.
func (rb *RingBuffer[T]) GetPendingEvents() int64 {
	producerSeq := rb.producerSequence.Load()
	consumerSeq := rb.consumerSequence.Load()
	return producerSeq - consumerSeq
}
