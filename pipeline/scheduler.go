package pipeline

import (
	"container/heap"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"sync"
)

// WorkItem is a schedulable unit of work in the execution frontier. For a
// raking run, each item carries one task of the cause/scenario/measure/draw
// grid plus the provenance needed for deterministic ordering.
//
// The OrderKey guarantees that items are dispatched in the same order on
// every launch of the same grid, regardless of goroutine completion order.
type WorkItem[T any] struct {
	// StepID is the monotonically increasing sequence number in the run.
	StepID int `json:"step_id"`

	// OrderKey is a deterministic sort key computed from hash(key, index).
	OrderKey uint64 `json:"order_key"`

	// Key identifies the work (for a raking run, the task key).
	Key string `json:"key"`

	// Payload is the work to execute.
	Payload T `json:"payload"`

	// Attempt is the retry counter (0 for first execution).
	Attempt int `json:"attempt"`
}

// ComputeOrderKey generates a deterministic sort key from a work key and its
// position in the expansion order.
//
// The key is the first 8 bytes of SHA-256(key || index) interpreted as a
// big-endian uint64. SHA-256 gives collision resistance; uint64 gives a
// total order the frontier heap can sort by. Identical grids therefore
// always dispatch in identical order.
func ComputeOrderKey(key string, index int) uint64 {
	h := sha256.New()
	h.Write([]byte(key))

	indexBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(indexBytes, uint32(index)) // #nosec G115 -- grid indexes are small positive ints
	h.Write(indexBytes)

	sum := h.Sum(nil)
	return binary.BigEndian.Uint64(sum[:8])
}

// workHeap implements heap.Interface ordered by OrderKey (min-heap).
type workHeap[T any] []WorkItem[T]

func (h workHeap[T]) Len() int { return len(h) }

func (h workHeap[T]) Less(i, j int) bool {
	return h[i].OrderKey < h[j].OrderKey
}

func (h workHeap[T]) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
}

func (h *workHeap[T]) Push(x interface{}) {
	*h = append(*h, x.(WorkItem[T]))
}

func (h *workHeap[T]) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[0 : n-1]
	return item
}

// Frontier manages the work queue for concurrent execution with bounded
// capacity and deterministic ordering. It combines a priority queue (heap)
// for ordering with a buffered channel for bounded depth and backpressure.
//
// Items are dequeued in OrderKey order even when enqueued concurrently.
// When the queue is full, Enqueue blocks until capacity becomes available
// or the context is cancelled, which keeps a 2400-task grid from ballooning
// memory when workers fall behind.
//
// All methods are safe for concurrent use.
type Frontier[T any] struct {
	heap     workHeap[T]
	queue    chan struct{}
	capacity int
	mu       sync.Mutex
}

// NewFrontier creates a Frontier with the given capacity.
func NewFrontier[T any](capacity int) *Frontier[T] {
	f := &Frontier[T]{
		heap:     make(workHeap[T], 0),
		queue:    make(chan struct{}, capacity),
		capacity: capacity,
	}
	heap.Init(&f.heap)
	return f
}

// Enqueue adds a work item to the frontier. Blocks while the queue is at
// capacity; returns the context error if cancelled first.
func (f *Frontier[T]) Enqueue(ctx context.Context, item WorkItem[T]) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	f.mu.Lock()
	heap.Push(&f.heap, item)
	f.mu.Unlock()

	// Publish a token; blocks when the queue is at capacity.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case f.queue <- struct{}{}:
		return nil
	}
}

// Dequeue retrieves the work item with the smallest OrderKey. Blocks until
// an item is available or the context is cancelled.
func (f *Frontier[T]) Dequeue(ctx context.Context) (WorkItem[T], error) {
	var zero WorkItem[T]

	if ctx.Err() != nil {
		return zero, ctx.Err()
	}

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-f.queue:
		f.mu.Lock()
		defer f.mu.Unlock()

		if f.heap.Len() == 0 {
			// Queue and heap out of sync only during shutdown.
			return zero, context.Canceled
		}
		return heap.Pop(&f.heap).(WorkItem[T]), nil
	}
}

// Len returns the current number of queued work items.
func (f *Frontier[T]) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.heap.Len()
}
