package pipeline

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"
)

func TestComputeOrderKey_Deterministic(t *testing.T) {
	key1 := ComputeOrderKey("malaria/ssp245/death/0", 0)
	key2 := ComputeOrderKey("malaria/ssp245/death/0", 0)
	if key1 != key2 {
		t.Errorf("same inputs produced different keys: %d vs %d", key1, key2)
	}

	// Different key or index changes the result.
	if ComputeOrderKey("malaria/ssp245/death/0", 1) == key1 {
		t.Error("different index should produce a different order key")
	}
	if ComputeOrderKey("malaria/ssp245/death/1", 0) == key1 {
		t.Error("different key should produce a different order key")
	}
}

func TestFrontier_OrderedDequeue(t *testing.T) {
	ctx := context.Background()
	frontier := NewFrontier[string](10)

	keys := []string{
		"dengue/ssp126/yld/3",
		"malaria/ssp245/death/0",
		"malaria/ssp585/yll/7",
		"dengue/ssp245/incidence/1",
	}

	// Enqueue in arbitrary order.
	for i, key := range keys {
		item := WorkItem[string]{
			StepID:   i,
			OrderKey: ComputeOrderKey(key, i),
			Key:      key,
			Payload:  key,
		}
		if err := frontier.Enqueue(ctx, item); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}
	if frontier.Len() != len(keys) {
		t.Fatalf("expected Len = %d, got %d", len(keys), frontier.Len())
	}

	// Dequeue yields ascending OrderKey regardless of enqueue order.
	var got []uint64
	for range keys {
		item, err := frontier.Dequeue(ctx)
		if err != nil {
			t.Fatalf("Dequeue failed: %v", err)
		}
		got = append(got, item.OrderKey)
	}
	if !sort.SliceIsSorted(got, func(i, j int) bool { return got[i] < got[j] }) {
		t.Errorf("dequeue order not sorted by OrderKey: %v", got)
	}
	if frontier.Len() != 0 {
		t.Errorf("expected empty frontier, Len = %d", frontier.Len())
	}
}

func TestFrontier_BlockingAndCancellation(t *testing.T) {
	frontier := NewFrontier[int](1)
	ctx := context.Background()

	if err := frontier.Enqueue(ctx, WorkItem[int]{OrderKey: 1, Payload: 1}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	// A second Enqueue blocks at capacity; a cancelled context unblocks it.
	blockedCtx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := frontier.Enqueue(blockedCtx, WorkItem[int]{OrderKey: 2, Payload: 2})
	if err == nil {
		t.Fatal("Enqueue over capacity should block until cancellation")
	}

	// Dequeue on empty frontier honors cancellation too.
	if _, err := frontier.Dequeue(ctx); err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	emptyCtx, cancelEmpty := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelEmpty()
	if _, err := frontier.Dequeue(emptyCtx); err == nil {
		t.Fatal("Dequeue on empty frontier should block until cancellation")
	}
}

func TestFrontier_ConcurrentProducersConsumers(t *testing.T) {
	ctx := context.Background()
	frontier := NewFrontier[int](50)

	const total = 200
	var wg sync.WaitGroup

	// 4 producers.
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(producer int) {
			defer wg.Done()
			for i := 0; i < total/4; i++ {
				index := producer*total/4 + i
				item := WorkItem[int]{
					StepID:   index,
					OrderKey: ComputeOrderKey("task", index),
					Payload:  index,
				}
				if err := frontier.Enqueue(ctx, item); err != nil {
					t.Errorf("Enqueue failed: %v", err)
					return
				}
			}
		}(p)
	}

	// 4 consumers.
	received := make(chan int, total)
	for c := 0; c < 4; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < total/4; i++ {
				item, err := frontier.Dequeue(ctx)
				if err != nil {
					t.Errorf("Dequeue failed: %v", err)
					return
				}
				received <- item.Payload
			}
		}()
	}

	wg.Wait()
	close(received)

	seen := make(map[int]bool)
	for payload := range received {
		if seen[payload] {
			t.Errorf("payload %d dequeued twice", payload)
		}
		seen[payload] = true
	}
	if len(seen) != total {
		t.Errorf("expected %d unique payloads, got %d", total, len(seen))
	}
}
