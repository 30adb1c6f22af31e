package banter

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestQueuePriorityOrder(t *testing.T) {
	q := NewQueue(10)
	q.Push(&Event{ID: "low", Priority: P3})
	q.Push(&Event{ID: "mid", Priority: P2})
	q.Push(&Event{ID: "high", Priority: P1})
	q.Push(&Event{ID: "high2", Priority: P1})

	want := []string{"high", "high2", "mid", "low"}
	for _, id := range want {
		ev, err := q.Pop(context.Background())
		if err != nil || ev == nil {
			t.Fatalf("Pop: %v, %v", ev, err)
		}
		if ev.ID != id {
			t.Errorf("popped %s, want %s", ev.ID, id)
		}
	}
}

func TestQueueEvictsLowerPriorityNearCapacity(t *testing.T) {
	q := NewQueue(5) // threshold at 4
	for i := 0; i < 5; i++ {
		if err := q.Push(&Event{ID: "low", Priority: P3}); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}
	if err := q.Push(&Event{ID: "urgent", Priority: P1}); err != nil {
		t.Fatalf("high-priority push rejected: %v", err)
	}
	if q.Depth() != 5 {
		t.Errorf("depth = %d, want 5", q.Depth())
	}
	if s := q.Stats(); s.Evicted != 1 {
		t.Errorf("evicted = %d", s.Evicted)
	}

	ev, _ := q.Pop(context.Background())
	if ev.ID != "urgent" {
		t.Errorf("popped %s first", ev.ID)
	}
}

func TestQueueRejectsWhenNothingToEvict(t *testing.T) {
	q := NewQueue(3)
	for i := 0; i < 3; i++ {
		q.Push(&Event{Priority: P1})
	}
	err := q.Push(&Event{Priority: P1})
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v", err)
	}
	if s := q.Stats(); s.Rejected != 1 {
		t.Errorf("rejected = %d", s.Rejected)
	}
}

func TestQueueCloseDrains(t *testing.T) {
	q := NewQueue(10)
	q.Push(&Event{ID: "a", Priority: P2})
	q.Close()

	if err := q.Push(&Event{ID: "b", Priority: P1}); !errors.Is(err, ErrQueueFull) {
		t.Errorf("push after close: %v", err)
	}

	ev, err := q.Pop(context.Background())
	if err != nil || ev == nil || ev.ID != "a" {
		t.Fatalf("drain: %v, %v", ev, err)
	}
	ev, err = q.Pop(context.Background())
	if err != nil || ev != nil {
		t.Fatalf("after drain: %v, %v", ev, err)
	}
}

func TestQueuePopCancelled(t *testing.T) {
	q := NewQueue(10)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := q.Pop(ctx)
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Pop did not return after cancel")
	}
}

func TestWorkerPoolProcessesAll(t *testing.T) {
	q := NewQueue(100)
	var handled atomic.Int64
	pool := NewWorkerPool(q, func(_ context.Context, ev *Event) error {
		handled.Add(1)
		return nil
	}, WorkerPoolConfig{Workers: 2})

	for i := 0; i < 20; i++ {
		q.Push(&Event{Priority: P2})
	}
	pool.Start(context.Background())
	q.Close()
	pool.Wait()

	if handled.Load() != 20 {
		t.Errorf("handled = %d", handled.Load())
	}
}

func TestWorkerPoolDropsStale(t *testing.T) {
	q := NewQueue(10)
	var handled atomic.Int64
	pool := NewWorkerPool(q, func(_ context.Context, ev *Event) error {
		handled.Add(1)
		return nil
	}, WorkerPoolConfig{Workers: 1, StaleAfter: time.Minute})

	q.Push(&Event{ID: "stale", Priority: P2, EnqueuedAt: time.Now().Add(-2 * time.Minute)})
	q.Push(&Event{ID: "fresh", Priority: P2})
	pool.Start(context.Background())
	q.Close()
	pool.Wait()

	if handled.Load() != 1 {
		t.Errorf("handled = %d, want 1", handled.Load())
	}
	if pool.Dropped() != 1 {
		t.Errorf("dropped = %d, want 1", pool.Dropped())
	}
}

func TestWorkerPoolRespawnsOnFatal(t *testing.T) {
	q := NewQueue(10)
	var mu sync.Mutex
	var order []string
	pool := NewWorkerPool(q, func(_ context.Context, ev *Event) error {
		mu.Lock()
		order = append(order, ev.ID)
		mu.Unlock()
		if ev.ID == "poison" {
			return ErrStoreCorrupt
		}
		return nil
	}, WorkerPoolConfig{Workers: 1})

	q.Push(&Event{ID: "poison", Priority: P1})
	q.Push(&Event{ID: "survivor", Priority: P2})
	pool.Start(context.Background())
	q.Close()
	pool.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[1] != "survivor" {
		t.Errorf("order = %v", order)
	}
}
