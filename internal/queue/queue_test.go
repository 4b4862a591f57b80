package queue

import (
	"testing"
	"time"

	"github.com/gmadsen/syncd/internal/model"
)

func TestPriorityOrdering(t *testing.T) {
	q := New(10)

	low := model.NewSyncTask("/a", model.OpSync, model.PriorityLow)
	critical := model.NewSyncTask("/b", model.OpSync, model.PriorityCritical)
	normal := model.NewSyncTask("/c", model.OpSync, model.PriorityNormal)

	if !q.Enqueue(low, time.Second) {
		t.Fatal("enqueue low failed")
	}
	if !q.Enqueue(normal, time.Second) {
		t.Fatal("enqueue normal failed")
	}
	if !q.Enqueue(critical, time.Second) {
		t.Fatal("enqueue critical failed")
	}

	first, ok := q.Dequeue(time.Second)
	if !ok || first.TaskID != critical.TaskID {
		t.Fatalf("expected critical task first, got %+v", first)
	}

	second, ok := q.Dequeue(time.Second)
	if !ok || second.TaskID != normal.TaskID {
		t.Fatalf("expected normal task second, got %+v", second)
	}

	third, ok := q.Dequeue(time.Second)
	if !ok || third.TaskID != low.TaskID {
		t.Fatalf("expected low task third, got %+v", third)
	}
}

func TestFIFOWithinPriority(t *testing.T) {
	q := New(10)

	first := model.NewSyncTask("/a", model.OpSync, model.PriorityNormal)
	time.Sleep(time.Millisecond)
	second := model.NewSyncTask("/b", model.OpSync, model.PriorityNormal)

	q.Enqueue(second, time.Second)
	q.Enqueue(first, time.Second)

	got, _ := q.Dequeue(time.Second)
	if got.TaskID != first.TaskID {
		t.Fatalf("expected older task first within same priority, got %+v", got)
	}
}

func TestEnqueueBlocksWhenFull(t *testing.T) {
	q := New(1)

	if !q.Enqueue(model.NewSyncTask("/a", model.OpSync, model.PriorityNormal), time.Second) {
		t.Fatal("first enqueue should succeed")
	}

	start := time.Now()
	ok := q.Enqueue(model.NewSyncTask("/b", model.OpSync, model.PriorityNormal), 50*time.Millisecond)
	elapsed := time.Since(start)

	if ok {
		t.Fatal("expected enqueue to time out on a full queue")
	}
	if elapsed < 40*time.Millisecond {
		t.Fatalf("enqueue returned too quickly: %v", elapsed)
	}
}

func TestDequeueTimesOutWhenEmpty(t *testing.T) {
	q := New(10)

	start := time.Now()
	_, ok := q.Dequeue(50 * time.Millisecond)
	elapsed := time.Since(start)

	if ok {
		t.Fatal("expected dequeue to time out on an empty queue")
	}
	if elapsed < 40*time.Millisecond {
		t.Fatalf("dequeue returned too quickly: %v", elapsed)
	}
}

func TestShutdownDrainsThenReturnsFalse(t *testing.T) {
	q := New(10)
	q.Enqueue(model.NewSyncTask("/a", model.OpSync, model.PriorityNormal), time.Second)

	q.Shutdown()

	if _, ok := q.Dequeue(time.Second); !ok {
		t.Fatal("expected remaining task to drain after shutdown")
	}

	if _, ok := q.Dequeue(time.Second); ok {
		t.Fatal("expected dequeue to report false once drained and shut down")
	}
}

func TestShutdownUnblocksEnqueue(t *testing.T) {
	q := New(1)
	q.Enqueue(model.NewSyncTask("/a", model.OpSync, model.PriorityNormal), time.Second)

	done := make(chan bool, 1)
	go func() {
		done <- q.Enqueue(model.NewSyncTask("/b", model.OpSync, model.PriorityNormal), 2*time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	q.Shutdown()

	select {
	case ok := <-done:
		if ok {
			t.Fatal("expected enqueue to fail after shutdown")
		}
	case <-time.After(time.Second):
		t.Fatal("enqueue did not unblock after shutdown")
	}
}

func TestSizeAndEmpty(t *testing.T) {
	q := New(10)
	if !q.Empty() {
		t.Fatal("new queue should be empty")
	}

	q.Enqueue(model.NewSyncTask("/a", model.OpSync, model.PriorityNormal), time.Second)
	if q.Size() != 1 {
		t.Fatalf("expected size 1, got %d", q.Size())
	}
}
