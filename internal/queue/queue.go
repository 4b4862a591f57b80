// Package queue implements a bounded, thread-safe priority queue of
// SyncTasks ordered by (priority, created_at), with back-pressure on
// enqueue and cooperative shutdown.
package queue

import (
	"container/heap"
	"sync"
	"time"

	"github.com/gmadsen/syncd/internal/model"
)

const DefaultMaxSize = 10000

// item wraps a task as a container/heap element.
type item struct {
	task model.SyncTask
}

type taskHeap []item

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	return h[i].task.Less(h[j].task)
}
func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)   { *h = append(*h, x.(item)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// PriorityQueue is a bounded MPMC priority queue. The zero value is not
// usable; construct with New.
type PriorityQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	tasks    taskHeap
	maxSize  int
	shutdown bool
}

func New(maxSize int) *PriorityQueue {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}

	q := &PriorityQueue{
		tasks:   make(taskHeap, 0),
		maxSize: maxSize,
	}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

// Enqueue blocks until there is room, the timeout elapses, or the queue is
// shut down. It returns false on timeout or after shutdown, never blocking
// forever. On success, one waiting consumer is woken.
func (q *PriorityQueue) Enqueue(task model.SyncTask, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)

	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.tasks) >= q.maxSize && !q.shutdown {
		if !q.waitUntil(q.notFull, deadline) {
			return false
		}
	}

	if q.shutdown {
		return false
	}

	heap.Push(&q.tasks, item{task: task})
	q.notEmpty.Signal()
	return true
}

// Dequeue blocks until a task is available, the timeout elapses, or the
// queue is shut down with no remaining tasks. After shutdown, Dequeue
// continues to drain remaining tasks before returning ok=false.
func (q *PriorityQueue) Dequeue(timeout time.Duration) (model.SyncTask, bool) {
	deadline := time.Now().Add(timeout)

	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.tasks) == 0 {
		if q.shutdown {
			return model.SyncTask{}, false
		}
		if !q.waitUntil(q.notEmpty, deadline) {
			return model.SyncTask{}, false
		}
	}

	it := heap.Pop(&q.tasks).(item)
	q.notFull.Signal()
	return it.task, true
}

// waitUntil waits on cond until it is signaled or deadline passes. It
// returns false once the deadline has passed, re-checking the predicate is
// the caller's responsibility (spurious-wakeup safe).
func (q *PriorityQueue) waitUntil(cond *sync.Cond, deadline time.Time) bool {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return false
	}

	timer := time.AfterFunc(remaining, func() {
		q.mu.Lock()
		cond.Broadcast()
		q.mu.Unlock()
	})
	defer timer.Stop()

	cond.Wait()
	return time.Now().Before(deadline)
}

// Size is an advisory snapshot of the current queue length.
func (q *PriorityQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Empty is an advisory snapshot.
func (q *PriorityQueue) Empty() bool {
	return q.Size() == 0
}

// Shutdown sets the absorbing terminal state and wakes all waiters.
// Idempotent.
func (q *PriorityQueue) Shutdown() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.shutdown = true
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
}
