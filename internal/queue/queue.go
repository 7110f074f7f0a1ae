// Package queue implements the grouped priority queue feeding the
// dispatcher.
//
// One ordered queue exists per group, created lazily on first enqueue.
// Entries are keyed by (priority desc, sequence asc), so equal-priority
// tasks leave in arrival order. Dequeue selects the globally best entry
// across all groups, which keeps priority strict engine-wide and FIFO
// within a priority band.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ErrClosed is returned by Dequeue once the queue is closed and drained.
var ErrClosed = errors.New("queue closed")

// Entry is what the dispatcher pulls: a task id plus the group whose gate
// bounds its execution.
type Entry struct {
	TaskID  uuid.UUID
	GroupID string
}

type item struct {
	taskID   uuid.UUID
	groupID  string
	priority int
	seq      uint64
}

// less orders by priority descending, then sequence ascending.
func (a *item) less(b *item) bool {
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	return a.seq < b.seq
}

type groupHeap []*item

func (h groupHeap) Len() int            { return len(h) }
func (h groupHeap) Less(i, j int) bool  { return h[i].less(h[j]) }
func (h groupHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *groupHeap) Push(x interface{}) { *h = append(*h, x.(*item)) }
func (h *groupHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Queue is the grouped priority queue. All methods are safe for concurrent
// use.
type Queue struct {
	mu        sync.Mutex
	groups    map[string]*groupHeap
	cancelled map[uuid.UUID]struct{} // tombstones, dropped on dequeue
	seq       uint64
	wake      chan struct{} // closed-and-replaced on every enqueue
	closed    bool
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{
		groups:    make(map[string]*groupHeap),
		cancelled: make(map[uuid.UUID]struct{}),
		wake:      make(chan struct{}),
	}
}

// Enqueue adds a task to its group's queue. Enqueueing a tombstoned id
// removes its earlier entries and the tombstone, so only the new entry is
// dispatched.
func (q *Queue) Enqueue(taskID uuid.UUID, groupID string, priority int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}

	if _, dead := q.cancelled[taskID]; dead {
		for _, h := range q.groups {
			kept := (*h)[:0]
			for _, it := range *h {
				if it.taskID != taskID {
					kept = append(kept, it)
				}
			}
			*h = kept
			heap.Init(h)
		}
		delete(q.cancelled, taskID)
	}

	gh, ok := q.groups[groupID]
	if !ok {
		gh = &groupHeap{}
		heap.Init(gh)
		q.groups[groupID] = gh
	}

	q.seq++
	heap.Push(gh, &item{
		taskID:   taskID,
		groupID:  groupID,
		priority: priority,
		seq:      q.seq,
	})

	// Wake any blocked consumer.
	close(q.wake)
	q.wake = make(chan struct{})
}

// TryCancel tombstones a queued id. A tombstoned entry is silently dropped
// when it would otherwise be dequeued. Returns true if the id was present.
func (q *Queue) TryCancel(taskID uuid.UUID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, gh := range q.groups {
		for _, it := range *gh {
			if it.taskID == taskID {
				q.cancelled[taskID] = struct{}{}
				return true
			}
		}
	}
	return false
}

// Dequeue blocks until an entry is available or ctx is done. Tombstoned
// entries are consumed and skipped.
func (q *Queue) Dequeue(ctx context.Context) (Entry, error) {
	for {
		q.mu.Lock()
		if entry, ok := q.popBest(); ok {
			q.mu.Unlock()
			return entry, nil
		}
		if q.closed {
			q.mu.Unlock()
			return Entry{}, ErrClosed
		}
		wake := q.wake
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return Entry{}, ctx.Err()
		case <-wake:
		}
	}
}

// popBest removes and returns the globally best live entry. Caller holds
// the lock.
func (q *Queue) popBest() (Entry, bool) {
	for {
		var best *groupHeap
		for gid, gh := range q.groups {
			if gh.Len() == 0 {
				delete(q.groups, gid)
				continue
			}
			if best == nil || (*gh)[0].less((*best)[0]) {
				best = gh
			}
		}
		if best == nil {
			return Entry{}, false
		}

		it := heap.Pop(best).(*item)
		if _, dead := q.cancelled[it.taskID]; dead {
			delete(q.cancelled, it.taskID)
			continue
		}
		return Entry{TaskID: it.taskID, GroupID: it.groupID}, true
	}
}

// Len returns the number of live entries across all groups.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, gh := range q.groups {
		for _, it := range *gh {
			if _, dead := q.cancelled[it.taskID]; !dead {
				n++
			}
		}
	}
	return n
}

// Close wakes all blocked consumers and rejects further enqueues. Pending
// entries remain drainable.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.wake)
	q.wake = make(chan struct{})
}
