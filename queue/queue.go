// Package queue implements the async outgoing queue and conflation map
// (spec §3 "Outgoing queue"/"Conflation key", §4.9). A producer that can't
// complete a blocking write enqueues the remaining bytes here; a dedicated
// pusher goroutine (owned by the conduit package, which also holds the
// close-synchronization semantics spec §4.9.5 and §5 describe) drains it
// in FIFO order.
//
// The queue's own ordering structure is a container/list so a conflation
// replacement can mutate an entry's buffer through the key→element map in
// O(1) without moving its position — this is the literal mechanism behind
// spec §4.9's closing clarification that "a replacement keeps the slot of
// the earliest enqueue" (the §4.9.3 tail-vs-tombstone language describes an
// implementation built on a position-blind channel; a list with an
// addressable element per key makes that distinction unnecessary — see
// DESIGN.md). A gopkg.in/eapache/channels.v1 InfiniteChannel is used purely
// as the producer→pusher wakeup signal, so producers enqueueing never block
// on the pusher being busy (spec §4.9.5's "Producers observe
// asyncQueuingInProgress").
package queue

import (
	"container/list"
	"sync"

	"gopkg.in/eapache/channels.v1"

	"github.com/clustermesh/conduit/metrics"
)

// entry is one pending outgoing item. A nil Key means the item is never
// conflated — every byte written to the wire in commit order.
type entry struct {
	Key interface{}
	Buf []byte
}

// Queue is the per-Connection outgoing byte queue used once a sync write
// would block (spec §4.9 step 1-2).
type Queue struct {
	mu          sync.Mutex
	order       *list.List
	byKey       map[interface{}]*list.Element
	queuedBytes int
	maxBytes    int
	wake        *channels.InfiniteChannel
	closed      bool

	remote string
	reg    *metrics.Registry
}

// New returns an empty Queue that reports overflow once queuedBytes exceeds
// maxBytes (spec §4.9 step 4, asyncMaxQueueSize).
func New(remote string, maxBytes int, reg *metrics.Registry) *Queue {
	return &Queue{
		order:    list.New(),
		byKey:    make(map[interface{}]*list.Element),
		maxBytes: maxBytes,
		wake:     channels.NewInfiniteChannel(),
		remote:   remote,
		reg:      reg,
	}
}

// Wake returns the channel that receives a signal each time an item is
// enqueued or the queue is closed, for the pusher to select on.
func (q *Queue) Wake() <-chan interface{} {
	return q.wake.Out()
}

func (q *Queue) signal() {
	q.wake.In() <- struct{}{}
}

// Enqueue adds buf to the queue. If key is non-nil and a pending entry
// already carries that key, buf replaces the old entry's bytes in place
// (spec §3 Conflation key) and Enqueue reports conflated=true; otherwise a
// new tail entry is appended. overflow reports whether queuedBytes now
// exceeds maxBytes (the caller is responsible for acting on that per spec
// §4.9 step 4 — disconnecting the slow receiver).
func (q *Queue) Enqueue(buf []byte, key interface{}) (conflated, overflow bool) {
	q.mu.Lock()

	if key != nil {
		if elem, ok := q.byKey[key]; ok {
			old := elem.Value.(*entry)
			q.queuedBytes += len(buf) - len(old.Buf)
			old.Buf = buf
			conflated = true
			if q.reg != nil {
				q.reg.AsyncConflatedMsgs.WithLabelValues(q.remote).Inc()
				q.reg.QueuedBytes.WithLabelValues(q.remote).Set(float64(q.queuedBytes))
			}
			overflow = q.queuedBytes > q.maxBytes
			q.mu.Unlock()
			q.signal()
			return conflated, overflow
		}
	}

	e := &entry{Key: key, Buf: buf}
	elem := q.order.PushBack(e)
	if key != nil {
		q.byKey[key] = elem
	}
	q.queuedBytes += len(buf)
	if q.reg != nil {
		q.reg.QueuedBytes.WithLabelValues(q.remote).Set(float64(q.queuedBytes))
	}
	overflow = q.queuedBytes > q.maxBytes
	q.mu.Unlock()
	q.signal()
	return conflated, overflow
}

// Pop removes and returns the front entry's bytes in FIFO commit order. ok
// is false if the queue is empty.
func (q *Queue) Pop() (buf []byte, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	front := q.order.Front()
	if front == nil {
		return nil, false
	}
	q.order.Remove(front)
	e := front.Value.(*entry)
	if e.Key != nil {
		delete(q.byKey, e.Key)
	}
	q.queuedBytes -= len(e.Buf)
	if q.reg != nil {
		q.reg.QueuedBytes.WithLabelValues(q.remote).Set(float64(q.queuedBytes))
	}
	return e.Buf, true
}

// Len reports the number of pending entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.order.Len()
}

// QueuedBytes reports the current byte total across all pending entries
// (spec §3's queuedBytes invariant).
func (q *Queue) QueuedBytes() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.queuedBytes
}

// Close releases the wakeup channel. Safe to call once the pusher has
// drained and exited.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	q.wake.Close()
}
