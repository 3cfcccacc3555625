package dispatch

import (
	"time"

	"github.com/go-logr/logr"

	"github.com/keyronex/kernel/pkg/ipl"
)

// MessageQueue is a dispatch object whose signal count equals the
// number of messages queued (spec.md §4.4 table). Posting appends a
// message and increments the count; a successful wait pops the oldest
// message.
type MessageQueue struct {
	Header
	log      logr.Logger
	capacity int // 0 means unbounded
	queue    []any
}

// NewMessageQueue creates a message queue. capacity <= 0 means
// unbounded; with a positive capacity, Post refuses a message (returns
// false at once, without blocking) while the queue is full.
func NewMessageQueue(capacity int, log logr.Logger) *MessageQueue {
	mq := &MessageQueue{log: log.WithName("msgqueue"), capacity: capacity}
	mq.kind = KindMessageQueue
	return mq
}

// Post enqueues msg, waking any waiter it satisfies. Returns false
// without enqueuing if the queue is at capacity.
func (mq *MessageQueue) Post(cpu *ipl.CPU, msg any) bool {
	prior := Lock(cpu)
	defer Unlock(cpu, prior)

	if mq.capacity > 0 && len(mq.queue) >= mq.capacity {
		return false
	}
	mq.queue = append(mq.queue, msg)
	mq.signal = int64(len(mq.queue))
	signalLocked(&mq.Header, mq.log)
	return true
}

// popLocked removes and returns the oldest message. Must be called
// with the dispatcher lock held, after acquireLocked has already
// decremented the signal count.
func (mq *MessageQueue) popLocked() any {
	if len(mq.queue) == 0 {
		return nil
	}
	msg := mq.queue[0]
	mq.queue = mq.queue[1:]
	return msg
}

// Dequeue waits for and removes the oldest message, per spec.md §8
// scenario 1 ("producer-consumer on a message queue"). On ResultOK the
// returned message is valid; otherwise it is nil.
func (mq *MessageQueue) Dequeue(cpu *ipl.CPU, w *Waiter, timeout time.Duration) (any, Result) {
	r, _ := Wait(cpu, w, []Object{mq}, WaitAny, false, timeout)
	if r != ResultOK {
		return nil, r
	}
	return w.payload, r
}

// Len returns the number of messages currently queued.
func (mq *MessageQueue) Len(cpu *ipl.CPU) int {
	prior := Lock(cpu)
	defer Unlock(cpu, prior)
	return len(mq.queue)
}
