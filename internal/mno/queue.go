package mno

import (
	"sync"
	"time"

	"github.com/thrillee/smsgateway/internal/sms"
)

// messageQueue is an unbounded FIFO with a timed pop.
type messageQueue struct {
	mu     sync.Mutex
	items  []*sms.Message
	signal chan struct{}
}

func newMessageQueue() *messageQueue {
	return &messageQueue{signal: make(chan struct{}, 1)}
}

func (q *messageQueue) Push(msg *sms.Message) {
	q.mu.Lock()
	q.items = append(q.items, msg)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Pop returns the oldest message, waiting up to timeout for one to arrive.
func (q *messageQueue) Pop(timeout time.Duration) (*sms.Message, bool) {
	if msg, ok := q.tryPop(); ok {
		return msg, true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-q.signal:
			if msg, ok := q.tryPop(); ok {
				return msg, true
			}
		case <-timer.C:
			return q.tryPop()
		}
	}
}

func (q *messageQueue) tryPop() (*sms.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	msg := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	if len(q.items) > 0 {
		select {
		case q.signal <- struct{}{}:
		default:
		}
	}
	return msg, true
}

func (q *messageQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
