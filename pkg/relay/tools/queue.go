package tools

import (
	"sync"
	"time"
)

// Message is a pending note for the caller, picked up by checkPendingMessages.
type Message struct {
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Queue holds one channel's pending messages and the timers that deliver
// scheduled ones. Close stops every outstanding timer.
type Queue struct {
	now func() time.Time

	mu     sync.Mutex
	items  []Message
	timers map[*time.Timer]struct{}
	closed bool
}

func NewQueue(now func() time.Time) *Queue {
	if now == nil {
		now = time.Now
	}
	return &Queue{now: now, timers: make(map[*time.Timer]struct{})}
}

func (q *Queue) Push(text string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, Message{Text: text, At: q.now()})
	return true
}

// PushAfter queues text once delay has passed.
func (q *Queue) PushAfter(delay time.Duration, text string) bool {
	return q.AfterFunc(delay, func() { q.Push(text) })
}

// AfterFunc runs fn after delay unless the queue is closed first.
func (q *Queue) AfterFunc(delay time.Duration, fn func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	if delay < 0 {
		delay = 0
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		q.mu.Lock()
		_, live := q.timers[t]
		delete(q.timers, t)
		q.mu.Unlock()
		if live {
			fn()
		}
	})
	q.timers[t] = struct{}{}
	return true
}

// Drain returns and clears the pending messages.
func (q *Queue) Drain() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	if out == nil {
		out = []Message{}
	}
	return out
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Scheduled reports how many timers are still outstanding.
func (q *Queue) Scheduled() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.timers)
}

func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	for t := range q.timers {
		t.Stop()
	}
	clear(q.timers)
	q.items = nil
}
