// Package alerts owns the chat delivery path: a bounded priority queue,
// the Telegram sink and the message formatter.
package alerts

import (
	"container/heap"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Alert priorities. Lower is more urgent.
const (
	PriorityUrgent = 1
	PriorityWatch  = 2
	PriorityInfo   = 3
)

// How long Put blocks on a full queue before giving up.
const putWait = time.Second

var ErrQueueFull = errors.New("alert queue full")

// Alert is one queued chat message.
type Alert struct {
	Message    string
	Symbol     string
	Priority   int
	RetryCount int
	MaxRetries int
	EnqueuedAt time.Time

	seq uint64
}

// alertHeap orders by priority, then by enqueue order within a priority.
type alertHeap []*Alert

func (h alertHeap) Len() int { return len(h) }
func (h alertHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].seq < h[j].seq
}
func (h alertHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *alertHeap) Push(x interface{}) { *h = append(*h, x.(*Alert)) }
func (h *alertHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Queue is a bounded priority queue with blocking put and get. Full
// queues push back on the producer for up to a second before erroring.
type Queue struct {
	mu       sync.Mutex
	items    alertHeap
	capacity int
	seq      uint64

	// Broadcast channels, replaced on every signal so all waiters wake.
	notEmpty chan struct{}
	notFull  chan struct{}

	enqueued int64
	dequeued int64
	dropped  int64
	retried  int64
	failed   int64

	log zerolog.Logger
}

func NewQueue(capacity int, logger zerolog.Logger) *Queue {
	if capacity <= 0 {
		capacity = 200
	}
	return &Queue{
		capacity: capacity,
		notEmpty: make(chan struct{}),
		notFull:  make(chan struct{}),
		log:      logger.With().Str("component", "alert_queue").Logger(),
	}
}

// Put enqueues an alert, waiting up to a second for space.
func (q *Queue) Put(alert *Alert) error {
	deadline := time.Now().Add(putWait)
	for {
		q.mu.Lock()
		if q.items.Len() < q.capacity {
			if alert.Priority < PriorityUrgent {
				alert.Priority = PriorityUrgent
			}
			if alert.Priority > PriorityInfo {
				alert.Priority = PriorityInfo
			}
			if alert.EnqueuedAt.IsZero() {
				alert.EnqueuedAt = time.Now()
			}
			alert.seq = q.seq
			q.seq++
			heap.Push(&q.items, alert)
			q.enqueued++
			close(q.notEmpty)
			q.notEmpty = make(chan struct{})
			q.mu.Unlock()
			return nil
		}
		wait := q.notFull
		q.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			q.mu.Lock()
			q.dropped++
			q.mu.Unlock()
			q.log.Warn().Str("symbol", alert.Symbol).Msg("Alert dropped, queue full")
			return ErrQueueFull
		}
		select {
		case <-wait:
		case <-time.After(remaining):
		}
	}
}

// Get pops the most urgent alert, waiting up to timeout when empty.
// Returns nil when nothing arrives in time.
func (q *Queue) Get(timeout time.Duration) *Alert {
	deadline := time.Now().Add(timeout)
	for {
		q.mu.Lock()
		if q.items.Len() > 0 {
			alert := heap.Pop(&q.items).(*Alert)
			q.dequeued++
			close(q.notFull)
			q.notFull = make(chan struct{})
			q.mu.Unlock()
			return alert
		}
		wait := q.notEmpty
		q.mu.Unlock()

		if timeout <= 0 {
			return nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		select {
		case <-wait:
		case <-time.After(remaining):
		}
	}
}

// Retry re-enqueues a failed alert at a demoted priority. Returns false
// once retries are exhausted or the queue refuses it, in which case the
// alert is counted as failed.
func (q *Queue) Retry(alert *Alert) bool {
	if alert.RetryCount >= alert.MaxRetries {
		q.mu.Lock()
		q.failed++
		q.mu.Unlock()
		q.log.Warn().
			Str("symbol", alert.Symbol).
			Int("retries", alert.RetryCount).
			Msg("Alert dropped after retries")
		return false
	}

	alert.RetryCount++
	if alert.Priority < PriorityInfo {
		alert.Priority++
	}
	if err := q.Put(alert); err != nil {
		q.mu.Lock()
		q.failed++
		q.mu.Unlock()
		return false
	}
	q.mu.Lock()
	q.retried++
	q.mu.Unlock()
	return true
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

func (q *Queue) GetStats() map[string]interface{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return map[string]interface{}{
		"size":     q.items.Len(),
		"capacity": q.capacity,
		"enqueued": q.enqueued,
		"dequeued": q.dequeued,
		"dropped":  q.dropped,
		"retried":  q.retried,
		"failed":   q.failed,
	}
}
