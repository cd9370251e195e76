package alerts

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gmblogref/TwitchChatBot-sub000/internal/core"
)

// Broadcaster receives drained alerts, one at a time.
type Broadcaster interface {
	BroadcastAlert(core.AlertItem) error
}

// Queue is the single FIFO of pending overlay alerts. Draining is
// single-flight: at most one drain loop runs, and it keeps going until the
// queue is empty, picking up items enqueued while it ran.
type Queue struct {
	out Broadcaster

	mu       sync.Mutex
	items    []core.AlertItem
	draining bool
}

func NewQueue(out Broadcaster) *Queue {
	return &Queue{out: out}
}

// Enqueue appends a standard alert and triggers a drain attempt.
func (q *Queue) Enqueue(message, media string) {
	q.push(core.AlertItem{
		ID:      uuid.NewString(),
		Message: message,
		Media:   media,
		Kind:    core.AlertStandard,
	})
}

// EnqueueFullscreen appends a fullscreen alert and triggers a drain attempt.
func (q *Queue) EnqueueFullscreen(message, media string) {
	q.push(core.AlertItem{
		ID:      uuid.NewString(),
		Message: message,
		Media:   media,
		Kind:    core.AlertFullscreen,
	})
}

func (q *Queue) push(item core.AlertItem) {
	q.mu.Lock()
	q.items = append(q.items, item)
	if q.draining {
		q.mu.Unlock()
		return
	}
	q.draining = true
	q.mu.Unlock()

	go q.drain()
}

func (q *Queue) drain() {
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.draining = false
			q.mu.Unlock()
			return
		}
		item := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()

		// one item in flight at a time; a failed broadcast is logged and
		// does not block the rest of the queue
		if err := q.out.BroadcastAlert(item); err != nil {
			log.Printf("alerts: broadcast %s failed: %v", item.ID, err)
		}
	}
}

// Pending reports how many alerts are waiting. Used by tests and the status
// endpoint.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// StartAdReminder enqueues message every interval until the context ends or
// the returned stop function is called. Stop is idempotent.
func (q *Queue) StartAdReminder(ctx context.Context, interval time.Duration, message string) (stop func()) {
	if interval <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	var once sync.Once

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				q.Enqueue(message, "")
			}
		}
	}()

	return func() {
		once.Do(cancel)
	}
}
