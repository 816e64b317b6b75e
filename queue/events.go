package queue

import (
	"sync"
)

// SubscriberChannelBufferSize is the buffer size for subscriber channels
const SubscriberChannelBufferSize = 100

// Emitter fans job transitions out to subscribers. This is the read-side seam
// an API or dashboard layer attaches to; the queue itself never depends on a
// subscriber being present or keeping up.
type Emitter struct {
	mu          sync.RWMutex
	subscribers []chan *Job
}

// NewEmitter creates an emitter with no subscribers
func NewEmitter() *Emitter {
	return &Emitter{subscribers: make([]chan *Job, 0)}
}

// Subscribe returns a channel that receives job updates.
// The caller is responsible for calling Unsubscribe when done.
// The returned channel is buffered to prevent blocking the notifier.
func (e *Emitter) Subscribe() chan *Job {
	e.mu.Lock()
	defer e.mu.Unlock()

	ch := make(chan *Job, SubscriberChannelBufferSize)
	e.subscribers = append(e.subscribers, ch)
	return ch
}

// Unsubscribe removes a subscriber channel.
// The channel is NOT closed by this method - callers should close it
// themselves after unsubscribing if needed. This prevents double-close panics.
func (e *Emitter) Unsubscribe(ch chan *Job) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, sub := range e.subscribers {
		if sub == ch {
			e.subscribers = append(e.subscribers[:i], e.subscribers[i+1:]...)
			return
		}
	}
}

// notify sends a job update to all subscribers.
// Uses non-blocking send to avoid stalling if a subscriber is slow.
func (e *Emitter) notify(job *Job) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, ch := range e.subscribers {
		select {
		case ch <- job:
		default:
			// Channel full, skip
		}
	}
}
