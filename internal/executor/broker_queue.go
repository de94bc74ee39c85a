package executor

import (
	"sync"

	"yqhp/task-scheduler/pkg/types"
)

// Broker is the in-memory message queue behind the broker executor.
// Payloads are published per queue and consumed FIFO by workers.
type Broker struct {
	queues map[string][]*Payload
	mu     sync.Mutex

	// notify wakes blocked consumers after a publish.
	notify chan struct{}
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{
		queues: make(map[string][]*Payload),
		notify: make(chan struct{}, 1),
	}
}

// Publish appends a payload to its queue.
func (b *Broker) Publish(p *Payload) {
	b.mu.Lock()
	b.queues[p.Queue] = append(b.queues[p.Queue], p)
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// TryConsume pops the oldest payload from any of the given queues, or
// returns nil when all are empty.
func (b *Broker) TryConsume(queues []string) *Payload {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, q := range queues {
		msgs := b.queues[q]
		if len(msgs) == 0 {
			continue
		}
		p := msgs[0]
		b.queues[q] = msgs[1:]
		return p
	}
	return nil
}

// Notify returns the channel consumers block on between publishes.
func (b *Broker) Notify() <-chan struct{} {
	return b.notify
}

// Remove deletes a queued payload by instance key before a worker takes
// it. It returns true if the payload was still queued.
func (b *Broker) Remove(key types.InstanceKey) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for q, msgs := range b.queues {
		for i, p := range msgs {
			if p.Key == key {
				b.queues[q] = append(msgs[:i], msgs[i+1:]...)
				return true
			}
		}
	}
	return false
}

// Depth returns the number of queued payloads for a queue.
func (b *Broker) Depth(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[queue])
}
