package ledger

import (
	"sync"

	"github.com/seantiz/jobsupervisor/internal/model"
)

// subscriberBufferSize is the channel buffer for each event subscriber.
// Events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// Broker fans job status events out to subscribers. It is safe for
// concurrent use.
//
// Jobs never finish from the ledger's point of view, so topics have no
// closed state; a topic is dropped when its last subscriber leaves.
type Broker struct {
	mu     sync.Mutex
	topics map[string]*topic
}

type topic struct {
	subs   map[int]chan model.JobEvent
	nextID int
}

// NewBroker creates a new event broker.
func NewBroker() *Broker {
	return &Broker{
		topics: make(map[string]*topic),
	}
}

// Subscribe returns a channel that receives events for jobID and an
// unsubscribe function. The channel is closed by unsubscribe.
func (b *Broker) Subscribe(jobID string) (<-chan model.JobEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[jobID]
	if !ok {
		t = &topic{subs: make(map[int]chan model.JobEvent)}
		b.topics[jobID] = t
	}

	ch := make(chan model.JobEvent, subscriberBufferSize)
	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(t.subs, id)
			close(ch)
			if len(t.subs) == 0 && b.topics[jobID] == t {
				delete(b.topics, jobID)
			}
		})
	}
}

// Publish sends ev to all subscribers of jobID. Events are dropped for
// subscribers whose buffers are full.
func (b *Broker) Publish(jobID string, ev model.JobEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[jobID]
	if !ok {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
			// Drop the event for slow subscribers to avoid blocking the ledger.
		}
	}
}

// Subscribers returns the number of live subscriptions for jobID.
func (b *Broker) Subscribers(jobID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t, ok := b.topics[jobID]; ok {
		return len(t.subs)
	}
	return 0
}
