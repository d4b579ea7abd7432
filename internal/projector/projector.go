// Package projector broadcasts entity snapshots to subscribers.
//
// The projector is hot: a subscriber only sees snapshots published after
// it subscribed, never a replay of earlier ones. Delivery never blocks
// the publisher; each subscriber has a one-slot conflating buffer, so a
// slow consumer observes the latest snapshot instead of a backlog.
package projector

import (
	"sync"

	"github.com/clouddeck/tagsync-server/internal/taggable"
)

// Snapshot is one published projection of the entity set
type Snapshot struct {
	// Entities is the filtered, ordered entity set
	Entities []*taggable.Taggable

	// Filter is the filter expression the projection was built with
	Filter string
}

// Projector multicasts snapshots to any number of subscribers
type Projector struct {
	mu          sync.Mutex
	subscribers map[int]chan Snapshot
	nextID      int
	closed      bool
}

// New creates a projector with no subscribers
func New() *Projector {
	return &Projector{subscribers: make(map[int]chan Snapshot)}
}

// Subscribe registers a new subscriber and returns its snapshot channel
// together with a cancel function. The channel is closed on cancel and on
// Close; cancel is idempotent.
func (p *Projector) Subscribe() (<-chan Snapshot, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch := make(chan Snapshot, 1)
	if p.closed {
		close(ch)
		return ch, func() {}
	}

	id := p.nextID
	p.nextID++
	p.subscribers[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			if sub, ok := p.subscribers[id]; ok {
				delete(p.subscribers, id)
				close(sub)
			}
		})
	}
	return ch, cancel
}

// Publish delivers the snapshot to every current subscriber without
// blocking. A subscriber that has not consumed the previous snapshot gets
// it replaced by this one.
func (p *Projector) Publish(snapshot Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	for _, sub := range p.subscribers {
		select {
		case sub <- snapshot:
		default:
			// Conflate: drop the stale snapshot, deliver the fresh one.
			select {
			case <-sub:
			default:
			}
			sub <- snapshot
		}
	}
}

// Close closes every subscriber channel and rejects future publishes.
// Subscriptions made after Close yield an already-closed channel.
func (p *Projector) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	for id, sub := range p.subscribers {
		delete(p.subscribers, id)
		close(sub)
	}
}
