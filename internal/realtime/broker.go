// Package realtime fans record changes out to subscription listeners.
// Publishers run on the database writer actor, so listeners observe events
// in commit order.
package realtime

import (
	"bytes"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/watzon/quarry/internal/database"
)

// Op names a change event type.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Event is one committed row change. Row is nil for deletes; PK always
// carries the record key.
type Event struct {
	Table string
	Op    Op
	PK    any
	Row   database.Row
}

// DefaultBufferSize bounds each subscription's event queue. A subscriber
// that falls this far behind starts losing events.
const DefaultBufferSize = 64

// Subscription is one listener's handle. Events arrives in commit order;
// the channel closes when the subscription is canceled or the broker shuts
// down.
type Subscription struct {
	Events chan Event

	id    uint64
	table string
	pk    any // nil subscribes to the whole table
	// allow re-checks the subscriber's read rule against the event row.
	// Events it rejects are dropped silently.
	allow func(Event) bool
}

// Broker is the in-process subscription registry keyed by table.
type Broker struct {
	mu     sync.Mutex
	nextID uint64
	tables map[string][]*Subscription
	closed bool
	buffer int
}

// NewBroker creates a broker with the given per-subscription buffer.
func NewBroker(buffer int) *Broker {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	return &Broker{
		tables: make(map[string][]*Subscription),
		buffer: buffer,
	}
}

// Subscribe registers a listener for a table, optionally narrowed to one
// record PK. allow may be nil to accept every event.
func (b *Broker) Subscribe(table string, pk any, allow func(Event) bool) *Subscription {
	sub := &Subscription{
		Events: make(chan Event, b.buffer),
		table:  table,
		pk:     pk,
		allow:  allow,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.Events)
		return sub
	}
	b.nextID++
	sub.id = b.nextID
	b.tables[table] = append(b.tables[table], sub)
	log.Debug().Str("table", table).Int("listeners", len(b.tables[table])).Msg("Subscription registered")
	return sub
}

// Unsubscribe removes the listener and closes its channel. Safe to call
// concurrently with Publish: publishes work on a snapshot of the listener
// list and re-check registration under the lock before each send, so a
// removed subscription's closed channel is never sent to.
func (b *Broker) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(sub)
}

func (b *Broker) removeLocked(sub *Subscription) {
	listeners := b.tables[sub.table]
	for i, s := range listeners {
		if s.id == sub.id {
			b.tables[sub.table] = append(listeners[:i], listeners[i+1:]...)
			close(s.Events)
			return
		}
	}
}

// Publish delivers an event to every matching listener. Called from the
// writer actor after commit; it must never block, so slow consumers with a
// full buffer lose the event.
func (b *Broker) Publish(event Event) {
	b.mu.Lock()
	// Shallow snapshot: unregistration during delivery stays safe.
	listeners := make([]*Subscription, len(b.tables[event.Table]))
	copy(listeners, b.tables[event.Table])
	b.mu.Unlock()

	for _, sub := range listeners {
		if sub.pk != nil && !pkEqual(sub.pk, event.PK) {
			continue
		}
		if sub.allow != nil && !sub.allow(event) {
			continue
		}

		// Channels are closed under the lock, so a subscription that is
		// still registered here has an open channel.
		b.mu.Lock()
		live := false
		for _, s := range b.tables[event.Table] {
			if s == sub {
				live = true
				break
			}
		}
		if live {
			select {
			case sub.Events <- event:
			default:
				log.Warn().Str("table", event.Table).Msg("Dropping event for slow subscriber")
			}
		}
		b.mu.Unlock()
	}
}

// Close shuts the broker down, closing every subscription channel.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for table, listeners := range b.tables {
		for _, sub := range listeners {
			close(sub.Events)
		}
		delete(b.tables, table)
	}
}

// ListenerCount reports the number of live listeners on a table.
func (b *Broker) ListenerCount(table string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.tables[table])
}

func pkEqual(a, b any) bool {
	if ab, ok := a.([]byte); ok {
		bb, ok := b.([]byte)
		return ok && bytes.Equal(ab, bb)
	}
	return a == b
}
