// Package events implements the node's event bus: publish/subscribe of
// lifecycle events to in-process subscribers and a file/console sink, using
// a bounded broadcast channel per subscriber with drop-oldest backpressure
// so a slow subscriber can never stall a publisher.
//
// Key Features:
// - Typed lifecycle events (MessageReceived, TransactionCreated, ...)
// - Bounded per-subscriber channel; full channel drops the oldest event
// - Subscribers are removed by the handle returned from Subscribe
//
// Called by: internal/pipeline (stage 6), internal/txn, internal/registry,
// internal/router (delivery updates)
// Calls: sync
package events

import (
	"sync"
	"time"
)

// Kind names a lifecycle event type.
type Kind string

const (
	KindMessageReceived    Kind = "MessageReceived"
	KindMessageSent        Kind = "MessageSent"
	KindAgentRegistered    Kind = "AgentRegistered"
	KindAgentUnregistered  Kind = "AgentUnregistered"
	KindTransactionCreated Kind = "TransactionCreated"
	KindTransactionUpdated Kind = "TransactionUpdated"
	KindDeliveryUpdated    Kind = "DeliveryUpdated"
)

// Event is one lifecycle occurrence published on the bus.
type Event struct {
	Kind      Kind
	ThreadID  string
	AgentDID  string
	OldValue  string
	NewValue  string
	Timestamp time.Time
	Data      map[string]interface{}
}

// defaultBufferCap is the per-subscriber channel capacity used when the bus
// is constructed without an explicit size.
const defaultBufferCap = 256

type subscriber struct {
	id   uint64
	kind Kind
	ch   chan Event
}

// Bus is the node's in-process event broadcaster.
type Bus struct {
	mu        sync.RWMutex
	subs      []*subscriber
	nextID    uint64
	bufferCap int
	sinks     []Sink
}

// New builds a Bus whose per-subscriber channels have the given capacity
// (defaultBufferCap when bufferCap <= 0).
func New(bufferCap int) *Bus {
	if bufferCap <= 0 {
		bufferCap = defaultBufferCap
	}
	return &Bus{bufferCap: bufferCap}
}

// Subscription is the handle returned by Subscribe; pass it to Unsubscribe
// to stop receiving events.
type Subscription struct {
	id uint64
	ch chan Event
}

// Events returns the channel the subscriber should range over.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Subscribe registers a new subscriber for events of the given kind.
func (b *Bus) Subscribe(kind Kind) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &subscriber{id: b.nextID, kind: kind, ch: make(chan Event, b.bufferCap)}
	b.subs = append(b.subs, sub)
	return &Subscription{id: sub.id, ch: sub.ch}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == sub.id {
			close(s.ch)
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers ev to every subscriber registered for its kind and to
// every attached sink. A subscriber whose channel is full has its oldest
// queued event dropped to make room — publishers never block.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	subs := make([]*subscriber, len(b.subs))
	copy(subs, b.subs)
	sinks := make([]Sink, len(b.sinks))
	copy(sinks, b.sinks)
	b.mu.RUnlock()

	for _, s := range subs {
		if s.kind != ev.Kind {
			continue
		}
		for {
			select {
			case s.ch <- ev:
			default:
				select {
				case <-s.ch:
				default:
				}
				continue
			}
			break
		}
	}

	for _, sink := range sinks {
		sink.Write(ev)
	}
}

// AttachSink registers a Sink to receive every published event, in addition
// to in-process subscribers.
func (b *Bus) AttachSink(sink Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, sink)
}

// Sink consumes every event published on the bus, typically for durable
// logging (a file or console sink).
type Sink interface {
	Write(ev Event)
}
