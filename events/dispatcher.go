// Package events provides the typed publish/subscribe dispatcher that
// decouples the delivery and stream packages from presentation code.
//
// Producers emit concrete event structs; consumers subscribe per event kind
// and are invoked synchronously in subscription order. Events of the same
// kind are observed in emission order. No ordering guarantee exists between
// distinct kinds.
package events

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatlink/message"
)

// Kind discriminates event types for subscription routing.
type Kind string

const (
	// KindMessage fires when a message is recorded in history, outbound
	// or inbound.
	KindMessage Kind = "message"
	// KindMessageStatus fires on each delivery status change.
	KindMessageStatus Kind = "message_status"
	// KindConnectionStatus fires when the push channel connects or drops.
	KindConnectionStatus Kind = "connection_status"
	// KindMessageError fires once when delivery retries are exhausted.
	KindMessageError Kind = "message_error"
	// KindMessageTimeout fires once when a sent message receives no
	// correlated reply in time.
	KindMessageTimeout Kind = "message_timeout"
)

// Event is implemented by all event payloads.
type Event interface {
	Kind() Kind
}

// MessageEvent announces a message added to history.
type MessageEvent struct {
	Message *message.Message
}

// Kind implements Event.
func (MessageEvent) Kind() Kind { return KindMessage }

// MessageStatusEvent announces a delivery status change.
type MessageStatusEvent struct {
	MessageID string
	Status    message.Status
}

// Kind implements Event.
func (MessageStatusEvent) Kind() Kind { return KindMessageStatus }

// ConnectionStatusEvent announces a push channel state change.
type ConnectionStatusEvent struct {
	Connected bool
	Attempts  int
}

// Kind implements Event.
func (ConnectionStatusEvent) Kind() Kind { return KindConnectionStatus }

// MessageErrorEvent announces a message whose delivery retries were
// exhausted.
type MessageErrorEvent struct {
	MessageID string
	Err       error
}

// Kind implements Event.
func (MessageErrorEvent) Kind() Kind { return KindMessageError }

// MessageTimeoutEvent announces a sent message whose correlated reply never
// arrived.
type MessageTimeoutEvent struct {
	MessageID string
}

// Kind implements Event.
func (MessageTimeoutEvent) Kind() Kind { return KindMessageTimeout }

// Handler consumes a dispatched event.
type Handler func(Event)

// subscription pairs a handler with a stable removal token.
type subscription struct {
	id      uint64
	handler Handler
}

// Dispatcher routes events to subscribed handlers. Safe for concurrent use.
type Dispatcher struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[Kind][]subscription
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subs: make(map[Kind][]subscription),
	}
}

// Subscribe registers a handler for a single event kind. The returned
// function removes the subscription; calling it more than once is a no-op.
func (d *Dispatcher) Subscribe(kind Kind, handler Handler) func() {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.subs[kind] = append(d.subs[kind], subscription{id: id, handler: handler})
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.unsubscribe(kind, id)
		})
	}
}

func (d *Dispatcher) unsubscribe(kind Kind, id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	subs := d.subs[kind]
	for i, sub := range subs {
		if sub.id == id {
			d.subs[kind] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Emit delivers the event to all handlers subscribed to its kind,
// synchronously in subscription order. A panicking handler is recovered and
// logged so a misbehaving consumer cannot break delivery.
func (d *Dispatcher) Emit(event Event) {
	d.mu.RLock()
	subs := make([]subscription, len(d.subs[event.Kind()]))
	copy(subs, d.subs[event.Kind()])
	d.mu.RUnlock()

	for _, sub := range subs {
		d.invoke(sub.handler, event)
	}
}

func (d *Dispatcher) invoke(handler Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "Dispatcher.Emit",
				"event_kind": string(event.Kind()),
				"panic":      r,
			}).Error("Event handler panicked")
		}
	}()
	handler(event)
}
