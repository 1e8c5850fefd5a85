// Package bus implements the in-process event bus that fans runner output
// (responses, errors, files, notifications) out to channel adapters.
// Delivery is synchronous within the publishing turn and best-effort: the bus
// keeps no history, so events published while a subscriber is absent are lost.
package bus

import (
	"log/slog"
	"strings"
	"sync"
)

// EventName identifies one of the fixed bus event kinds.
type EventName string

const (
	ThreadResponse     EventName = "thread:response"
	ThreadError        EventName = "thread:error"
	ThreadFile         EventName = "thread:file"
	ThreadNote         EventName = "thread:note"
	ThreadPin          EventName = "thread:pin"
	ThreadNotification EventName = "thread:notification"

	// CoworkPrefix namespaces events produced for the cowork editor
	// integration ("cowork:open", "cowork:diff", ...).
	CoworkPrefix = "cowork:"
)

// Event is one bus message. AgentID/ThreadID/Channel are set for every
// thread:* event; Payload carries event-specific extras (file path, note id).
type Event struct {
	Name     EventName `json:"name"`
	AgentID  string    `json:"agent_id,omitempty"`
	ThreadID string    `json:"thread_id,omitempty"`
	Channel  string    `json:"channel,omitempty"`
	Text     string    `json:"text,omitempty"`
	Payload  any       `json:"payload,omitempty"`
}

// Handler receives published events.
type Handler func(Event)

type subscription struct {
	id      string
	channel string // empty = all channels
	names   map[EventName]struct{}
	handler Handler
}

// Bus is a typed publish/subscribe hub. Subscribers register at startup and
// must unsubscribe on shutdown; the bus holds strong references.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]*subscription
}

func New() *Bus {
	return &Bus{subs: make(map[string]*subscription)}
}

// Subscribe registers a handler for the given event names. An empty names
// list subscribes to everything.
func (b *Bus) Subscribe(id string, handler Handler, names ...EventName) {
	b.subscribe(id, "", handler, names)
}

// SubscribeChannel is Subscribe restricted to events whose Channel matches.
func (b *Bus) SubscribeChannel(id, channel string, handler Handler, names ...EventName) {
	b.subscribe(id, channel, handler, names)
}

func (b *Bus) subscribe(id, channel string, handler Handler, names []EventName) {
	set := make(map[EventName]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	b.mu.Lock()
	b.subs[id] = &subscription{id: id, channel: channel, names: set, handler: handler}
	b.mu.Unlock()
}

// Unsubscribe removes a subscriber. Unknown ids are ignored.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// Publish delivers the event to every matching subscriber, synchronously and
// in registration-independent order. A panicking handler is logged and does
// not affect other subscribers or the publishing turn.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	targets := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.channel != "" && ev.Channel != "" && s.channel != ev.Channel {
			continue
		}
		if len(s.names) > 0 && !s.matches(ev.Name) {
			continue
		}
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	for _, s := range targets {
		deliver(s, ev)
	}
}

func (s *subscription) matches(name EventName) bool {
	if _, ok := s.names[name]; ok {
		return true
	}
	// cowork:* subscriptions match any cowork-namespaced event.
	if _, ok := s.names[EventName(CoworkPrefix+"*")]; ok && strings.HasPrefix(string(name), CoworkPrefix) {
		return true
	}
	return false
}

func deliver(s *subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("bus subscriber panicked", "subscriber", s.id, "event", ev.Name, "panic", r)
		}
	}()
	s.handler(ev)
}
