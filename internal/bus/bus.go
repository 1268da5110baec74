// Package bus decouples event producers (scheduler, console, auth) from the
// gateway's WebSocket fan-out.
package bus

import "sync"

// Event is a server-side event broadcast to WebSocket clients.
type Event struct {
	Name    string `json:"name"`
	Payload any    `json:"payload,omitempty"`
}

// Handler handles a broadcast event.
type Handler func(Event)

// Publisher abstracts event broadcast + subscription. The gateway server
// subscribes one handler per connected client.
type Publisher interface {
	Subscribe(id string, handler Handler)
	Unsubscribe(id string)
	Broadcast(event Event)
}

// Bus is the in-process Publisher.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]Handler
}

// New creates an event bus.
func New() *Bus {
	return &Bus{subs: make(map[string]Handler)}
}

func (b *Bus) Subscribe(id string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[id] = handler
}

func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// Broadcast delivers the event to every subscriber. Handlers must not block;
// the gateway client enqueues onto a buffered send channel.
func (b *Bus) Broadcast(event Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs))
	for _, h := range b.subs {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}
