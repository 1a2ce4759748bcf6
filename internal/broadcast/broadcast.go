package broadcast

import (
	"sync"

	"github.com/docukit/docsync/internal/types"
)

// Message types on the channel.
const TypeOperations = "OPERATIONS"

// Message is the payload fanned out to same-user sibling processes.
type Message struct {
	Type       string               `json:"type"`
	DocID      string               `json:"docId"`
	Operations types.OperationBatch `json:"operations,omitempty"`
}

// Channel is one endpoint of a named broadcast topic. A post is delivered to
// every other endpoint with the same name, never back to the poster.
type Channel interface {
	Name() string
	Post(msg Message)
	Subscribe(fn func(Message)) (cancel func())
	Close()
}

// Hub hosts named broadcast topics for one process tree. Each client opens
// its own endpoint on the user-scoped name; endpoints with different names
// never see each other's messages.
type Hub struct {
	mu     sync.Mutex
	topics map[string]map[*endpoint]struct{}
}

func NewHub() *Hub {
	return &Hub{topics: make(map[string]map[*endpoint]struct{})}
}

// Channel opens a new endpoint on the named topic.
func (h *Hub) Channel(name string) Channel {
	h.mu.Lock()
	defer h.mu.Unlock()
	ep := &endpoint{hub: h, name: name}
	if h.topics[name] == nil {
		h.topics[name] = make(map[*endpoint]struct{})
	}
	h.topics[name][ep] = struct{}{}
	return ep
}

type endpoint struct {
	hub  *Hub
	name string

	mu       sync.Mutex
	handlers []func(Message)
	closed   bool
}

func (e *endpoint) Name() string { return e.name }

func (e *endpoint) Post(msg Message) {
	e.hub.mu.Lock()
	peers := make([]*endpoint, 0, len(e.hub.topics[e.name]))
	for peer := range e.hub.topics[e.name] {
		if peer != e {
			peers = append(peers, peer)
		}
	}
	e.hub.mu.Unlock()

	for _, peer := range peers {
		peer.deliver(msg)
	}
}

func (e *endpoint) deliver(msg Message) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	handlers := make([]func(Message), len(e.handlers))
	copy(handlers, e.handlers)
	e.mu.Unlock()

	for _, h := range handlers {
		h(msg)
	}
}

func (e *endpoint) Subscribe(fn func(Message)) func() {
	e.mu.Lock()
	e.handlers = append(e.handlers, fn)
	idx := len(e.handlers) - 1
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		if idx < len(e.handlers) {
			e.handlers[idx] = func(Message) {}
		}
		e.mu.Unlock()
	}
}

func (e *endpoint) Close() {
	e.mu.Lock()
	e.closed = true
	e.handlers = nil
	e.mu.Unlock()

	e.hub.mu.Lock()
	delete(e.hub.topics[e.name], e)
	if len(e.hub.topics[e.name]) == 0 {
		delete(e.hub.topics, e.name)
	}
	e.hub.mu.Unlock()
}
