package broadcast

import (
	"context"
	"sync"

	"github.com/VTTRPG-Team/vttrpg-platform-sub000/internal/protocol"
)

// MemoryTransport is an in-process Transport for tests and single-machine
// development. It mirrors the real transport's behavior of delivering a
// publisher's own envelope back to it, which is what the self-echo check
// in the dispatch layer exists to absorb.
type MemoryTransport struct {
	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]Handler
}

// NewMemoryTransport creates an empty in-process transport.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{subs: make(map[string]map[int]Handler)}
}

// Publish delivers the envelope synchronously to every subscriber of the
// channel, including the publisher's own subscription.
func (t *MemoryTransport) Publish(_ context.Context, channel string, env protocol.Envelope) error {
	t.mu.Lock()
	handlers := make([]Handler, 0, len(t.subs[channel]))
	for _, h := range t.subs[channel] {
		handlers = append(handlers, h)
	}
	t.mu.Unlock()

	for _, h := range handlers {
		h(env)
	}
	return nil
}

// Subscribe registers a handler for the channel.
func (t *MemoryTransport) Subscribe(_ context.Context, channel string, h Handler) (func(), error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.subs[channel] == nil {
		t.subs[channel] = make(map[int]Handler)
	}
	id := t.nextID
	t.nextID++
	t.subs[channel][id] = h

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.subs[channel], id)
	}, nil
}
