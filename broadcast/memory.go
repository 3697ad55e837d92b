package broadcast

import (
	"context"
	"sync"
)

// MemoryFactory opens in-memory channels shared by name within a single
// process — the "single-process fallback" required by spec §6 to behave
// identically to a real BroadcastChannel when no channel API is
// available (spec §4.7 transition 1).
type MemoryFactory struct {
	mu       sync.Mutex
	channels map[string]*memoryChannel
}

// NewMemoryFactory returns a Factory whose channels are plain in-process
// fan-out, matching crdtpubsub.MemoryPubSub's topic-keyed subscriber list.
func NewMemoryFactory() *MemoryFactory {
	return &MemoryFactory{channels: make(map[string]*memoryChannel)}
}

func (f *MemoryFactory) Open(name string) (Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch, ok := f.channels[name]
	if !ok {
		ch = newMemoryChannel()
		f.channels[name] = ch
	}
	ch.refs++
	return &memoryChannelHandle{channel: ch, factory: f, name: name}, nil
}

type memoryChannel struct {
	mu          sync.RWMutex
	subscribers map[int]Handler
	nextID      int
	refs        int
}

func newMemoryChannel() *memoryChannel {
	return &memoryChannel{subscribers: make(map[int]Handler)}
}

func (c *memoryChannel) send(ctx context.Context, msg Message) {
	c.mu.RLock()
	handlers := make([]Handler, 0, len(c.subscribers))
	for _, h := range c.subscribers {
		handlers = append(handlers, h)
	}
	c.mu.RUnlock()

	for _, h := range handlers {
		// Each handler is isolated: a panicking handler must not poison
		// delivery to its peers (spec §7). Handlers run one after another
		// on the sender's goroutine, so a slow handler delays the rest.
		func(h Handler) {
			defer func() { _ = recover() }()
			h(ctx, msg)
		}(h)
	}
}

func (c *memoryChannel) subscribe(handler Handler) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.subscribers[id] = handler
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.subscribers, id)
		c.mu.Unlock()
	}
}

// memoryChannelHandle is a per-Open() view of a shared memoryChannel so
// that every Channel returned by MemoryFactory.Open behaves like an
// independent handle (own Close), matching BroadcastChannel semantics.
type memoryChannelHandle struct {
	channel *memoryChannel
	factory *MemoryFactory
	name    string
	mu      sync.Mutex
	closed  bool
}

func (h *memoryChannelHandle) Send(ctx context.Context, msg Message) error {
	h.channel.send(ctx, msg)
	return nil
}

func (h *memoryChannelHandle) Subscribe(handler Handler) func() {
	return h.channel.subscribe(handler)
}

func (h *memoryChannelHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true

	h.factory.mu.Lock()
	defer h.factory.mu.Unlock()
	h.channel.refs--
	if h.channel.refs <= 0 {
		delete(h.factory.channels, h.name)
	}
	return nil
}
