package transport

import "sync"

// Memory is an in-process PubSub used by tests and by loopback tooling.
// Publishes are delivered synchronously to all matching subscribers.
type Memory struct {
	mu       sync.Mutex
	handlers map[string][]Handler
	closed   bool
}

// NewMemory returns an empty in-process bus.
func NewMemory() *Memory {
	return &Memory{handlers: make(map[string][]Handler)}
}

// Publish delivers payload to every subscriber of topic.
func (m *Memory) Publish(topic string, payload []byte) error {
	m.mu.Lock()
	hs := append([]Handler(nil), m.handlers[topic]...)
	m.mu.Unlock()
	for _, h := range hs {
		h(topic, payload)
	}
	return nil
}

// Subscribe registers h for topic.
func (m *Memory) Subscribe(topic string, h Handler) error {
	m.mu.Lock()
	m.handlers[topic] = append(m.handlers[topic], h)
	m.mu.Unlock()
	return nil
}

// Close drops all subscriptions.
func (m *Memory) Close() {
	m.mu.Lock()
	m.handlers = make(map[string][]Handler)
	m.closed = true
	m.mu.Unlock()
}
