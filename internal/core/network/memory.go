package network

import (
	"context"
	"sync"
)

// Hub is a process-local broker shared by MemoryPubSub endpoints. Each
// endpoint plays one unit; all endpoints on a hub see each other's traffic.
type Hub struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]*memorySub
}

type memorySub struct {
	owner *MemoryPubSub
	ch    chan Message
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[int]*memorySub)}
}

func (h *Hub) publish(topic string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs[topic] {
		msg := Message{Topic: topic, Payload: append([]byte(nil), payload...)}
		select {
		case sub.ch <- msg:
		default:
			// Non-blocking send to avoid one slow subscriber stalling all publishers.
		}
	}
}

func (h *Hub) subscribe(owner *MemoryPubSub, topic string) (int, chan Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[topic]; !ok {
		h.subs[topic] = make(map[int]*memorySub)
	}
	id := h.nextID
	h.nextID++
	ch := make(chan Message, 64)
	h.subs[topic][id] = &memorySub{owner: owner, ch: ch}
	return id, ch
}

func (h *Hub) unsubscribe(topic string, id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subsByTopic, ok := h.subs[topic]; ok {
		if sub, exists := subsByTopic[id]; exists {
			delete(subsByTopic, id)
			close(sub.ch)
		}
		if len(subsByTopic) == 0 {
			delete(h.subs, topic)
		}
	}
}

func (h *Hub) dropOwner(owner *MemoryPubSub) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for topic, subsByTopic := range h.subs {
		for id, sub := range subsByTopic {
			if sub.owner == owner {
				delete(subsByTopic, id)
				close(sub.ch)
			}
		}
		if len(subsByTopic) == 0 {
			delete(h.subs, topic)
		}
	}
}

// MemoryPubSub is a process-local transport used for development and tests.
type MemoryPubSub struct {
	hub *Hub

	mu          sync.Mutex
	connected   bool
	closed      bool
	connects    int
	attempts    int
	failConnect error
}

// NewMemoryPubSub returns an endpoint on its own private hub.
func NewMemoryPubSub() *MemoryPubSub {
	return NewHub().Endpoint()
}

// Endpoint returns a new unit endpoint on the hub.
func (h *Hub) Endpoint() *MemoryPubSub {
	return &MemoryPubSub{hub: h}
}

func (m *MemoryPubSub) Connect(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.attempts++
	if m.failConnect != nil {
		return m.failConnect
	}
	m.connected = true
	m.connects++
	return nil
}

func (m *MemoryPubSub) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Connects reports how many times Connect succeeded.
func (m *MemoryPubSub) Connects() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connects
}

// ConnectAttempts reports how many times Connect was called on an open
// endpoint, successful or not.
func (m *MemoryPubSub) ConnectAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// FailConnect makes subsequent Connect calls return err until cleared with nil.
func (m *MemoryPubSub) FailConnect(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failConnect = err
}

// Disconnect simulates a dropped link: the endpoint reports not connected and
// all of its subscriptions are closed.
func (m *MemoryPubSub) Disconnect() {
	m.mu.Lock()
	m.connected = false
	m.mu.Unlock()
	m.hub.dropOwner(m)
}

func (m *MemoryPubSub) Publish(_ context.Context, topic string, payload []byte) error {
	if !m.Connected() {
		return ErrNotConnected
	}
	m.hub.publish(topic, payload)
	return nil
}

func (m *MemoryPubSub) Subscribe(_ context.Context, topic string) (<-chan Message, func(), error) {
	if !m.Connected() {
		return nil, nil, ErrNotConnected
	}
	id, ch := m.hub.subscribe(m, topic)
	var once sync.Once
	cancel := func() {
		once.Do(func() { m.hub.unsubscribe(topic, id) })
	}
	return ch, cancel, nil
}

func (m *MemoryPubSub) Close() error {
	m.mu.Lock()
	m.closed = true
	m.connected = false
	m.mu.Unlock()
	m.hub.dropOwner(m)
	return nil
}
