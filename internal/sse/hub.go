package sse

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Hub fans events out to subscribers. A subscriber belongs to one topic and
// receives frames published to that topic plus unscoped frames. Slow
// subscribers miss frames rather than block publishers.
type Hub struct {
	mu   sync.RWMutex
	subs map[chan []byte]int64
}

// Scoped is implemented by payloads that belong to a single topic.
type Scoped interface {
	Topic() int64
}

func NewHub() *Hub {
	return &Hub{subs: make(map[chan []byte]int64)}
}

// Subscribe registers a subscriber for topic.
func (h *Hub) Subscribe(topic int64) (chan []byte, func()) {
	ch := make(chan []byte, 32)
	h.mu.Lock()
	h.subs[ch] = topic
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers returns the number of connected subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Publish encodes payload as JSON and sends it as an SSE frame of the given
// event type. Scoped payloads only reach subscribers of their topic.
func (h *Hub) Publish(event string, payload any) error {
	frame, err := Frame(event, payload)
	if err != nil {
		return err
	}
	if scoped, ok := payload.(Scoped); ok {
		h.deliver(scoped.Topic(), frame)
		return nil
	}
	h.Broadcast(frame)
	return nil
}

// Broadcast sends frame to every subscriber.
func (h *Hub) Broadcast(frame []byte) {
	h.deliver(0, frame)
}

func (h *Hub) deliver(topic int64, frame []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch, subTopic := range h.subs {
		if topic != 0 && subTopic != topic {
			continue
		}
		select {
		case ch <- frame:
		default:
		}
	}
}

// Frame renders one SSE frame.
func Frame(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", event, err)
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", event, data)), nil
}
