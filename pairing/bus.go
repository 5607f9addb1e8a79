package pairing

import "sync"

// LocalBus is the same-host signalling channel: devices sharing a
// single process tree (e.g. two profiles under one desktop app host)
// exchange PAIR_REQ/PAIR_RES without touching the network. Topics are
// normalized sync codes.
type LocalBus struct {
	mu       sync.Mutex
	subs     map[string]map[int]func(raw string)
	nextSubID int
}

// NewLocalBus constructs an empty bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[string]map[int]func(raw string))}
}

// Subscribe registers handler for every message published on topic.
// Returns an unsubscribe function.
func (b *LocalBus) Subscribe(topic string, handler func(raw string)) func() {
	b.mu.Lock()
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]func(raw string))
	}
	id := b.nextSubID
	b.nextSubID++
	b.subs[topic][id] = handler
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[topic], id)
	}
}

// Publish fans raw out to every current subscriber of topic. Delivery is
// synchronous and best-effort: a bus with no subscribers silently drops.
func (b *LocalBus) Publish(topic, raw string) {
	b.mu.Lock()
	handlers := make([]func(string), 0, len(b.subs[topic]))
	for _, h := range b.subs[topic] {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()
	for _, h := range handlers {
		h(raw)
	}
}
