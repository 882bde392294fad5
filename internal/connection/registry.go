package connection

import "sync"

// registry is an insertion-ordered listener set. Handlers are invoked from a
// copy so they run without the registry lock held and may unsubscribe
// themselves.
type registry[H any] struct {
	mu      sync.Mutex
	nextID  uint64
	entries []registryEntry[H]
}

type registryEntry[H any] struct {
	id uint64
	h  H
}

// add registers h and returns its unsubscribe func. Calling the returned
// func more than once is a no-op.
func (r *registry[H]) add(h H) func() {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.entries = append(r.entries, registryEntry[H]{id: id, h: h})
	r.mu.Unlock()

	return func() { r.remove(id) }
}

func (r *registry[H]) remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.entries {
		if e.id == id {
			r.entries = append(r.entries[:i:i], r.entries[i+1:]...)
			return
		}
	}
}

// snapshot returns the current handlers in registration order.
func (r *registry[H]) snapshot() []H {
	r.mu.Lock()
	defer r.mu.Unlock()
	hs := make([]H, len(r.entries))
	for i, e := range r.entries {
		hs[i] = e.h
	}
	return hs
}

func (r *registry[H]) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// topicRegistry keys handler registries by envelope type. Empty topics are
// dropped when their last handler unsubscribes.
type topicRegistry struct {
	mu     sync.Mutex
	topics map[string]*registry[Handler]
}

func newTopicRegistry() *topicRegistry {
	return &topicRegistry{topics: make(map[string]*registry[Handler])}
}

func (t *topicRegistry) add(topic string, h Handler) func() {
	t.mu.Lock()
	defer t.mu.Unlock()

	reg, ok := t.topics[topic]
	if !ok {
		reg = &registry[Handler]{}
		t.topics[topic] = reg
	}
	remove := reg.add(h)

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		remove()
		if reg.len() == 0 && t.topics[topic] == reg {
			delete(t.topics, topic)
		}
	}
}

func (t *topicRegistry) snapshot(topic string) []Handler {
	t.mu.Lock()
	reg, ok := t.topics[topic]
	t.mu.Unlock()
	if !ok {
		return nil
	}
	return reg.snapshot()
}

func (t *topicRegistry) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.topics)
}
