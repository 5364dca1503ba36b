// Package registry holds the volatile routing table: which live connection
// handles currently receive messages for each topic. It is routing state
// only; the durable store remains the authority on which subscriptions
// exist. The two may diverge briefly while a connection is being torn down.
package registry

import "sync"

// Handle is a live connection attached to the routing table. Handles are
// distinguished by identity, so implementations are always pointers.
type Handle interface {
	// Deliver queues a serialized frame for the connection. It must not
	// block; an error means the connection can no longer accept frames.
	Deliver(frame []byte) error
}

// Registry maps topic names to the set of handles subscribed to them.
// All mutation and snapshotting is serialized by a single mutex; the
// critical sections are short and never perform I/O.
type Registry struct {
	mu     sync.Mutex
	topics map[string]map[Handle]struct{}
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		topics: make(map[string]map[Handle]struct{}),
	}
}

// Attach adds a handle to the topic's subscriber set, creating the set if
// needed. Attaching an already-attached handle is a no-op.
func (r *Registry) Attach(topic string, h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.topics[topic]
	if set == nil {
		set = make(map[Handle]struct{})
		r.topics[topic] = set
	}
	set[h] = struct{}{}
}

// Detach removes a handle from the topic's subscriber set. The entry is
// evicted once its set becomes empty.
func (r *Registry) Detach(topic string, h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if set := r.topics[topic]; set != nil {
		delete(set, h)
		if len(set) == 0 {
			delete(r.topics, topic)
		}
	}
}

// Snapshot returns a copy of the topic's current subscriber set. Broadcast
// iterates the copy so no lock is held across socket writes.
func (r *Registry) Snapshot(topic string) []Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.topics[topic]
	if len(set) == 0 {
		return nil
	}
	out := make([]Handle, 0, len(set))
	for h := range set {
		out = append(out, h)
	}
	return out
}

// Evict removes the topic entry entirely and returns the handles that
// were attached to it.
func (r *Registry) Evict(topic string) []Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.topics[topic]
	if set == nil {
		return nil
	}
	delete(r.topics, topic)
	out := make([]Handle, 0, len(set))
	for h := range set {
		out = append(out, h)
	}
	return out
}

// Count returns the number of handles attached to a topic.
func (r *Registry) Count(topic string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.topics[topic])
}

// Topics returns the number of topics with at least one attached handle.
func (r *Registry) Topics() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.topics)
}
