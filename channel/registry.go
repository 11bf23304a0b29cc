package channel

import (
	"errors"
	"sync"

	"chanrpc/message"
)

var ErrDuplicate = errors.New("channel: already registered")

// ActivityListener is told about every channel that becomes active in a Registry.
type ActivityListener func(ch *Channel)

// Registry indexes active channels by id. Unconfirmed channels are never in it.
type Registry struct {
	mu        sync.RWMutex
	channels  map[string]*Channel
	listeners []ActivityListener
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{channels: map[string]*Channel{}}
}

// Register adds an active channel. A second channel with the same id is rejected
// with ErrDuplicate.
func (r *Registry) Register(ch *Channel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.channels[ch.ID()]; ok {
		return ErrDuplicate
	}
	r.channels[ch.ID()] = ch
	return nil
}

// Unregister removes and returns the channel, nil if it was not registered.
func (r *Registry) Unregister(id string) *Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[id]
	if !ok {
		return nil
	}
	delete(r.channels, id)
	return ch
}

// Get looks a channel up by id.
func (r *Registry) Get(id string) (*Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[id]
	return ch, ok
}

// List returns a snapshot of the registered channels.
func (r *Registry) List() []*Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		out = append(out, ch)
	}
	return out
}

// Len returns the number of registered channels.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}

// OnActivity adds a listener. Listeners are called in the order they were added.
func (r *Registry) OnActivity(l ActivityListener) {
	r.mu.Lock()
	r.listeners = append(r.listeners, l)
	r.mu.Unlock()
}

// Activate notifies listeners that ch is active. Channels that left the registry in
// the meantime are skipped.
func (r *Registry) Activate(ch *Channel) bool {
	r.mu.RLock()
	_, ok := r.channels[ch.ID()]
	listeners := r.listeners
	r.mu.RUnlock()
	if !ok {
		return false
	}
	for _, l := range listeners {
		l(ch)
	}
	return true
}

// Events is what the lifecycle layer reports upward once the protocol is satisfied:
// activation, application data and destruction of an active channel.
type Events interface {
	OnActive(ch *Channel)
	OnData(ch *Channel, msg message.Message)
	OnDestroy(ch *Channel)
}
