package chat

import "sync"

// Room is a named broadcast group. Members are held by reference only; the
// room is dropped from its registry as soon as the last member leaves.
type Room struct {
	name     string
	registry *Rooms

	mu      sync.RWMutex
	members map[string]Subscriber
	closed  bool
}

func newRoom(name string, registry *Rooms) *Room {
	return &Room{
		name:     name,
		registry: registry,
		members:  make(map[string]Subscriber),
	}
}

func (r *Room) Name() string { return r.name }

// Subscribe adds sub. A room already removed from its registry refuses new
// members with ErrRoomClosed.
func (r *Room) Subscribe(sub Subscriber) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRoomClosed
	}
	r.members[sub.ID()] = sub
	return nil
}

// Unsubscribe removes sub and, if it was the last member, asks the registry
// to drop the room.
func (r *Room) Unsubscribe(sub Subscriber) {
	r.mu.Lock()
	delete(r.members, sub.ID())
	empty := len(r.members) == 0
	r.mu.Unlock()

	if empty && r.registry != nil {
		r.registry.removeIfEmpty(r)
	}
}

// Broadcast hands n to every member except sender. Server notices also reach
// the sender, whose own client shows its join line. Delivery runs on a
// snapshot so members may leave concurrently.
func (r *Room) Broadcast(sender Subscriber, n Notice) {
	r.mu.RLock()
	targets := make([]Subscriber, 0, len(r.members))
	for id, m := range r.members {
		if sender != nil && id == sender.ID() && !n.FromServer() {
			continue
		}
		targets = append(targets, m)
	}
	r.mu.RUnlock()

	for _, m := range targets {
		m.Deliver(n)
	}
}

func (r *Room) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

func (r *Room) Has(sub Subscriber) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[sub.ID()]
	return ok
}
