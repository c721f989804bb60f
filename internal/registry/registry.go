// Package registry tracks live connections and their room memberships.
//
// The Registry is the single source of truth for "who is in what room". The
// router consults it to compute fan-out sets; the transport registers and
// unregisters connections as they come and go.
package registry

import "sync"

// Registry is a bidirectional identity<->room membership map.
//
// All operations are safe for concurrent use. Mutations and the snapshot reads
// used for fan-out are mutually exclusive, so a fan-out computed after a join
// or unregister always reflects that change.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]map[string]struct{} // room name -> member identities
	conns map[string]map[string]struct{} // identity -> joined rooms
}

func New() *Registry {
	return &Registry{
		rooms: make(map[string]map[string]struct{}),
		conns: make(map[string]map[string]struct{}),
	}
}

// Register admits a new connection with no room memberships.
//
// Identities are allocated by the transport and guaranteed fresh, so Register
// has no failure mode.
func (r *Registry) Register(id string) {
	r.mu.Lock()
	if r.conns[id] == nil {
		r.conns[id] = make(map[string]struct{})
	}
	r.mu.Unlock()
}

// Join adds id to room. Joining a room already joined is a no-op.
//
// Joining on behalf of an identity that is not registered (e.g. racing a
// concurrent unregister) is also a no-op, so a disconnected identity can never
// reappear in a member set.
func (r *Registry) Join(id, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	joined, ok := r.conns[id]
	if !ok {
		return
	}
	joined[room] = struct{}{}

	if r.rooms[room] == nil {
		r.rooms[room] = make(map[string]struct{})
	}
	r.rooms[room][id] = struct{}{}
}

// MembersOf returns a snapshot of the room's current members, in no particular
// order. A room nobody has joined yields an empty slice.
func (r *Registry) MembersOf(room string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.rooms[room]
	out := make([]string, 0, len(members))
	for id := range members {
		out = append(out, id)
	}
	return out
}

// Snapshot returns every room with its current members. Debug surface only;
// fan-out always goes through MembersOf.
func (r *Registry) Snapshot() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string][]string, len(r.rooms))
	for room, members := range r.rooms {
		ids := make([]string, 0, len(members))
		for id := range members {
			ids = append(ids, id)
		}
		out[room] = ids
	}
	return out
}

// Rooms returns a snapshot of the rooms id currently belongs to.
func (r *Registry) Rooms(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	joined := r.conns[id]
	out := make([]string, 0, len(joined))
	for room := range joined {
		out = append(out, room)
	}
	return out
}

// Registered reports whether id is currently admitted.
func (r *Registry) Registered(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.conns[id]
	return ok
}

// Unregister removes id from every room it belonged to and discards the
// identity. Safe to call for a connection that never joined a room; must be
// called exactly once per connection, on disconnect.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for room := range r.conns[id] {
		members := r.rooms[room]
		delete(members, id)
		if len(members) == 0 {
			delete(r.rooms, room)
		}
	}
	delete(r.conns, id)
}
