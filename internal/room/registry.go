package room

import "sync"

// Registry holds every live room keyed by id. Rooms are created lazily on
// first join and are fully independent of one another; only the map itself
// needs locking, never the state inside a room.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*State
}

func NewRegistry() *Registry {
	return &Registry{rooms: make(map[string]*State)}
}

// Get returns the state for roomID, creating it when absent.
func (r *Registry) Get(roomID string) *State {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.rooms[roomID]
	if !ok {
		state = NewState()
		r.rooms[roomID] = state
	}
	return state
}

// Drop removes a room, typically once its last connection has left.
func (r *Registry) Drop(roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rooms, roomID)
}

// Len reports how many rooms are live.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}
