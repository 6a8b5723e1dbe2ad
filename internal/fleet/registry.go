package fleet

import (
	"cmp"
	"slices"
	"sync"
	"time"
)

type server struct {
	mu    sync.Mutex
	state ServerState
}

// Registry holds every registered server behind its own lock.
type Registry struct {
	mu      sync.RWMutex
	servers map[string]*server
}

func NewRegistry() *Registry {
	return &Registry{servers: make(map[string]*server)}
}

func (r *Registry) lookup(id string) (*server, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.servers[id]
	return s, ok
}

// Register creates the server or updates its capacity. Counters survive re-registration.
func (r *Registry) Register(id string, maxConcurrent int, now time.Time) ServerState {
	maxConcurrent = max(1, maxConcurrent)

	r.mu.Lock()
	s, ok := r.servers[id]
	if !ok {
		s = &server{state: ServerState{ID: id, RegisteredAt: now}}
		r.servers[id] = s
	}
	r.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.MaxConcurrent = maxConcurrent
	s.state.Online = true
	s.state.LastSeen = now
	return s.state
}

// Heartbeat refreshes last_seen and brings the server back online.
func (r *Registry) Heartbeat(id string, now time.Time) (ServerState, error) {
	return r.Update(id, func(st *ServerState) error {
		st.Online = true
		st.LastSeen = now
		return nil
	})
}

// MarkOffline flags the server offline. Its assigned jobs are left alone.
func (r *Registry) MarkOffline(id string) (ServerState, error) {
	return r.Update(id, func(st *ServerState) error {
		st.Online = false
		return nil
	})
}

func (r *Registry) Get(id string) (ServerState, error) {
	s, ok := r.lookup(id)
	if !ok {
		return ServerState{}, &UnknownServerError{ID: id}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, nil
}

// Update runs fn under the server's lock. On error the state is left unchanged.
func (r *Registry) Update(id string, fn func(st *ServerState) error) (ServerState, error) {
	s, ok := r.lookup(id)
	if !ok {
		return ServerState{}, &UnknownServerError{ID: id}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.state
	if err := fn(&next); err != nil {
		return s.state, err
	}
	s.state = next
	return next, nil
}

// List returns a snapshot of every server ordered by id.
func (r *Registry) List() []ServerState {
	r.mu.RLock()
	servers := make([]*server, 0, len(r.servers))
	for _, s := range r.servers {
		servers = append(servers, s)
	}
	r.mu.RUnlock()

	out := make([]ServerState, 0, len(servers))
	for _, s := range servers {
		s.mu.Lock()
		out = append(out, s.state)
		s.mu.Unlock()
	}
	slices.SortFunc(out, func(a, b ServerState) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// Stale returns ids of online servers whose last_seen is before cutoff.
func (r *Registry) Stale(cutoff time.Time) []string {
	var ids []string
	for _, st := range r.List() {
		if st.Online && st.LastSeen.Before(cutoff) {
			ids = append(ids, st.ID)
		}
	}
	return ids
}
