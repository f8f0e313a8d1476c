package scan

import (
	"sort"
	"sync"
)

// Store keeps the sessions started by this process. Nothing is persisted;
// the status API reads live sessions from it.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewStore() *Store {
	return &Store{sessions: make(map[string]*Session)}
}

// Add registers s under its id.
func (st *Store) Add(s *Session) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.sessions[s.ID] = s
}

func (st *Store) Get(id string) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[id]
	return s, ok
}

// List returns every session, oldest id first.
func (st *Store) List() []*Session {
	st.mu.RLock()
	out := make([]*Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		out = append(out, s)
	}
	st.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		ii, ij := out[i].Info(), out[j].Info()
		if ii.StartedAt != nil && ij.StartedAt != nil && !ii.StartedAt.Equal(*ij.StartedAt) {
			return ii.StartedAt.Before(*ij.StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
