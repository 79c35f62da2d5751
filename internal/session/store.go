package session

import (
	"errors"
	"fmt"
	"sync"
)

// ErrNotFound is returned by Store lookups for unknown stream IDs.
var ErrNotFound = errors.New("session: not found")

// Store is the process-wide registry of live sessions, keyed by stream ID.
//
// The store lock is held only for lookup and linkage updates, never across
// collaborator calls. Callers take a *Session out and work with its own
// methods; the store guarantees only the streamID → session mapping and the
// parent/child invariants.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{sessions: make(map[string]*Session)}
}

// Add registers s. Returns an error if a live session already owns the same
// stream ID.
func (st *Store) Add(s *Session) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.sessions[s.StreamID]; ok {
		return fmt.Errorf("session: stream %q already registered", s.StreamID)
	}
	st.sessions[s.StreamID] = s
	return nil
}

// Get returns the session owning streamID.
func (st *Store) Get(streamID string) (*Session, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[streamID]
	if !ok {
		return nil, fmt.Errorf("%w: stream %q", ErrNotFound, streamID)
	}
	return s, nil
}

// Remove deletes the session owning streamID. Removing an unknown stream ID
// is a no-op.
func (st *Store) Remove(streamID string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.sessions, streamID)
}

// Link records the parent/child relationship between an inbound session and
// the outbound session it spawned. The child field is set only on the parent
// and the parent field only on the child.
func (st *Store) Link(parentStreamID, childStreamID string) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	parent, ok := st.sessions[parentStreamID]
	if !ok {
		return fmt.Errorf("%w: parent stream %q", ErrNotFound, parentStreamID)
	}
	child, ok := st.sessions[childStreamID]
	if !ok {
		return fmt.Errorf("%w: child stream %q", ErrNotFound, childStreamID)
	}

	parent.mu.Lock()
	parent.childStreamID = childStreamID
	parent.mu.Unlock()

	child.mu.Lock()
	child.parentStreamID = parentStreamID
	child.mu.Unlock()

	return nil
}

// Parent returns the parent session of the session owning streamID, or
// ErrNotFound when the session has no parent or the parent is gone.
func (st *Store) Parent(streamID string) (*Session, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()

	s, ok := st.sessions[streamID]
	if !ok {
		return nil, fmt.Errorf("%w: stream %q", ErrNotFound, streamID)
	}
	s.mu.Lock()
	parentID := s.parentStreamID
	s.mu.Unlock()
	if parentID == "" {
		return nil, fmt.Errorf("%w: stream %q has no parent", ErrNotFound, streamID)
	}
	parent, ok := st.sessions[parentID]
	if !ok {
		return nil, fmt.Errorf("%w: parent stream %q", ErrNotFound, parentID)
	}
	return parent, nil
}

// Len returns the number of live sessions.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// Snapshot returns all live sessions. Used by shutdown and the monitor feed.
func (st *Store) Snapshot() []*Session {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]*Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		out = append(out, s)
	}
	return out
}
