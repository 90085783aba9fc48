/*Package relays tracks relay hardware liveness.

Relays only ever report heartbeats, so the store is in-memory: it
answers "is it alive now" and keeps no history.
*/
package relays

import (
	"sync"
	"time"
)

// defaultTimeout is how long a relay may stay silent before it is
// considered dead.
const defaultTimeout = 90 * time.Second

// State is the current state of one relay.
type State struct {
	ID       string                 `json:"id"`
	Tenant   string                 `json:"tenant,omitempty"`
	Alive    bool                   `json:"alive"`
	LastSeen *time.Time             `json:"last_seen"`
	Fields   map[string]interface{} `json:"fields,omitempty"`
}

// Store is the in-memory relay tracker.
type Store struct {
	timeout time.Duration

	mu     sync.Mutex
	relays map[string]State
}

// NewStore returns a relay store. A timeout of zero selects the
// 90-second default.
func NewStore(timeout time.Duration) *Store {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Store{timeout: timeout, relays: map[string]State{}}
}

// Upsert merges heartbeat fields into the relay's record and marks it
// alive. A "tenant" field in the heartbeat tags the relay's scope.
func (s *Store) Upsert(id string, fields map[string]interface{}) State {
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.relays[id]
	if !ok {
		state = State{ID: id}
	}
	// copy-on-write so snapshots handed out earlier stay stable
	merged := make(map[string]interface{}, len(state.Fields)+len(fields))
	for key, value := range state.Fields {
		merged[key] = value
	}
	for key, value := range fields {
		if key == "tenant" {
			if tenant, ok := value.(string); ok {
				state.Tenant = tenant
			}
			continue
		}
		merged[key] = value
	}
	state.Fields = merged
	state.LastSeen = &now
	state.Alive = true
	s.relays[id] = state
	return state
}

// Refresh recomputes the alive flag for every relay from heartbeat
// recency.
func (s *Store) Refresh() {
	cut := time.Now().UTC().Add(-s.timeout)

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, state := range s.relays {
		state.Alive = state.LastSeen != nil && state.LastSeen.After(cut)
		s.relays[id] = state
	}
}

// Get returns the state of one relay.
func (s *Store) Get(id string) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.relays[id]
	return state, ok
}

// All returns a snapshot of every relay.
func (s *Store) All() map[string]State {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make(map[string]State, len(s.relays))
	for id, state := range s.relays {
		result[id] = state
	}
	return result
}
