package api

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

const stateTTL = 10 * time.Minute

// stateStore holds pending OAuth consent states so the callback can be
// bound to the user who started the flow. States are single use and
// short-lived.
type stateStore struct {
	mu      sync.Mutex
	pending map[string]stateEntry
}

type stateEntry struct {
	userID  int64
	expires time.Time
}

func newStateStore() *stateStore {
	return &stateStore{pending: make(map[string]stateEntry)}
}

func (s *stateStore) Issue(userID int64) (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate oauth state: %w", err)
	}
	state := hex.EncodeToString(buf)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.prune()
	s.pending[state] = stateEntry{userID: userID, expires: time.Now().Add(stateTTL)}
	return state, nil
}

func (s *stateStore) Redeem(state string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.pending[state]
	if !ok {
		return 0, false
	}
	delete(s.pending, state)
	if time.Now().After(entry.expires) {
		return 0, false
	}
	return entry.userID, true
}

// prune drops expired entries; callers hold the lock.
func (s *stateStore) prune() {
	now := time.Now()
	for state, entry := range s.pending {
		if now.After(entry.expires) {
			delete(s.pending, state)
		}
	}
}
