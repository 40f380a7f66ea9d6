package tokenvault

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

const stateBytes = 32

// ErrStateMismatch is returned when a callback presents a state value that was
// never issued or was already consumed.
var ErrStateMismatch = errors.New("oauth_state_mismatch")

// GenerateState returns a 64-hex-character CSRF state token.
func GenerateState() (string, error) {
	buf := make([]byte, stateBytes)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// StateStore persists issued OAuth states until the callback consumes them.
type StateStore interface {
	// Save stores the state for userID with a TTL.
	Save(ctx context.Context, state string, userID int64, ttl time.Duration) error
	// Consume atomically removes the state and returns the user it was
	// issued for. Unknown or already-consumed states fail with
	// ErrStateMismatch.
	Consume(ctx context.Context, state string) (int64, error)
}

// MemoryStateStore is an in-process StateStore for tests and single-node runs.
type MemoryStateStore struct {
	mu     sync.Mutex
	states map[string]memoryState
}

type memoryState struct {
	userID    int64
	expiresAt time.Time
}

// NewMemoryStateStore constructs an empty MemoryStateStore.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{states: make(map[string]memoryState)}
}

func (s *MemoryStateStore) Save(_ context.Context, state string, userID int64, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state] = memoryState{userID: userID, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (s *MemoryStateStore) Consume(_ context.Context, state string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.states[state]
	if !ok {
		return 0, ErrStateMismatch
	}
	delete(s.states, state)
	if time.Now().After(entry.expiresAt) {
		return 0, ErrStateMismatch
	}
	return entry.userID, nil
}
