package memory

import (
	"context"
	"sync"

	"github.com/bazaarvoice/qtype/dsl"
)

// MemStore is a thread-safe in-memory Store. Turns are held per
// (session_id, memory_id); eviction runs inline on Append under the
// store's single lock, so all mutation is serialized.
type MemStore struct {
	mu    sync.RWMutex
	turns map[string][]Turn // sessionID + "\x00" + memoryID -> turns, oldest first
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{turns: make(map[string][]Turn)}
}

func storeKey(sessionID, memoryID string) string {
	return sessionID + "\x00" + memoryID
}

func (s *MemStore) Append(_ context.Context, sessionID string, mem *dsl.Memory, turn Turn) error {
	key := storeKey(sessionID, mem.ID)
	s.mu.Lock()
	defer s.mu.Unlock()
	turns := append(s.turns[key], turn)
	if drop := evictionPlan(turns, mem); drop > 0 {
		turns = turns[drop:]
	}
	s.turns[key] = turns
	return nil
}

func (s *MemStore) History(_ context.Context, sessionID string, mem *dsl.Memory) ([]Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	// Copy out of the store so callers never hold references to internal
	// storage.
	return trimToBudget(s.turns[storeKey(sessionID, mem.ID)], historyBudget(mem)), nil
}

var _ Store = (*MemStore)(nil)
