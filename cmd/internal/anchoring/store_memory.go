package anchoring

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// MemoryStore is a dev/test ChainStore. Nothing survives a restart.
type MemoryStore struct {
	mu     sync.Mutex
	chains map[string][]string
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{chains: make(map[string][]string)}
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

// ReadChain returns a copy of the chain.
func (s *MemoryStore) ReadChain(ctx context.Context, anchorID string) ([]string, error) {
	if anchorID == "" {
		return nil, errors.New("missing anchor id")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string{}, s.chains[anchorID]...), nil
}

// AppendAt appends record at pos.
func (s *MemoryStore) AppendAt(ctx context.Context, anchorID string, pos int, record string) error {
	if anchorID == "" || record == "" || strings.ContainsAny(record, "\r\n") {
		return errors.New("invalid input")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.chains[anchorID]) != pos {
		return ErrPositionTaken
	}
	s.chains[anchorID] = append(s.chains[anchorID], record)
	return nil
}
