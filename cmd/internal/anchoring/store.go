package anchoring

import "context"

// ChainStore persists anchor chains.
//
// Requirements:
//   - ReadChain returns every record of anchorID in append order (empty, not an error, for unknown ids)
//   - AppendAt appends record as entry pos only if exactly pos entries exist, else ErrPositionTaken
//   - Existing entries are never rewritten
//
// AppendAt is the only mutating operation. It either completes or leaves the
// chain at its prior tail.
type ChainStore interface {
	ReadChain(ctx context.Context, anchorID string) ([]string, error)
	AppendAt(ctx context.Context, anchorID string, pos int, record string) error
	Close() error
}

// Pinger is implemented by stores backed by a remote database.
type Pinger interface {
	Ping(ctx context.Context) error
}

func tailOf(records []string) (string, bool) {
	if len(records) == 0 {
		return "", false
	}
	return records[len(records)-1], true
}
