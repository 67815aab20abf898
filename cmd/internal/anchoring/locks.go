package anchoring

import "sync"

// lockTable hands out one mutex per anchor identity.
// Entries are refcounted and dropped once no goroutine holds or waits on them.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*identityLock
}

type identityLock struct {
	mu   sync.Mutex
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*identityLock)}
}

// lock blocks until the caller holds anchorID's lock and returns its release func.
func (t *lockTable) lock(anchorID string) func() {
	t.mu.Lock()
	l, ok := t.locks[anchorID]
	if !ok {
		l = &identityLock{}
		t.locks[anchorID] = l
	}
	l.refs++
	t.mu.Unlock()

	l.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Unlock()

			t.mu.Lock()
			l.refs--
			if l.refs == 0 {
				delete(t.locks, anchorID)
			}
			t.mu.Unlock()
		})
	}
}

// size returns the number of identities with a live lock entry.
func (t *lockTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}
