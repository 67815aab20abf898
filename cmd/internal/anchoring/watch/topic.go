package watch

import (
	"log/slog"
	"sync"
	"sync/atomic"

	v1 "anchor/shared/contracts/watch/v1"
)

// Topic is the subscriber set of one anchor chain.
//
// Join/Leave are safe under concurrent Broadcast, and Broadcast never blocks.
type Topic struct {
	log      *slog.Logger
	AnchorID string

	mu      sync.RWMutex
	members map[string]*Client

	dropped atomic.Int64
}

// NewTopic constructs an empty topic.
func NewTopic(log *slog.Logger, anchorID string) *Topic {
	return &Topic{
		log:      log,
		AnchorID: anchorID,
		members:  make(map[string]*Client),
	}
}

// Join adds a client to the subscriber set.
func (t *Topic) Join(client *Client) {
	if t == nil || client == nil || client.SessionID == "" {
		return
	}

	t.mu.Lock()
	t.members[client.SessionID] = client
	t.mu.Unlock()

	t.log.Info("watch.subscribe", "anchor_id", t.AnchorID, "session_id", client.SessionID)
}

// Leave removes a session and reports how many subscribers remain.
// The client itself keeps running; it may follow other chains.
func (t *Topic) Leave(sessionID string) int {
	if t == nil || sessionID == "" {
		return 0
	}

	t.mu.Lock()
	_, had := t.members[sessionID]
	delete(t.members, sessionID)
	n := len(t.members)
	t.mu.Unlock()

	if had {
		t.log.Info("watch.unsubscribe", "anchor_id", t.AnchorID, "session_id", sessionID)
	}
	return n
}

// Len returns the number of subscribers.
func (t *Topic) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.members)
}

// Dropped returns how many envelopes were dropped under backpressure.
func (t *Topic) Dropped() int64 { return t.dropped.Load() }

// Broadcast fans env out to all subscribers, dropping it for any whose queue is full.
func (t *Topic) Broadcast(env v1.Envelope) {
	if t == nil {
		return
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, m := range t.members {
		if m == nil {
			continue
		}
		if !m.offer(env) {
			t.dropped.Add(1)
		}
	}
}
