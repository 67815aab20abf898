package watch

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"anchor/cmd/internal/anchoring"
	"anchor/cmd/internal/ids"
	v1 "anchor/shared/contracts/watch/v1"
)

// Hub owns the per-chain topics and turns accepted appends into tail_new envelopes.
type Hub struct {
	log *slog.Logger

	mu     sync.RWMutex
	topics map[string]*Topic
}

var _ anchoring.Observer = (*Hub)(nil)

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		log:    log,
		topics: make(map[string]*Topic),
	}
}

// Subscribe adds client to anchorID's topic, creating it on first use.
func (h *Hub) Subscribe(anchorID string, client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.topics[anchorID]
	if !ok {
		t = NewTopic(h.log, anchorID)
		h.topics[anchorID] = t
	}
	t.Join(client)
}

// Unsubscribe removes sessionID from anchorID's topic and drops the topic once empty.
func (h *Hub) Unsubscribe(anchorID, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.topics[anchorID]
	if !ok {
		return
	}
	if t.Leave(sessionID) == 0 {
		delete(h.topics, anchorID)
	}
}

// Subscribers returns the number of sessions following anchorID.
func (h *Hub) Subscribers(anchorID string) int {
	h.mu.RLock()
	t, ok := h.topics[anchorID]
	h.mu.RUnlock()
	if !ok {
		return 0
	}
	return t.Len()
}

// RecordAppended implements anchoring.Observer.
func (h *Hub) RecordAppended(res anchoring.AppendResult) {
	h.mu.RLock()
	t, ok := h.topics[res.AnchorID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	ts := res.At
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	p, err := json.Marshal(v1.TailNewPayload{
		AnchorID: res.AnchorID,
		Record:   res.Record,
		Kind:     res.Kind.String(),
		Position: res.Position,
		Previous: res.Previous,
		ServerTS: ts,
	})
	if err != nil {
		h.log.Error("watch.tail_new.encode.fail", "anchor_id", res.AnchorID, "err", err)
		return
	}
	t.Broadcast(newEnvelope(v1.TypeTailNew, p, ts))
}

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      ids.MustULID(ts),
		TS:      ts,
		Payload: payload,
	}
}
