// Package v1 defines the anchor watch protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between the server and watch clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the websocket subprotocol clients must request.
const Subprotocol = "anchor.watch.v1"

// Type constants (wire-stable).
const (
	// TypeHello starts a session handshake (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the session handshake (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeSubscribe starts following an anchor chain (client -> server).
	TypeSubscribe = "subscribe"
	// TypeSubscribed confirms a subscription with the current tail (server -> client).
	TypeSubscribed = "subscribed"
	// TypeUnsubscribe stops following an anchor chain (client -> server).
	TypeUnsubscribe = "unsubscribe"

	// TypeTailFetch asks for the current tail of a chain (client -> server).
	TypeTailFetch = "tail_fetch"
	// TypeTail answers a tail fetch (server -> client).
	TypeTail = "tail"
	// TypeTailNew announces an accepted append (server -> subscribers).
	TypeTailNew = "tail_new"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeSubscribe,
		TypeSubscribed,
		TypeUnsubscribe,
		TypeTailFetch,
		TypeTail,
		TypeTailNew,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// HelloPayload is sent by the client to initiate a session.
type HelloPayload struct{}

// HelloAckPayload carries the server-assigned session id.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
}

// SubscribePayload names the chain to follow by its authority key identifier.
type SubscribePayload struct {
	AnchorID string `json:"anchor_id"`
}

// UnsubscribePayload names the chain to stop following.
type UnsubscribePayload struct {
	AnchorID string `json:"anchor_id"`
}

// TailFetchPayload names the chain whose tail is requested.
type TailFetchPayload struct {
	AnchorID string `json:"anchor_id"`
}

// TailPayload reports a chain's tail and length. Tail is empty for an empty chain.
// It is the payload of both subscribed and tail envelopes.
type TailPayload struct {
	AnchorID string `json:"anchor_id"`
	Tail     string `json:"tail"`
	Length   int    `json:"length"`
}

// TailNewPayload is broadcast when a record is appended to a followed chain.
type TailNewPayload struct {
	AnchorID string    `json:"anchor_id"`
	Record   string    `json:"record"`
	Kind     string    `json:"kind"`
	Position int       `json:"position"`
	Previous string    `json:"previous,omitempty"`
	ServerTS time.Time `json:"server_ts"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
