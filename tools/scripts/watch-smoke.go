// Package main provides a CI-friendly smoke test for a running anchor server.
//
// It validates:
//   - handshake + subprotocol selection
//   - hello/ack session establishment
//   - subscribe confirmation with the current tail
//   - append over HTTP -> tail_new fanout to every watcher
//   - tail_fetch agrees with the last append
//   - a stale append is refused with 409 and produces no tail_new
package main

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"anchor/cmd/keyssi"
	v1 "anchor/shared/contracts/watch/v1"

	"github.com/coder/websocket"
)

const maxReadBytes = 1 << 20 // 1MiB

type smokeClient struct {
	name      string
	conn      *websocket.Conn
	sessionID string

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		baseURL = flag.String("url", "http://127.0.0.1:8080", "Server base URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		seed    = flag.String("seed", "", "base64url 32-byte seed of the chain owner (required)")
		domain  = flag.String("domain", "smoke", "Identifier domain")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	httpURL, wsURL, err := deriveURLs(*baseURL)
	if err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	priv := mustKey(*seed)
	key, err := keyssi.NewAuthorityKey(*domain, priv.Public().(ed25519.PublicKey))
	if err != nil {
		fatalf("authority key: %v", err)
	}
	anchorID := key.Identifier()

	root := context.Background()

	a := mustConnect(root, "A", wsURL, *origin, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", wsURL, *origin, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A=%s B=%s anchor=%s\n", a.sessionID, b.sessionID, anchorID)
	}

	tail := mustSubscribe(root, a, anchorID, *timeout)
	_ = mustSubscribe(root, b, anchorID, *timeout)

	rec, err := keyssi.SignHashLink(priv, *domain, fmt.Sprintf("smoke%d", time.Now().UnixNano()), tail.Tail, key, time.Now())
	if err != nil {
		fatalf("sign: %v", err)
	}

	status := mustAppend(root, httpURL, anchorID, rec.String(), tail.Tail, *timeout)
	if status != http.StatusCreated {
		fatalf("append: status=%d want %d", status, http.StatusCreated)
	}

	for _, c := range []*smokeClient{a, b} {
		mustAssertTailNew(root, c, anchorID, rec.String(), tail.Length, *timeout)
	}

	got := mustTailFetch(root, b, anchorID, *timeout)
	if got.Tail != rec.String() || got.Length != tail.Length+1 {
		fatalf("tail_fetch mismatch: got tail=%q length=%d", got.Tail, got.Length)
	}

	// Re-sign over the old tail; the chain has moved on so this must conflict.
	stale, err := keyssi.SignHashLink(priv, *domain, "stale", tail.Tail, key, time.Now())
	if err != nil {
		fatalf("sign stale: %v", err)
	}
	if status := mustAppend(root, httpURL, anchorID, stale.String(), tail.Tail, *timeout); status != http.StatusConflict {
		fatalf("stale append: status=%d want %d", status, http.StatusConflict)
	}

	mustAssertNoType(root, a, v1.TypeTailNew, 1200*time.Millisecond)

	fmt.Printf("OK: A=%s B=%s anchor_id=%s position=%d\n", a.sessionID, b.sessionID, anchorID, tail.Length)
}

func deriveURLs(raw string) (httpURL, wsURL string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", err
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", "", errors.New("missing host")
	}
	switch u.Scheme {
	case "http":
		return strings.TrimRight(u.String(), "/"), "ws://" + u.Host + "/ws", nil
	case "https":
		return strings.TrimRight(u.String(), "/"), "wss://" + u.Host + "/ws", nil
	default:
		return "", "", fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustKey(seed string) ed25519.PrivateKey {
	if strings.TrimSpace(seed) == "" {
		fatalf("missing -seed")
	}
	priv, err := keyssi.KeyFromSeed(seed)
	if err != nil {
		fatalf("invalid -seed: %v", err)
	}
	return priv
}

func mustConnect(parent context.Context, name, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, v1.Subprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	mustWriteWithTimeout(parent, conn, envelope(name+"-hello", v1.TypeHello, v1.HelloPayload{}), stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout)

	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal hello_ack payload (%s): %v", name, err)
	}
	if strings.TrimSpace(p.SessionID) == "" {
		fatalf("hello_ack missing session_id (%s)", name)
	}
	c.sessionID = p.SessionID

	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				c.fail(err)
				return
			}
			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				c.fail(fmt.Errorf("unsupported message type: %v", mt))
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				c.fail(fmt.Errorf("bad json: %w", err))
				return
			}
			if err := env.Validate(); err != nil {
				c.fail(fmt.Errorf("bad envelope: %w", err))
				return
			}

			select {
			case c.inbox <- env:
			default:
				c.fail(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

func (c *smokeClient) fail(err error) {
	select {
	case c.errCh <- err:
	default:
	}
}

func mustSubscribe(parent context.Context, c *smokeClient, anchorID string, stepTimeout time.Duration) v1.TailPayload {
	mustWriteWithTimeout(parent, c.conn, envelope(c.name+"-subscribe", v1.TypeSubscribe, v1.SubscribePayload{AnchorID: anchorID}), stepTimeout)

	env := c.mustReadUntilType(parent, v1.TypeSubscribed, stepTimeout)

	var p v1.TailPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal subscribed payload (%s): %v", c.name, err)
	}
	if p.AnchorID != anchorID {
		fatalf("subscribed anchor_id mismatch (%s): got=%q want=%q", c.name, p.AnchorID, anchorID)
	}
	return p
}

func mustTailFetch(parent context.Context, c *smokeClient, anchorID string, stepTimeout time.Duration) v1.TailPayload {
	mustWriteWithTimeout(parent, c.conn, envelope(c.name+"-tail", v1.TypeTailFetch, v1.TailFetchPayload{AnchorID: anchorID}), stepTimeout)

	env := c.mustReadUntilType(parent, v1.TypeTail, stepTimeout)

	var p v1.TailPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal tail payload (%s): %v", c.name, err)
	}
	return p
}

func mustAssertTailNew(parent context.Context, c *smokeClient, anchorID, record string, position int, stepTimeout time.Duration) {
	env := c.mustReadUntilType(parent, v1.TypeTailNew, stepTimeout)

	var p v1.TailNewPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal tail_new payload (%s): %v", c.name, err)
	}
	if p.AnchorID != anchorID {
		fatalf("tail_new anchor_id mismatch (%s): got=%q want=%q", c.name, p.AnchorID, anchorID)
	}
	if p.Record != record {
		fatalf("tail_new record mismatch (%s): got=%q want=%q", c.name, p.Record, record)
	}
	if p.Position != position {
		fatalf("tail_new position mismatch (%s): got=%d want=%d", c.name, p.Position, position)
	}
	if p.ServerTS.IsZero() {
		fatalf("tail_new server_ts missing/zero (%s)", c.name)
	}
}

func mustAppend(parent context.Context, baseURL, anchorID, record, previous string, stepTimeout time.Duration) int {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	body, err := json.Marshal(map[string]string{
		"authority_key": anchorID,
		"record":        record,
		"previous":      previous,
	})
	if err != nil {
		fatalf("marshal append: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/anchors/append", bytes.NewReader(body))
	if err != nil {
		fatalf("append request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("append: %v", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode
}

func mustAssertNoType(parent context.Context, c *smokeClient, forbiddenType string, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			fatalf("connection closed unexpectedly (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if env.Type == forbiddenType {
				fatalf("unexpected %s received (%s)", forbiddenType, c.name)
			}
		}
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func envelope(id, typ string, payload any) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		TS:      time.Now().UTC(),
		Payload: mustJSON(payload),
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
