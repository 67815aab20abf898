package keyssi

import (
	"crypto/ed25519"
	"errors"
	"strconv"
	"strings"
	"time"
)

// SignedMessage concatenates the parts a record signature covers:
// [previous] + timestamp + suffix. previous is empty for the first record.
func SignedMessage(previous, timestamp, suffix string) []byte {
	var b strings.Builder
	b.Grow(len(previous) + len(timestamp) + len(suffix))
	b.WriteString(previous)
	b.WriteString(timestamp)
	b.WriteString(suffix)
	return []byte(b.String())
}

// FormatTimestamp renders ts the way records carry it (unix milliseconds).
func FormatTimestamp(ts time.Time) string {
	if ts.IsZero() {
		ts = time.Now()
	}
	return strconv.FormatInt(ts.UnixMilli(), 10)
}

// SignHashLink produces a hash link record that follows previous in the chain
// owned by authority. priv must belong to authority.
func SignHashLink(priv ed25519.PrivateKey, domain, hashLink, previous string, authority AuthorityKey, ts time.Time) (Identifier, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return Identifier{}, errors.New("keyssi: private key size")
	}
	stamp := FormatTimestamp(ts)
	sig := ed25519.Sign(priv, SignedMessage(previous, stamp, authority.Identifier()))
	return Parse(formatRecord(KindHashLink, domain, hashLink, stamp, sig))
}

// SignTransfer produces a transfer record handing the chain to newPub.
func SignTransfer(priv ed25519.PrivateKey, domain string, newPub ed25519.PublicKey, previous string, ts time.Time) (Identifier, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return Identifier{}, errors.New("keyssi: private key size")
	}
	if len(newPub) != ed25519.PublicKeySize {
		return Identifier{}, errors.New("keyssi: transfer key size")
	}
	stamp := FormatTimestamp(ts)
	payload := b64.EncodeToString(newPub)
	sig := ed25519.Sign(priv, SignedMessage(previous, stamp, payload))
	return Parse(formatRecord(KindTransfer, domain, payload, stamp, sig))
}

// KeyFromSeed derives an Ed25519 private key from a caller supplied base64url seed.
func KeyFromSeed(seed string) (ed25519.PrivateKey, error) {
	raw, err := b64.DecodeString(strings.TrimSpace(seed))
	if err != nil {
		return nil, errors.New("keyssi: seed is not base64url")
	}
	if len(raw) != ed25519.SeedSize {
		return nil, errors.New("keyssi: seed must be 32 bytes")
	}
	return ed25519.NewKeyFromSeed(raw), nil
}

// EncodeSeed renders a seed in the form KeyFromSeed accepts.
func EncodeSeed(priv ed25519.PrivateKey) string {
	return b64.EncodeToString(priv.Seed())
}
