package keyssi

import (
	"crypto/ed25519"
	"encoding/base64"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	scheme  = "ssi"
	version = "v0"
	sep     = ":"

	anchorSegments = 5 // ssi:anchor:<domain>:<publicKey>:v0
	recordSegments = 7 // ssi:<kind>:<domain>:<specific>:<timestamp>:<signature>:v0
)

var (
	domainRE   = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)
	hashLinkRE = regexp.MustCompile(`^[A-Za-z0-9_-]{1,256}$`)
)

// b64 is the only binary encoding used inside identifiers.
var b64 = base64.RawURLEncoding

// Identifier is a parsed, immutable identifier. The zero value is not valid.
type Identifier struct {
	kind      Kind
	domain    string
	specific  string
	timestamp string
	signature []byte
	raw       string
}

// Parse parses the textual form of any identifier kind.
func Parse(text string) (Identifier, error) {
	s := strings.TrimSpace(text)
	if s == "" {
		return Identifier{}, parseErr(text, ErrMalformed, "empty")
	}

	parts := strings.Split(s, sep)
	if len(parts) < 2 || parts[0] != scheme {
		return Identifier{}, parseErr(s, ErrMalformed, "missing ssi prefix")
	}

	kind, err := ParseKind(parts[1])
	if err != nil {
		return Identifier{}, parseErr(s, ErrUnknownKind, parts[1])
	}

	switch kind {
	case KindAnchor:
		return parseAnchor(s, parts)
	case KindHashLink, KindTransfer:
		return parseRecord(s, kind, parts)
	default:
		return Identifier{}, parseErr(s, ErrUnknownKind, parts[1])
	}
}

func parseAnchor(s string, parts []string) (Identifier, error) {
	if len(parts) != anchorSegments {
		return Identifier{}, parseErr(s, ErrMalformed, "anchor: want 5 segments, got "+strconv.Itoa(len(parts)))
	}
	if !domainRE.MatchString(parts[2]) {
		return Identifier{}, parseErr(s, ErrMalformed, "invalid domain")
	}
	if _, err := decodePublicKey(parts[3]); err != nil {
		return Identifier{}, parseErr(s, ErrMalformed, "invalid public key")
	}
	if parts[4] != version {
		return Identifier{}, parseErr(s, ErrMalformed, "unsupported version "+parts[4])
	}

	return Identifier{
		kind:     KindAnchor,
		domain:   parts[2],
		specific: parts[3],
		raw:      s,
	}, nil
}

func parseRecord(s string, kind Kind, parts []string) (Identifier, error) {
	if len(parts) != recordSegments {
		return Identifier{}, parseErr(s, ErrMalformed, kind.String()+": want 7 segments, got "+strconv.Itoa(len(parts)))
	}
	if !domainRE.MatchString(parts[2]) {
		return Identifier{}, parseErr(s, ErrMalformed, "invalid domain")
	}

	switch kind {
	case KindHashLink:
		if !hashLinkRE.MatchString(parts[3]) {
			return Identifier{}, parseErr(s, ErrMalformed, "invalid hash link")
		}
	case KindTransfer:
		if _, err := decodePublicKey(parts[3]); err != nil {
			return Identifier{}, parseErr(s, ErrMalformed, "invalid transfer key")
		}
	}

	if !validTimestamp(parts[4]) {
		return Identifier{}, parseErr(s, ErrMalformed, "invalid timestamp")
	}

	sig, err := b64.DecodeString(parts[5])
	if err != nil || len(sig) != ed25519.SignatureSize {
		return Identifier{}, parseErr(s, ErrMalformed, "invalid signature")
	}
	if parts[6] != version {
		return Identifier{}, parseErr(s, ErrMalformed, "unsupported version "+parts[6])
	}

	return Identifier{
		kind:      kind,
		domain:    parts[2],
		specific:  parts[3],
		timestamp: parts[4],
		signature: sig,
		raw:       s,
	}, nil
}

// validTimestamp accepts decimal unix milliseconds without sign or leading zeros.
func validTimestamp(ts string) bool {
	if ts == "" || (len(ts) > 1 && ts[0] == '0') {
		return false
	}
	_, err := strconv.ParseUint(ts, 10, 63)
	return err == nil
}

func decodePublicKey(s string) (ed25519.PublicKey, error) {
	b, err := b64.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, ErrMalformed
	}
	return ed25519.PublicKey(b), nil
}

// Kind returns the identifier kind.
func (id Identifier) Kind() Kind { return id.kind }

// Domain returns the domain segment.
func (id Identifier) Domain() string { return id.domain }

// Specific returns the kind-specific payload segment.
func (id Identifier) Specific() string { return id.specific }

// Timestamp returns the signed timestamp segment (empty for authority keys).
func (id Identifier) Timestamp() string { return id.timestamp }

// Time returns the timestamp as a UTC time. Zero for authority keys.
func (id Identifier) Time() time.Time {
	if id.timestamp == "" {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(id.timestamp, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// Signature returns a copy of the raw signature bytes.
func (id Identifier) Signature() []byte {
	if id.signature == nil {
		return nil
	}
	return append([]byte(nil), id.signature...)
}

// TransferPayload returns the payload a transfer record signs in place of the
// authority identifier. Empty for every other kind.
func (id Identifier) TransferPayload() string {
	if id.kind != KindTransfer {
		return ""
	}
	return id.specific
}

// TransferKey returns the public key a transfer record hands authority to.
func (id Identifier) TransferKey() (ed25519.PublicKey, bool) {
	if id.kind != KindTransfer {
		return nil, false
	}
	pub, err := decodePublicKey(id.specific)
	if err != nil {
		return nil, false
	}
	return pub, true
}

// String returns the canonical identifier string.
func (id Identifier) String() string { return id.raw }

// IsZero reports whether id is the zero value.
func (id Identifier) IsZero() bool { return id.raw == "" }

func formatRecord(kind Kind, domain, specific, ts string, sig []byte) string {
	return strings.Join([]string{
		scheme, kind.String(), domain, specific, ts, b64.EncodeToString(sig), version,
	}, sep)
}
