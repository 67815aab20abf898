package keyssi

import (
	"crypto/ed25519"
	"strings"
)

// AuthorityKey is a parsed authority key identifier together with its public key.
type AuthorityKey struct {
	id  Identifier
	pub ed25519.PublicKey
}

// ParseAuthorityKey parses text and requires the anchor kind.
func ParseAuthorityKey(text string) (AuthorityKey, error) {
	id, err := Parse(text)
	if err != nil {
		return AuthorityKey{}, err
	}
	if id.Kind() != KindAnchor {
		return AuthorityKey{}, parseErr(id.String(), ErrWrongKind, "want anchor, got "+id.Kind().String())
	}
	pub, err := decodePublicKey(id.specific)
	if err != nil {
		return AuthorityKey{}, parseErr(id.String(), ErrMalformed, "invalid public key")
	}
	return AuthorityKey{id: id, pub: pub}, nil
}

// NewAuthorityKey builds the authority key identifier for pub under domain.
func NewAuthorityKey(domain string, pub ed25519.PublicKey) (AuthorityKey, error) {
	if len(pub) != ed25519.PublicKeySize {
		return AuthorityKey{}, parseErr(domain, ErrMalformed, "public key size")
	}
	text := strings.Join([]string{scheme, tagAnchor, domain, b64.EncodeToString(pub), version}, sep)
	return ParseAuthorityKey(text)
}

// Identifier returns the canonical identifier string of the key.
func (k AuthorityKey) Identifier() string { return k.id.String() }

// Domain returns the key's domain.
func (k AuthorityKey) Domain() string { return k.id.Domain() }

// PublicKey returns a copy of the Ed25519 public key.
func (k AuthorityKey) PublicKey() ed25519.PublicKey {
	return append(ed25519.PublicKey(nil), k.pub...)
}

// IsZero reports whether k is the zero value.
func (k AuthorityKey) IsZero() bool { return k.id.IsZero() }

// Verify checks signature over message under this key.
func (k AuthorityKey) Verify(message, signature []byte) bool {
	return VerifySignature(k.pub, message, signature)
}

// VerifySignature is the Ed25519 verification primitive.
// Returns false for any malformed input.
func VerifySignature(pub ed25519.PublicKey, message, signature []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, message, signature)
}
