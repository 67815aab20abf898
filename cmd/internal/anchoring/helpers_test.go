package anchoring

import (
	"crypto/ed25519"
	"testing"
	"time"

	"anchor/cmd/keyssi"
)

const testDomain = "test.domain"

type testAuthority struct {
	priv ed25519.PrivateKey
	key  keyssi.AuthorityKey
}

func newTestAuthority(t *testing.T, seedByte byte) testAuthority {
	t.Helper()

	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = seedByte
	}
	priv := ed25519.NewKeyFromSeed(seed)
	key, err := keyssi.NewAuthorityKey(testDomain, priv.Public().(ed25519.PublicKey))
	if err != nil {
		t.Fatalf("NewAuthorityKey: %v", err)
	}
	return testAuthority{priv: priv, key: key}
}

func (a testAuthority) id() string { return a.key.Identifier() }

// hashLink signs a hash link record over previous.
func (a testAuthority) hashLink(t *testing.T, brick, previous string, ms int64) string {
	t.Helper()

	rec, err := keyssi.SignHashLink(a.priv, testDomain, brick, previous, a.key, time.UnixMilli(ms))
	if err != nil {
		t.Fatalf("SignHashLink: %v", err)
	}
	return rec.String()
}

// transfer signs a transfer record handing the chain to to.
func (a testAuthority) transfer(t *testing.T, to testAuthority, previous string, ms int64) string {
	t.Helper()

	rec, err := keyssi.SignTransfer(a.priv, testDomain, to.key.PublicKey(), previous, time.UnixMilli(ms))
	if err != nil {
		t.Fatalf("SignTransfer: %v", err)
	}
	return rec.String()
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func timeAt(i int) time.Time { return time.UnixMilli(int64(1000 + i)) }
