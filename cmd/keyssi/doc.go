// Package keyssi implements the self-describing identifiers used by anchor chains.
//
// It parses authority keys, signed hash links and transfer records from their
// textual form, and provides the Ed25519 verification primitive the anchoring
// engine relies on. Parsing and verification are pure: no I/O, no global state.
//
// Signing helpers exist for tooling and tests. This package never generates or
// stores private keys.
package keyssi
