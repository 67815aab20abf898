// Package digest provides the hashing primitives used to derive storage names
// from anchor identities.
//
// Design goals:
//   - Stable 64-char lowercase hex output, safe as a file name on every platform.
//   - SHA3-256 by default; HMAC-SHA3-256 when a naming key is configured so that
//     directory listings do not reveal which identities are anchored.
//
// Environment:
//   - ANCHOR_STORE_NAME_KEY: when set, enables keyed naming.
package digest
