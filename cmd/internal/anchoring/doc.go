// Package anchoring implements the anchor chain engine.
//
// Each authority identity owns one strictly append-only, ordered chain of version
// records. A record is admitted only when:
//   - its signature verifies under the chain's authority key over
//     [predecessor] + timestamp + (authority identifier | transfer payload), and
//   - the caller's claimed predecessor equals the chain's current tail, unless
//     that tail is a transfer record.
//
// Service is the concurrency guard: it serializes the read-compare-append cycle
// per identity inside the process. ChainStore implementations provide the
// positional append primitive (AppendAt) that catches writers outside the
// process: flock for files, a primary key for SQLite, an advisory transaction
// lock for Postgres.
//
// The store assumes writes are not torn. There is no write-ahead log and no
// checksum; each record authenticates itself through its signature only.
package anchoring
