// Package protoerr holds the sync protocol's error taxonomy.
//
// The taxonomy is deliberately narrow: ErrNoSuchClient is the only case
// callers of the protocol engine branch on. The other sentinels below are
// storage-contract signals between the backends and the engine, which
// handles or wraps them itself. Every other storage failure — I/O error, lost
// connection, a serialization conflict escalated by the backing SQL
// engine — is an opaque error propagated with its wrapped chain intact.
// Resist adding finer-grained sentinel errors here; the protocol
// collapses them on purpose (see spec §7, §9 "Error opacity").
package protoerr

import "errors"

var (
	// ErrNoSuchClient is returned when a per-client transaction is opened
	// against a client identifier with no existing row.
	ErrNoSuchClient = errors.New("no such client")

	// ErrSnapshotMismatch is returned by Transaction.GetSnapshotData when
	// the requested version id does not match the client's current
	// snapshot. It is a storage-contract signal, not a protocol-level
	// outcome the engine surfaces to callers.
	ErrSnapshotMismatch = errors.New("snapshot version mismatch")

	// ErrClientExists is returned by Transaction.NewClient when the
	// client already has a row.
	ErrClientExists = errors.New("client already exists")

	// ErrVersionExists is returned by Transaction.AddVersion when a
	// version with the given id is already stored for the client.
	ErrVersionExists = errors.New("version already exists")

	// ErrParentMismatch is returned by Transaction.AddVersion when the
	// compare-and-swap on latest_version_id loses the race: some other
	// committed transaction has already advanced the chain.
	ErrParentMismatch = errors.New("parent version mismatch")

	// ErrTxClosed is returned when a transaction is used after Commit or
	// Close has already run against it. The embedded backend checks this
	// on every method; the pooled backend only on Commit.
	ErrTxClosed = errors.New("transaction already closed")
)
