// Package storage defines the storage contract the protocol engine is
// built on: a per-client transaction scope with sequential-consistency
// semantics. See internal/storage/sqlite and internal/storage/postgres
// for the two concrete backends.
//
// The contract (spec §4.1): the observable effect of any set of
// committed transactions must be equivalent to running them in some
// total serial order; uncommitted writes must never be visible to other
// transactions; transactions scoped to different client ids must be
// able to proceed fully in parallel.
package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/GothenburgBitFactory/taskchampion-sync-server/internal/model"
)

// Store is the handle the protocol engine holds for the lifetime of the
// server. It is shared read-only across concurrent operations; only
// BeginTx is ever called concurrently.
type Store interface {
	// BeginTx opens a transaction scoped to a single client. The
	// returned Transaction owns exclusive logical access to that
	// client's data until Commit or Close.
	BeginTx(ctx context.Context, clientID uuid.UUID) (Transaction, error)

	// Close releases resources held by the store (connection pool,
	// file handles). It does not touch persisted data.
	Close() error
}

// Transaction is scoped to exactly one client for its entire lifetime.
// Implementations must never accept a different client id mid-flight;
// the isolation guarantee depends on this narrow scope (spec §9).
type Transaction interface {
	// GetClient returns the client's current state, or (nil, nil) if no
	// such client exists.
	GetClient(ctx context.Context) (*model.Client, error)

	// NewClient creates a client row with the given initial latest
	// version id. Returns protoerr.ErrClientExists if the client
	// already exists.
	NewClient(ctx context.Context, latestVersionID uuid.UUID) error

	// GetVersion returns the version with the given id, or (nil, nil)
	// if absent.
	GetVersion(ctx context.Context, versionID uuid.UUID) (*model.Version, error)

	// GetVersionByParent returns the version whose ParentVersionID
	// equals parentVersionID, or (nil, nil) if none exists. At most one
	// such version can exist per client (parent uniqueness, spec §3
	// invariant 2).
	GetVersionByParent(ctx context.Context, parentVersionID uuid.UUID) (*model.Version, error)

	// AddVersion performs the compare-and-swap described in spec §4.1:
	// it succeeds only if the client's current latest_version_id equals
	// parentVersionID. On success it stores the new version, advances
	// latest_version_id, and increments snapshot.versions_since if a
	// snapshot exists. Returns protoerr.ErrParentMismatch on a lost
	// race, protoerr.ErrVersionExists if versionID is already stored.
	AddVersion(ctx context.Context, versionID, parentVersionID uuid.UUID, historySegment []byte) error

	// SetSnapshot replaces the client's snapshot metadata and bytes in
	// one atomic step, resetting versions_since to snap.VersionsSince
	// (normally zero).
	SetSnapshot(ctx context.Context, snap model.Snapshot, data []byte) error

	// GetSnapshotData returns the snapshot bytes for versionID if it
	// matches the client's current snapshot, or returns
	// protoerr.ErrSnapshotMismatch otherwise.
	GetSnapshotData(ctx context.Context, versionID uuid.UUID) ([]byte, error)

	// Commit makes all writes durable and visible to later
	// transactions. Read-only transactions need not call Commit.
	Commit(ctx context.Context) error

	// Close releases the transaction. If writes were performed and
	// Commit was never called, the implementation must leave state
	// unchanged; the embedded backend additionally panics by default
	// (suppressed only under the "production" build tag) to expose such
	// bugs in tests (spec §4.1, §7 "dropped-uncommitted-after-writes ...
	// is a programming bug").
	Close(ctx context.Context) error
}

// Now returns the current instant. Declared here, rather than called
// inline, so storage tests can hold a transaction's timestamps to a
// fixed value.
var Now = func() time.Time { return time.Now().UTC() }
