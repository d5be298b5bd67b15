// Package storagetest is a shared contract test suite run against every
// storage.Store implementation, so the embedded and pooled backends are
// held to exactly the same sequential-consistency guarantees (spec
// §4.1, §8 "Universal properties"). internal/storage/sqlite and
// internal/storage/postgres each call RunContractTests from their own
// _test.go file against their own backend.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/GothenburgBitFactory/taskchampion-sync-server/internal/model"
	"github.com/GothenburgBitFactory/taskchampion-sync-server/internal/protoerr"
	"github.com/GothenburgBitFactory/taskchampion-sync-server/internal/storage"
)

// Factory builds a fresh, empty storage.Store for one subtest. The
// returned cleanup function is always called before the next Factory
// invocation.
type Factory func(t *testing.T) (store storage.Store, cleanup func())

// RunContractTests exercises the storage.Store/Transaction contract
// against a backend built by newStore.
func RunContractTests(t *testing.T, newStore Factory) {
	t.Run("NewClientThenGetClient", func(t *testing.T) { testNewClientThenGetClient(t, newStore) })
	t.Run("NewClientTwiceFails", func(t *testing.T) { testNewClientTwiceFails(t, newStore) })
	t.Run("AddVersionChainsAndCAS", func(t *testing.T) { testAddVersionChainsAndCAS(t, newStore) })
	t.Run("AddVersionVersionsSince", func(t *testing.T) { testAddVersionVersionsSince(t, newStore) })
	t.Run("SnapshotRoundTrip", func(t *testing.T) { testSnapshotRoundTrip(t, newStore) })
	t.Run("SnapshotMismatch", func(t *testing.T) { testSnapshotMismatch(t, newStore) })
	t.Run("RejectedWriteLeavesStateUnchanged", func(t *testing.T) { testRejectedWriteLeavesStateUnchanged(t, newStore) })
	t.Run("ClientIsolation", func(t *testing.T) { testClientIsolation(t, newStore) })
}

func testNewClientThenGetClient(t *testing.T, newStore Factory) {
	store, cleanup := newStore(t)
	defer cleanup()
	ctx := context.Background()
	clientID := uuid.New()

	tx, err := store.BeginTx(ctx, clientID)
	require.NoError(t, err)
	require.NoError(t, tx.NewClient(ctx, model.NilVersionID))
	require.NoError(t, tx.Commit(ctx))

	tx2, err := store.BeginTx(ctx, clientID)
	require.NoError(t, err)
	defer tx2.Close(ctx)
	c, err := tx2.GetClient(ctx)
	require.NoError(t, err)
	require.NotNil(t, c)
	require.Equal(t, model.NilVersionID, c.LatestVersionID)
	require.Nil(t, c.Snapshot)
}

func testNewClientTwiceFails(t *testing.T, newStore Factory) {
	store, cleanup := newStore(t)
	defer cleanup()
	ctx := context.Background()
	clientID := uuid.New()

	tx, err := store.BeginTx(ctx, clientID)
	require.NoError(t, err)
	require.NoError(t, tx.NewClient(ctx, model.NilVersionID))
	require.NoError(t, tx.Commit(ctx))

	tx2, err := store.BeginTx(ctx, clientID)
	require.NoError(t, err)
	defer tx2.Close(ctx)
	err = tx2.NewClient(ctx, model.NilVersionID)
	require.ErrorIs(t, err, protoerr.ErrClientExists)
}

func testAddVersionChainsAndCAS(t *testing.T, newStore Factory) {
	store, cleanup := newStore(t)
	defer cleanup()
	ctx := context.Background()
	clientID := uuid.New()

	mustNewClient(t, store, clientID)

	v1 := uuid.New()
	addAndCommit(t, store, clientID, v1, model.NilVersionID, []byte("one"))

	v2 := uuid.New()
	addAndCommit(t, store, clientID, v2, v1, []byte("two"))

	// A concurrent writer racing against an already-advanced chain loses
	// the compare-and-swap (spec §4.1 "AddVersion").
	tx, err := store.BeginTx(ctx, clientID)
	require.NoError(t, err)
	err = tx.AddVersion(ctx, uuid.New(), v1, []byte("stale"))
	require.ErrorIs(t, err, protoerr.ErrParentMismatch)
	require.NoError(t, tx.Close(ctx))

	tx2, err := store.BeginTx(ctx, clientID)
	require.NoError(t, err)
	defer tx2.Close(ctx)
	c, err := tx2.GetClient(ctx)
	require.NoError(t, err)
	require.Equal(t, v2, c.LatestVersionID)

	child, err := tx2.GetVersionByParent(ctx, v1)
	require.NoError(t, err)
	require.NotNil(t, child)
	require.Equal(t, v2, child.VersionID)
	require.Equal(t, []byte("two"), child.HistorySegment)
}

func testAddVersionVersionsSince(t *testing.T, newStore Factory) {
	store, cleanup := newStore(t)
	defer cleanup()
	ctx := context.Background()
	clientID := uuid.New()
	mustNewClient(t, store, clientID)

	v1 := uuid.New()
	addAndCommit(t, store, clientID, v1, model.NilVersionID, []byte("a"))

	tx, err := store.BeginTx(ctx, clientID)
	require.NoError(t, err)
	require.NoError(t, tx.SetSnapshot(ctx, model.Snapshot{VersionID: v1, Timestamp: time.Now().UTC(), VersionsSince: 0}, []byte("snap")))
	require.NoError(t, tx.Commit(ctx))

	v2 := uuid.New()
	addAndCommit(t, store, clientID, v2, v1, []byte("b"))
	v3 := uuid.New()
	addAndCommit(t, store, clientID, v3, v2, []byte("c"))

	tx2, err := store.BeginTx(ctx, clientID)
	require.NoError(t, err)
	defer tx2.Close(ctx)
	c, err := tx2.GetClient(ctx)
	require.NoError(t, err)
	require.NotNil(t, c.Snapshot)
	require.EqualValues(t, 2, c.Snapshot.VersionsSince)
}

func testSnapshotRoundTrip(t *testing.T, newStore Factory) {
	store, cleanup := newStore(t)
	defer cleanup()
	ctx := context.Background()
	clientID := uuid.New()
	mustNewClient(t, store, clientID)

	v1 := uuid.New()
	addAndCommit(t, store, clientID, v1, model.NilVersionID, []byte("a"))

	tx, err := store.BeginTx(ctx, clientID)
	require.NoError(t, err)
	require.NoError(t, tx.SetSnapshot(ctx, model.Snapshot{VersionID: v1, Timestamp: time.Now().UTC(), VersionsSince: 0}, []byte("bytes")))
	require.NoError(t, tx.Commit(ctx))

	tx2, err := store.BeginTx(ctx, clientID)
	require.NoError(t, err)
	defer tx2.Close(ctx)
	data, err := tx2.GetSnapshotData(ctx, v1)
	require.NoError(t, err)
	require.Equal(t, []byte("bytes"), data)
}

func testSnapshotMismatch(t *testing.T, newStore Factory) {
	store, cleanup := newStore(t)
	defer cleanup()
	ctx := context.Background()
	clientID := uuid.New()
	mustNewClient(t, store, clientID)

	v1 := uuid.New()
	addAndCommit(t, store, clientID, v1, model.NilVersionID, []byte("a"))

	tx, err := store.BeginTx(ctx, clientID)
	require.NoError(t, err)
	require.NoError(t, tx.SetSnapshot(ctx, model.Snapshot{VersionID: v1, Timestamp: time.Now().UTC()}, []byte("bytes")))
	require.NoError(t, tx.Commit(ctx))

	tx2, err := store.BeginTx(ctx, clientID)
	require.NoError(t, err)
	defer tx2.Close(ctx)
	_, err = tx2.GetSnapshotData(ctx, uuid.New())
	require.ErrorIs(t, err, protoerr.ErrSnapshotMismatch)
}

// testRejectedWriteLeavesStateUnchanged checks that a write which never
// commits because the storage layer rejected it (rather than because the
// caller dropped the transaction) leaves no trace. It deliberately avoids
// ever dropping a *successful* write without a commit: the embedded
// backend treats that specific case as a programming bug and raises a
// fatal condition (spec §7) — see sqlite's own
// TestDroppedWriteTransactionPanics for that behavior, and postgres's own
// TestDroppedWriteTransactionRollsBackSilently for the pooled backend's
// ordinary-rollback behavior instead.
func testRejectedWriteLeavesStateUnchanged(t *testing.T, newStore Factory) {
	store, cleanup := newStore(t)
	defer cleanup()
	ctx := context.Background()
	clientID := uuid.New()
	mustNewClient(t, store, clientID)

	v1 := uuid.New()
	addAndCommit(t, store, clientID, v1, model.NilVersionID, []byte("a"))

	tx, err := store.BeginTx(ctx, clientID)
	require.NoError(t, err)
	err = tx.AddVersion(ctx, uuid.New(), model.NilVersionID, []byte("stale-parent"))
	require.ErrorIs(t, err, protoerr.ErrParentMismatch)
	require.NoError(t, tx.Close(ctx))

	tx2, err := store.BeginTx(ctx, clientID)
	require.NoError(t, err)
	defer tx2.Close(ctx)
	c, err := tx2.GetClient(ctx)
	require.NoError(t, err)
	require.Equal(t, v1, c.LatestVersionID, "the rejected write must not have advanced the chain")
}

func testClientIsolation(t *testing.T, newStore Factory) {
	store, cleanup := newStore(t)
	defer cleanup()
	ctx := context.Background()
	clientA := uuid.New()
	clientB := uuid.New()
	mustNewClient(t, store, clientA)
	mustNewClient(t, store, clientB)

	vA := uuid.New()
	addAndCommit(t, store, clientA, vA, model.NilVersionID, []byte("a-only"))

	txB, err := store.BeginTx(ctx, clientB)
	require.NoError(t, err)
	defer txB.Close(ctx)
	v, err := txB.GetVersion(ctx, vA)
	require.NoError(t, err)
	require.Nil(t, v, "client B must not see client A's version")

	cB, err := txB.GetClient(ctx)
	require.NoError(t, err)
	require.Equal(t, model.NilVersionID, cB.LatestVersionID)
}

func mustNewClient(t *testing.T, store storage.Store, clientID uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	tx, err := store.BeginTx(ctx, clientID)
	require.NoError(t, err)
	require.NoError(t, tx.NewClient(ctx, model.NilVersionID))
	require.NoError(t, tx.Commit(ctx))
}

func addAndCommit(t *testing.T, store storage.Store, clientID, versionID, parentVersionID uuid.UUID, body []byte) {
	t.Helper()
	ctx := context.Background()
	tx, err := store.BeginTx(ctx, clientID)
	require.NoError(t, err)
	require.NoError(t, tx.AddVersion(ctx, versionID, parentVersionID, body))
	require.NoError(t, tx.Commit(ctx))
}
