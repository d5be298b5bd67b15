package protocol_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/GothenburgBitFactory/taskchampion-sync-server/internal/model"
	"github.com/GothenburgBitFactory/taskchampion-sync-server/internal/protocol"
	"github.com/GothenburgBitFactory/taskchampion-sync-server/internal/protoerr"
	"github.com/GothenburgBitFactory/taskchampion-sync-server/internal/storage"
	"github.com/GothenburgBitFactory/taskchampion-sync-server/internal/storage/sqlite"
)

func newTestEngine(t *testing.T, cfg protocol.Config) (*protocol.Engine, storage.Store) {
	t.Helper()
	dir, err := os.MkdirTemp("", "syncserver-engine-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	store, err := sqlite.Open(dir, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return protocol.New(store, cfg, zerolog.Nop()), store
}

// Scenario 1 (spec §8): fresh client, first version.
func TestAddVersion_FreshClientFirstVersion(t *testing.T) {
	engine, _ := newTestEngine(t, protocol.DefaultConfig())
	ctx := context.Background()
	clientID := uuid.New()

	result, urgency, err := engine.AddVersion(ctx, clientID, model.NilVersionID, []byte{3, 6, 9})
	require.NoError(t, err)
	require.True(t, result.Ok)
	require.Equal(t, protocol.UrgencyHigh, urgency)

	child, err := engine.GetChildVersion(ctx, clientID, model.NilVersionID)
	require.NoError(t, err)
	require.True(t, child.Found)
	require.Equal(t, result.NewVersionID, child.VersionID)
	require.Equal(t, model.NilVersionID, child.ParentVersionID)
	require.Equal(t, []byte{3, 6, 9}, child.HistorySegment)
}

// Scenario 2 (spec §8): conflict leaves storage unchanged.
func TestAddVersion_Conflict(t *testing.T) {
	engine, _ := newTestEngine(t, protocol.DefaultConfig())
	ctx := context.Background()
	clientID := uuid.New()

	r1, _, err := engine.AddVersion(ctx, clientID, model.NilVersionID, []byte("v1"))
	require.NoError(t, err)
	r2, _, err := engine.AddVersion(ctx, clientID, r1.NewVersionID, []byte("v2"))
	require.NoError(t, err)
	r3, _, err := engine.AddVersion(ctx, clientID, r2.NewVersionID, []byte("v3"))
	require.NoError(t, err)

	result, urgency, err := engine.AddVersion(ctx, clientID, r1.NewVersionID, []byte{3, 6, 9})
	require.NoError(t, err)
	require.True(t, result.ExpectedParent)
	require.Equal(t, r3.NewVersionID, result.ExpectedVersionID)
	require.Equal(t, protocol.UrgencyNone, urgency)

	child, err := engine.GetChildVersion(ctx, clientID, r3.NewVersionID)
	require.NoError(t, err)
	require.True(t, child.NotFound, "storage must be unchanged: no child of v3 was added")
}

// Scenario 3 (spec §8): Gone vs NotFound.
func TestGetChildVersion_GoneVsNotFound(t *testing.T) {
	engine, _ := newTestEngine(t, protocol.DefaultConfig())
	ctx := context.Background()
	clientID := uuid.New()

	r1, _, err := engine.AddVersion(ctx, clientID, model.NilVersionID, []byte("v1"))
	require.NoError(t, err)

	c1, err := engine.GetChildVersion(ctx, clientID, model.NilVersionID)
	require.NoError(t, err)
	require.True(t, c1.Found)
	require.Equal(t, r1.NewVersionID, c1.VersionID)

	c2, err := engine.GetChildVersion(ctx, clientID, r1.NewVersionID)
	require.NoError(t, err)
	require.True(t, c2.NotFound)

	c3, err := engine.GetChildVersion(ctx, clientID, uuid.New())
	require.NoError(t, err)
	require.True(t, c3.Gone)
}

// Scenario 4 (spec §8): snapshot too old is silently rejected.
func TestAddSnapshot_TooOldIsRejected(t *testing.T) {
	engine, store := newTestEngine(t, protocol.DefaultConfig())
	ctx := context.Background()
	clientID := uuid.New()

	parent := model.NilVersionID
	var first uuid.UUID
	for i := 0; i < 10; i++ {
		r, _, err := engine.AddVersion(ctx, clientID, parent, []byte("v"))
		require.NoError(t, err)
		if i == 0 {
			first = r.NewVersionID
		}
		parent = r.NewVersionID
	}

	err := engine.AddSnapshot(ctx, clientID, first, []byte{1, 2, 3})
	require.NoError(t, err)

	tx, err := store.BeginTx(ctx, clientID)
	require.NoError(t, err)
	defer tx.Close(ctx)
	c, err := tx.GetClient(ctx)
	require.NoError(t, err)
	require.Nil(t, c.Snapshot, "snapshot outside the look-back window must not be recorded")
}

// Scenario 5 (spec §8): a superseded snapshot is rejected.
func TestAddSnapshot_SupersededIsRejected(t *testing.T) {
	engine, store := newTestEngine(t, protocol.DefaultConfig())
	ctx := context.Background()
	clientID := uuid.New()

	var versions []uuid.UUID
	parent := model.NilVersionID
	for i := 0; i < 5; i++ {
		r, _, err := engine.AddVersion(ctx, clientID, parent, []byte("v"))
		require.NoError(t, err)
		versions = append(versions, r.NewVersionID)
		parent = r.NewVersionID
	}

	tx, err := store.BeginTx(ctx, clientID)
	require.NoError(t, err)
	require.NoError(t, tx.SetSnapshot(ctx, model.Snapshot{
		VersionID:     versions[2],
		Timestamp:     time.Date(2001, 9, 9, 1, 46, 40, 0, time.UTC),
		VersionsSince: 2,
	}, []byte{1, 2, 3}))
	require.NoError(t, tx.Commit(ctx))

	err = engine.AddSnapshot(ctx, clientID, versions[0], []byte{9, 9, 9})
	require.NoError(t, err)

	tx2, err := store.BeginTx(ctx, clientID)
	require.NoError(t, err)
	defer tx2.Close(ctx)
	c, err := tx2.GetClient(ctx)
	require.NoError(t, err)
	require.Equal(t, versions[2], c.Snapshot.VersionID)

	data, err := tx2.GetSnapshotData(ctx, versions[2])
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, data)
}

// Scenario 6 (spec §8): urgency by age.
func TestAddVersion_UrgencyAged(t *testing.T) {
	engine, store := newTestEngine(t, protocol.DefaultConfig())
	ctx := context.Background()
	clientID := uuid.New()

	r1, _, err := engine.AddVersion(ctx, clientID, model.NilVersionID, []byte("v1"))
	require.NoError(t, err)

	tx, err := store.BeginTx(ctx, clientID)
	require.NoError(t, err)
	require.NoError(t, tx.SetSnapshot(ctx, model.Snapshot{
		VersionID:     r1.NewVersionID,
		Timestamp:     storage.Now().Add(-50 * 24 * time.Hour),
		VersionsSince: 0,
	}, []byte("snap")))
	require.NoError(t, tx.Commit(ctx))

	_, urgency, err := engine.AddVersion(ctx, clientID, r1.NewVersionID, []byte("v2"))
	require.NoError(t, err)
	require.Equal(t, protocol.UrgencyHigh, urgency)
}

func TestGetChildVersion_NoSuchClient(t *testing.T) {
	engine, _ := newTestEngine(t, protocol.Config{CreateClients: false})
	_, err := engine.GetChildVersion(context.Background(), uuid.New(), model.NilVersionID)
	require.ErrorIs(t, err, protoerr.ErrNoSuchClient)
}

func TestAddVersion_NoAutoCreateFails(t *testing.T) {
	engine, _ := newTestEngine(t, protocol.Config{CreateClients: false})
	_, _, err := engine.AddVersion(context.Background(), uuid.New(), model.NilVersionID, []byte("x"))
	require.ErrorIs(t, err, protoerr.ErrNoSuchClient)
}

func TestAddVersion_AutoCreateOnUnknownClient(t *testing.T) {
	engine, _ := newTestEngine(t, protocol.Config{CreateClients: true, SnapshotDays: 14, SnapshotVersions: 100})
	result, _, err := engine.AddVersion(context.Background(), uuid.New(), model.NilVersionID, []byte("x"))
	require.NoError(t, err)
	require.True(t, result.Ok)
}

func TestGetSnapshot_NoSnapshotYet(t *testing.T) {
	engine, _ := newTestEngine(t, protocol.DefaultConfig())
	ctx := context.Background()
	clientID := uuid.New()
	_, _, err := engine.AddVersion(ctx, clientID, model.NilVersionID, []byte("x"))
	require.NoError(t, err)

	result, err := engine.GetSnapshot(ctx, clientID)
	require.NoError(t, err)
	require.False(t, result.Found)
}

func TestGetSnapshot_RoundTrip(t *testing.T) {
	engine, _ := newTestEngine(t, protocol.DefaultConfig())
	ctx := context.Background()
	clientID := uuid.New()
	r1, _, err := engine.AddVersion(ctx, clientID, model.NilVersionID, []byte("x"))
	require.NoError(t, err)

	require.NoError(t, engine.AddSnapshot(ctx, clientID, r1.NewVersionID, []byte("snap-bytes")))

	result, err := engine.GetSnapshot(ctx, clientID)
	require.NoError(t, err)
	require.True(t, result.Found)
	require.Equal(t, r1.NewVersionID, result.VersionID)
	require.Equal(t, []byte("snap-bytes"), result.Data)
}
