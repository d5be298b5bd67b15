// Package protocol implements the four TaskChampion sync transactions
// (spec §4.2) as a stateless façade over internal/storage. The engine
// holds no lock of its own beyond whatever is implicit in an open
// transaction; the AddVersion race is decided entirely by the storage
// layer (spec §9 "Compare-and-swap without engine locks").
package protocol

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/GothenburgBitFactory/taskchampion-sync-server/internal/model"
	"github.com/GothenburgBitFactory/taskchampion-sync-server/internal/protoerr"
	"github.com/GothenburgBitFactory/taskchampion-sync-server/internal/storage"
)

// Engine is the protocol façade. It is safe for concurrent use across
// any number of goroutines and any number of distinct client ids;
// operations on different clients never contend (spec §5).
type Engine struct {
	store storage.Store
	cfg   Config
	log   zerolog.Logger
}

// New builds an Engine over the given store and configuration.
func New(store storage.Store, cfg Config, log zerolog.Logger) *Engine {
	return &Engine{store: store, cfg: cfg, log: log.With().Str("component", "protocol").Logger()}
}

// ChildResult is the structured outcome of GetChildVersion. Exactly one
// of Found, NotFound, Gone is true.
type ChildResult struct {
	Found           bool
	NotFound        bool
	Gone            bool
	VersionID       uuid.UUID
	ParentVersionID uuid.UUID
	HistorySegment  []byte
}

// GetChildVersion returns the version whose parent is parentVersionID, if
// any, distinguishing "no child yet" (NotFound) from "you're asking about
// truncated history" (Gone) per spec §4.2.
func (e *Engine) GetChildVersion(ctx context.Context, clientID, parentVersionID uuid.UUID) (ChildResult, error) {
	txn, err := e.store.BeginTx(ctx, clientID)
	if err != nil {
		return ChildResult{}, fmt.Errorf("protocol: get child version: begin tx: %w", err)
	}
	defer txn.Close(ctx)

	client, err := txn.GetClient(ctx)
	if err != nil {
		return ChildResult{}, fmt.Errorf("protocol: get child version: get client: %w", err)
	}
	if client == nil {
		return ChildResult{}, protoerr.ErrNoSuchClient
	}

	child, err := txn.GetVersionByParent(ctx, parentVersionID)
	if err != nil {
		return ChildResult{}, fmt.Errorf("protocol: get child version: get version by parent: %w", err)
	}
	if child != nil {
		return ChildResult{
			Found:           true,
			VersionID:       child.VersionID,
			ParentVersionID: child.ParentVersionID,
			HistorySegment:  child.HistorySegment,
		}, nil
	}

	if client.LatestVersionID == parentVersionID || client.LatestVersionID == model.NilVersionID {
		return ChildResult{NotFound: true}, nil
	}
	return ChildResult{Gone: true}, nil
}

// AddResult is the structured outcome of AddVersion. Exactly one of Ok,
// ExpectedParent is set.
type AddResult struct {
	Ok                bool
	NewVersionID      uuid.UUID
	ExpectedParent    bool
	ExpectedVersionID uuid.UUID
}

// AddVersion appends a new version to the client's chain if
// parentVersionID matches the chain's current tip, per spec §4.2. It
// returns the snapshot urgency computed from the client's state just
// before this call. The read-check-write happens inside a single
// transaction so that a storage-level compare-and-swap failure inside
// txn.AddVersion is, under normal operation, unreachable: the mismatch
// check below has already ruled it out within the same transaction
// (spec §4.2 step 4).
func (e *Engine) AddVersion(ctx context.Context, clientID, parentVersionID uuid.UUID, historySegment []byte) (AddResult, Urgency, error) {
	if err := e.ensureClientExists(ctx, clientID); err != nil {
		return AddResult{}, UrgencyNone, err
	}

	txn, err := e.store.BeginTx(ctx, clientID)
	if err != nil {
		return AddResult{}, UrgencyNone, fmt.Errorf("protocol: add version: begin tx: %w", err)
	}
	defer txn.Close(ctx)

	client, err := txn.GetClient(ctx)
	if err != nil {
		return AddResult{}, UrgencyNone, fmt.Errorf("protocol: add version: get client: %w", err)
	}
	if client == nil {
		return AddResult{}, UrgencyNone, protoerr.ErrNoSuchClient
	}

	if client.LatestVersionID != model.NilVersionID && parentVersionID != client.LatestVersionID {
		return AddResult{ExpectedParent: true, ExpectedVersionID: client.LatestVersionID}, UrgencyNone, nil
	}

	urgency := e.urgencyFor(client)

	newVersionID := uuid.New()
	if err := txn.AddVersion(ctx, newVersionID, parentVersionID, historySegment); err != nil {
		return AddResult{}, UrgencyNone, fmt.Errorf("protocol: add version: %w", err)
	}

	if err := txn.Commit(ctx); err != nil {
		return AddResult{}, UrgencyNone, fmt.Errorf("protocol: add version: commit: %w", err)
	}

	return AddResult{Ok: true, NewVersionID: newVersionID}, urgency, nil
}

// ensureClientExists auto-creates an unknown client in its own committed
// transaction, separate from the main read-check-write transaction
// (spec §9 "Auto-create lifecycle": keeps a schema-like operation out of
// the content-writing transaction and keeps that transaction
// idempotent). It is a no-op if the client already exists or if
// auto-create is disabled, leaving NoSuchClient detection to the caller.
func (e *Engine) ensureClientExists(ctx context.Context, clientID uuid.UUID) error {
	peekTxn, err := e.store.BeginTx(ctx, clientID)
	if err != nil {
		return fmt.Errorf("protocol: check client exists: begin tx: %w", err)
	}
	client, err := peekTxn.GetClient(ctx)
	_ = peekTxn.Close(ctx)
	if err != nil {
		return fmt.Errorf("protocol: check client exists: %w", err)
	}
	if client != nil || !e.cfg.CreateClients {
		return nil
	}

	createTxn, err := e.store.BeginTx(ctx, clientID)
	if err != nil {
		return fmt.Errorf("protocol: auto-create client: begin tx: %w", err)
	}
	defer createTxn.Close(ctx)

	if err := createTxn.NewClient(ctx, model.NilVersionID); err != nil {
		if errors.Is(err, protoerr.ErrClientExists) {
			// Lost a race with a concurrent auto-create; the client
			// exists now, which is all this step needs.
			return nil
		}
		return fmt.Errorf("protocol: auto-create client: %w", err)
	}
	return createTxn.Commit(ctx)
}

// urgencyFor computes the snapshot urgency from a client's pre-call
// snapshot state (spec §4.3). A client with no snapshot is treated as
// maximally urgent on both axes.
func (e *Engine) urgencyFor(client *model.Client) Urgency {
	if !client.HasSnapshot() {
		return UrgencyHigh
	}
	days := int64(storage.Now().Sub(client.Snapshot.Timestamp) / (24 * time.Hour))
	return maxUrgency(
		urgencyByDays(days, e.cfg.SnapshotDays),
		urgencyByVersions(client.Snapshot.VersionsSince, e.cfg.SnapshotVersions),
	)
}

// AddSnapshot accepts or silently rejects a client-submitted snapshot per
// the bounded look-back in spec §4.2. Clients cannot distinguish
// acceptance from rejection; both return nil.
func (e *Engine) AddSnapshot(ctx context.Context, clientID, versionID uuid.UUID, data []byte) error {
	txn, err := e.store.BeginTx(ctx, clientID)
	if err != nil {
		return fmt.Errorf("protocol: add snapshot: begin tx: %w", err)
	}
	defer txn.Close(ctx)

	client, err := txn.GetClient(ctx)
	if err != nil {
		return fmt.Errorf("protocol: add snapshot: get client: %w", err)
	}
	if client == nil {
		return protoerr.ErrNoSuchClient
	}

	if client.Snapshot != nil && versionID == client.Snapshot.VersionID {
		return nil
	}

	accept, err := e.shouldAcceptSnapshot(ctx, txn, client, versionID)
	if err != nil {
		return fmt.Errorf("protocol: add snapshot: walk chain: %w", err)
	}
	if !accept {
		e.log.Debug().
			Str("client_id", clientID.String()).
			Str("version_id", versionID.String()).
			Msg("snapshot rejected: outside look-back window")
		return nil
	}

	snap := model.Snapshot{VersionID: versionID, Timestamp: storage.Now(), VersionsSince: 0}
	if err := txn.SetSnapshot(ctx, snap, data); err != nil {
		return fmt.Errorf("protocol: add snapshot: set snapshot: %w", err)
	}
	return txn.Commit(ctx)
}

// shouldAcceptSnapshot walks the chain from the client's latest version
// toward the root, at most snapshotSearchLen steps, looking for
// versionID (spec §4.2 "AddSnapshot" step 3). It rejects if the walk
// reaches the existing snapshot's version first (the new snapshot would
// be older), runs out of search budget, hits the chain root, or finds a
// version missing from storage.
func (e *Engine) shouldAcceptSnapshot(ctx context.Context, txn storage.Transaction, client *model.Client, versionID uuid.UUID) (bool, error) {
	search := snapshotSearchLen
	vid := client.LatestVersionID

	for {
		if vid == versionID && versionID != model.NilVersionID {
			return true, nil
		}
		if client.Snapshot != nil && vid == client.Snapshot.VersionID {
			return false, nil
		}

		search--
		if search <= 0 || vid == model.NilVersionID {
			return false, nil
		}

		v, err := txn.GetVersion(ctx, vid)
		if err != nil {
			return false, err
		}
		if v == nil {
			return false, nil
		}
		vid = v.ParentVersionID
	}
}

// SnapshotResult is the structured outcome of GetSnapshot.
type SnapshotResult struct {
	Found     bool
	VersionID uuid.UUID
	Data      []byte
}

// GetSnapshot returns the client's current snapshot bytes, if any are
// present and still match the recorded metadata (spec §4.2).
func (e *Engine) GetSnapshot(ctx context.Context, clientID uuid.UUID) (SnapshotResult, error) {
	txn, err := e.store.BeginTx(ctx, clientID)
	if err != nil {
		return SnapshotResult{}, fmt.Errorf("protocol: get snapshot: begin tx: %w", err)
	}
	defer txn.Close(ctx)

	client, err := txn.GetClient(ctx)
	if err != nil {
		return SnapshotResult{}, fmt.Errorf("protocol: get snapshot: get client: %w", err)
	}
	if client == nil {
		return SnapshotResult{}, protoerr.ErrNoSuchClient
	}
	if !client.HasSnapshot() {
		return SnapshotResult{}, nil
	}

	data, err := txn.GetSnapshotData(ctx, client.Snapshot.VersionID)
	if err != nil {
		if errors.Is(err, protoerr.ErrSnapshotMismatch) {
			return SnapshotResult{}, nil
		}
		return SnapshotResult{}, fmt.Errorf("protocol: get snapshot: get data: %w", err)
	}

	return SnapshotResult{Found: true, VersionID: client.Snapshot.VersionID, Data: data}, nil
}
