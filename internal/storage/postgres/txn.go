package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/GothenburgBitFactory/taskchampion-sync-server/internal/model"
	"github.com/GothenburgBitFactory/taskchampion-sync-server/internal/protoerr"
)

// tx wraps one pgx.Tx, scoped to a single client for its whole lifetime.
// The pool connection backing it must not be touched after Commit; pgx
// itself enforces that by releasing the connection, so a query on a reused
// tx value fails with pgx's own error. Commit on an already closed tx
// returns protoerr.ErrTxClosed; Close on an already closed tx is a no-op.
type tx struct {
	pgxTx    pgx.Tx
	clientID uuid.UUID
	log      zerolog.Logger

	wrote     bool
	committed bool
	closed    bool
}

func (t *tx) GetClient(ctx context.Context) (*model.Client, error) {
	row := t.pgxTx.QueryRow(ctx, `
		SELECT latest_version_id, snapshot_version_id, snapshot_timestamp, snapshot_versions_since
		FROM clients WHERE client_id = $1`, t.clientID)

	var latest uuid.UUID
	var snapVersion *uuid.UUID
	var snapTS *int64
	var snapSince *int64
	if err := row.Scan(&latest, &snapVersion, &snapTS, &snapSince); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: get client: %w", err)
	}

	c := &model.Client{ID: t.clientID, LatestVersionID: latest}
	if snapVersion != nil {
		c.Snapshot = &model.Snapshot{
			VersionID:     *snapVersion,
			Timestamp:     time.Unix(*snapTS, 0).UTC(),
			VersionsSince: uint32(*snapSince),
		}
	}
	return c, nil
}

func (t *tx) NewClient(ctx context.Context, latestVersionID uuid.UUID) error {
	tag, err := t.pgxTx.Exec(ctx, `
		INSERT INTO clients (client_id, latest_version_id)
		VALUES ($1, $2)
		ON CONFLICT (client_id) DO NOTHING`, t.clientID, latestVersionID)
	if err != nil {
		return fmt.Errorf("postgres: new client: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return protoerr.ErrClientExists
	}
	t.wrote = true
	return nil
}

func (t *tx) GetVersion(ctx context.Context, versionID uuid.UUID) (*model.Version, error) {
	return t.scanVersionWhere(ctx, "version_id = $2", versionID)
}

func (t *tx) GetVersionByParent(ctx context.Context, parentVersionID uuid.UUID) (*model.Version, error) {
	return t.scanVersionWhere(ctx, "parent_version_id = $2", parentVersionID)
}

func (t *tx) scanVersionWhere(ctx context.Context, cond string, arg uuid.UUID) (*model.Version, error) {
	row := t.pgxTx.QueryRow(ctx, `
		SELECT version_id, parent_version_id, history_segment
		FROM versions WHERE client_id = $1 AND `+cond, t.clientID, arg)

	var v model.Version
	v.ClientID = t.clientID
	if err := row.Scan(&v.VersionID, &v.ParentVersionID, &v.HistorySegment); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: get version: %w", err)
	}
	return &v, nil
}

func (t *tx) AddVersion(ctx context.Context, versionID, parentVersionID uuid.UUID, historySegment []byte) error {
	// Conditional UPDATE is the compare-and-swap from spec §4.1.b: zero
	// rows affected means a concurrent writer already won the race.
	tag, err := t.pgxTx.Exec(ctx, `
		UPDATE clients SET latest_version_id = $1
		WHERE client_id = $2 AND latest_version_id = $3`,
		versionID, t.clientID, parentVersionID)
	if err != nil {
		return fmt.Errorf("postgres: add version cas: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return protoerr.ErrParentMismatch
	}

	if _, err := t.pgxTx.Exec(ctx, `
		INSERT INTO versions (client_id, version_id, parent_version_id, history_segment)
		VALUES ($1, $2, $3, $4)`,
		t.clientID, versionID, parentVersionID, historySegment); err != nil {
		if isUniqueViolation(err) {
			return protoerr.ErrVersionExists
		}
		return fmt.Errorf("postgres: insert version: %w", err)
	}

	if _, err := t.pgxTx.Exec(ctx, `
		UPDATE clients SET snapshot_versions_since = snapshot_versions_since + 1
		WHERE client_id = $1 AND snapshot_version_id IS NOT NULL`, t.clientID); err != nil {
		return fmt.Errorf("postgres: bump versions_since: %w", err)
	}

	t.wrote = true
	return nil
}

func (t *tx) SetSnapshot(ctx context.Context, snap model.Snapshot, data []byte) error {
	tag, err := t.pgxTx.Exec(ctx, `
		UPDATE clients SET
			snapshot_version_id = $1,
			snapshot_timestamp = $2,
			snapshot_versions_since = $3,
			snapshot_data = $4
		WHERE client_id = $5`,
		snap.VersionID, snap.Timestamp.Unix(), snap.VersionsSince, data, t.clientID)
	if err != nil {
		return fmt.Errorf("postgres: set snapshot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return protoerr.ErrNoSuchClient
	}
	t.wrote = true
	return nil
}

func (t *tx) GetSnapshotData(ctx context.Context, versionID uuid.UUID) ([]byte, error) {
	row := t.pgxTx.QueryRow(ctx, `
		SELECT snapshot_version_id, snapshot_data FROM clients WHERE client_id = $1`, t.clientID)

	var snapVersion *uuid.UUID
	var data []byte
	if err := row.Scan(&snapVersion, &data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, protoerr.ErrNoSuchClient
		}
		return nil, fmt.Errorf("postgres: get snapshot data: %w", err)
	}
	if snapVersion == nil || *snapVersion != versionID {
		return nil, protoerr.ErrSnapshotMismatch
	}
	return data, nil
}

func (t *tx) Commit(ctx context.Context) error {
	if t.closed {
		return protoerr.ErrTxClosed
	}
	if err := t.pgxTx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	t.committed = true
	t.closed = true
	return nil
}

func (t *tx) Close(ctx context.Context) error {
	if t.closed {
		return nil
	}
	t.closed = true
	// pgx.Tx.Rollback after a successful Commit returns pgx.ErrTxClosed,
	// which is expected and not worth surfacing; any other rollback
	// failure is logged, not returned, since Close is best-effort
	// cleanup on an already-errored path.
	if err := t.pgxTx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		t.log.Warn().Err(err).Str("client_id", t.clientID.String()).Msg("rollback failed")
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "23505"
	}
	return false
}
