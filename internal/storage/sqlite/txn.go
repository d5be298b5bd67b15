package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/GothenburgBitFactory/taskchampion-sync-server/internal/model"
	"github.com/GothenburgBitFactory/taskchampion-sync-server/internal/protoerr"
)

// tx is a single-client, single-connection transaction. It is never
// shared across goroutines and must not outlive one protocol operation.
type tx struct {
	conn     *sql.Conn
	clientID uuid.UUID
	log      zerolog.Logger

	wrote     bool
	committed bool
	closed    bool
}

func (t *tx) checkOpen() error {
	if t.closed {
		return protoerr.ErrTxClosed
	}
	return nil
}

func (t *tx) GetClient(ctx context.Context) (*model.Client, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}

	row := t.conn.QueryRowContext(ctx, `
		SELECT latest_version_id, snapshot_version_id, snapshot_timestamp, snapshot_versions_since
		FROM clients WHERE client_id = ?`, t.clientID.String())

	var latest string
	var snapVersion sql.NullString
	var snapTS, snapSince sql.NullInt64
	if err := row.Scan(&latest, &snapVersion, &snapTS, &snapSince); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("sqlite: get client: %w", err)
	}

	c := &model.Client{ID: t.clientID}
	latestID, err := uuid.Parse(latest)
	if err != nil {
		return nil, fmt.Errorf("sqlite: parse latest_version_id: %w", err)
	}
	c.LatestVersionID = latestID

	if snapVersion.Valid {
		vid, err := uuid.Parse(snapVersion.String)
		if err != nil {
			return nil, fmt.Errorf("sqlite: parse snapshot_version_id: %w", err)
		}
		c.Snapshot = &model.Snapshot{
			VersionID:     vid,
			Timestamp:     time.Unix(snapTS.Int64, 0).UTC(),
			VersionsSince: uint32(snapSince.Int64),
		}
	}
	return c, nil
}

func (t *tx) NewClient(ctx context.Context, latestVersionID uuid.UUID) error {
	if err := t.checkOpen(); err != nil {
		return err
	}

	res, err := t.conn.ExecContext(ctx, `
		INSERT INTO clients (client_id, latest_version_id)
		SELECT ?, ?
		WHERE NOT EXISTS (SELECT 1 FROM clients WHERE client_id = ?)`,
		t.clientID.String(), latestVersionID.String(), t.clientID.String())
	if err != nil {
		return fmt.Errorf("sqlite: new client: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: new client rows affected: %w", err)
	}
	if n == 0 {
		return protoerr.ErrClientExists
	}
	t.wrote = true
	return nil
}

func (t *tx) GetVersion(ctx context.Context, versionID uuid.UUID) (*model.Version, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}
	return t.scanVersionWhere(ctx, "version_id = ?", versionID.String())
}

func (t *tx) GetVersionByParent(ctx context.Context, parentVersionID uuid.UUID) (*model.Version, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}
	return t.scanVersionWhere(ctx, "parent_version_id = ?", parentVersionID.String())
}

func (t *tx) scanVersionWhere(ctx context.Context, cond string, arg string) (*model.Version, error) {
	row := t.conn.QueryRowContext(ctx, `
		SELECT version_id, parent_version_id, history_segment
		FROM versions WHERE client_id = ? AND `+cond, t.clientID.String(), arg)

	var vid, pid string
	var segment []byte
	if err := row.Scan(&vid, &pid, &segment); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("sqlite: get version: %w", err)
	}

	versionID, err := uuid.Parse(vid)
	if err != nil {
		return nil, fmt.Errorf("sqlite: parse version_id: %w", err)
	}
	parentID, err := uuid.Parse(pid)
	if err != nil {
		return nil, fmt.Errorf("sqlite: parse parent_version_id: %w", err)
	}

	return &model.Version{
		ClientID:        t.clientID,
		VersionID:       versionID,
		ParentVersionID: parentID,
		HistorySegment:  segment,
	}, nil
}

func (t *tx) AddVersion(ctx context.Context, versionID, parentVersionID uuid.UUID, historySegment []byte) error {
	if err := t.checkOpen(); err != nil {
		return err
	}

	// Compare-and-swap: only advance latest_version_id if it still
	// matches the parent the caller observed. The engine has usually
	// already checked this within the same transaction (spec §4.2 step
	// 2), so in normal operation this only fails under a storage bug or
	// a caller that skipped the check.
	res, err := t.conn.ExecContext(ctx, `
		UPDATE clients SET latest_version_id = ?
		WHERE client_id = ? AND latest_version_id = ?`,
		versionID.String(), t.clientID.String(), parentVersionID.String())
	if err != nil {
		return fmt.Errorf("sqlite: add version cas: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: add version rows affected: %w", err)
	}
	if n == 0 {
		return protoerr.ErrParentMismatch
	}

	if _, err := t.conn.ExecContext(ctx, `
		INSERT INTO versions (client_id, version_id, parent_version_id, history_segment)
		VALUES (?, ?, ?, ?)`,
		t.clientID.String(), versionID.String(), parentVersionID.String(), historySegment); err != nil {
		if isUniqueViolation(err) {
			return protoerr.ErrVersionExists
		}
		return fmt.Errorf("sqlite: insert version: %w", err)
	}

	if _, err := t.conn.ExecContext(ctx, `
		UPDATE clients SET snapshot_versions_since = snapshot_versions_since + 1
		WHERE client_id = ? AND snapshot_version_id IS NOT NULL`,
		t.clientID.String()); err != nil {
		return fmt.Errorf("sqlite: bump versions_since: %w", err)
	}

	t.wrote = true
	return nil
}

func (t *tx) SetSnapshot(ctx context.Context, snap model.Snapshot, data []byte) error {
	if err := t.checkOpen(); err != nil {
		return err
	}

	res, err := t.conn.ExecContext(ctx, `
		UPDATE clients SET
			snapshot_version_id = ?,
			snapshot_timestamp = ?,
			snapshot_versions_since = ?,
			snapshot_data = ?
		WHERE client_id = ?`,
		snap.VersionID.String(), snap.Timestamp.Unix(), snap.VersionsSince, data, t.clientID.String())
	if err != nil {
		return fmt.Errorf("sqlite: set snapshot: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return protoerr.ErrNoSuchClient
	}

	t.wrote = true
	return nil
}

func (t *tx) GetSnapshotData(ctx context.Context, versionID uuid.UUID) ([]byte, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}

	row := t.conn.QueryRowContext(ctx, `
		SELECT snapshot_version_id, snapshot_data FROM clients WHERE client_id = ?`,
		t.clientID.String())

	var snapVersion sql.NullString
	var data []byte
	if err := row.Scan(&snapVersion, &data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, protoerr.ErrNoSuchClient
		}
		return nil, fmt.Errorf("sqlite: get snapshot data: %w", err)
	}

	if !snapVersion.Valid || snapVersion.String != versionID.String() {
		return nil, protoerr.ErrSnapshotMismatch
	}
	return data, nil
}

func (t *tx) Commit(ctx context.Context) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	if _, err := t.conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	t.committed = true
	t.closed = true
	return t.conn.Close()
}

func (t *tx) Close(ctx context.Context) error {
	if t.closed {
		return nil
	}
	wrote := t.wrote && !t.committed
	_, _ = t.conn.ExecContext(ctx, "ROLLBACK")
	t.closed = true
	err := t.conn.Close()
	if wrote {
		// A transaction with writes that is dropped without Commit is a
		// programming bug: the caller must always reach Commit, or never
		// perform a write it doesn't intend to keep. The connection has
		// already been rolled back and released above, so the panic
		// below does not leak a held lock; it only surfaces the bug
		// loudly in tests (spec §7).
		panicOnUncommittedWrites(t.clientID)
	}
	return err
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite reports constraint violations via an error
	// string containing "UNIQUE constraint failed"; there is no typed
	// sentinel exported for it.
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
