// Package model holds the per-client entities the sync protocol operates
// on: Client, Snapshot, and Version. The server never interprets the
// byte payloads it carries; HistorySegment and snapshot data are opaque.
package model

import (
	"time"

	"github.com/google/uuid"
)

// NilVersionID is the sentinel "no version" identifier: the all-zero UUID.
var NilVersionID = uuid.Nil

// Client is the per-replica-group state: the tip of its version chain and,
// optionally, metadata for its most recent snapshot.
type Client struct {
	ID              uuid.UUID
	LatestVersionID uuid.UUID
	Snapshot        *Snapshot
}

// HasSnapshot reports whether the client has uploaded a snapshot.
func (c *Client) HasSnapshot() bool {
	return c != nil && c.Snapshot != nil
}

// Snapshot is metadata for a client's most recent full-state snapshot.
// The snapshot bytes themselves are stored separately by the storage
// layer and fetched via Transaction.GetSnapshotData.
type Snapshot struct {
	VersionID     uuid.UUID
	Timestamp     time.Time
	VersionsSince uint32
}

// Version is one link in a client's chain. ParentVersionID is either the
// previous version's ID or NilVersionID if this is the chain root.
type Version struct {
	ClientID        uuid.UUID
	VersionID       uuid.UUID
	ParentVersionID uuid.UUID
	HistorySegment  []byte
}
