package protocol

// Config holds the protocol engine's tunables (spec §4.2, §6).
type Config struct {
	// SnapshotDays (D) and SnapshotVersions (V) feed the snapshot-
	// urgency computation (spec §4.3).
	SnapshotDays     int64
	SnapshotVersions uint32

	// CreateClients, when true, makes AddVersion auto-create an unknown
	// client (spec §4.2 step 1) instead of returning NoSuchClient.
	CreateClients bool
}

// snapshotSearchLen bounds how many get_version calls AddSnapshot may
// make while walking the chain looking for the submitted version id
// (spec §4.2 "AddSnapshot", §9 "Snapshot search depth"). It is not
// configurable: changing it is a protocol-visible change.
const snapshotSearchLen = 5

// DefaultConfig returns the spec's documented defaults: 14 snapshot days,
// 100 snapshot versions, client auto-creation enabled.
func DefaultConfig() Config {
	return Config{
		SnapshotDays:     14,
		SnapshotVersions: 100,
		CreateClients:    true,
	}
}
