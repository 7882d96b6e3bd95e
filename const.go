package match

const (
	// EngineVersion is the current version of the matching engine
	EngineVersion = "v2.0.0"

	// SnapshotSchemaVersion is the current version of the snapshot schema
	// Increment this when the snapshot format changes in a backward-incompatible way
	SnapshotSchemaVersion = 2

	defaultCommandBuffer = 32768
	defaultDepthLevels   = 20
)
