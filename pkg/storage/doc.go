/*
Package storage persists solver run records and per-case dashboard
settings in BoltDB.

BoltStore keeps one file, <dataDir>/foamflask.db, with two buckets:

	runs      run ID (uuid)  → types.Run as JSON
	settings  case name      → types.Settings as JSON

Reads use db.View and writes db.Update, so every operation is its own ACID
transaction. Lookups of missing keys return an error wrapping ErrNotFound;
deletes of missing keys succeed.

Field and residual data are never stored here. They are always derived
from the case directory on disk and cached in memory by the aggregator.
*/
package storage
