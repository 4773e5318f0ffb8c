package db

import "github.com/miragelabs/mirage/coordinator/db/iface"

// ReadOnlyDatabase exposes the coordinator's DB read only functions for all buckets.
type ReadOnlyDatabase = iface.ReadOnlyDatabase

// WriteAccessDatabase exposes the coordinator's DB writing functions for all buckets.
type WriteAccessDatabase = iface.WriteAccessDatabase

// FullAccessDatabase exposes the coordinator's DB write and read functions for all buckets.
type FullAccessDatabase = iface.FullAccessDatabase

// Database defines the necessary methods for the coordinator's DB which may be implemented by any
// key-value or relational database in practice. This is the full database interface which should
// not be used often. Prefer a more restrictive interface in this package.
type Database = iface.Database
