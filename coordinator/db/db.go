// Package db defines the ability to create a new database for the
// coordinator node.
package db

import (
	"context"

	"github.com/miragelabs/mirage/coordinator/db/kv"
)

// NewDB initializes a new DB.
func NewDB(ctx context.Context, dirPath string, config *kv.Config) (Database, error) {
	return kv.NewKVStore(ctx, dirPath, config)
}
