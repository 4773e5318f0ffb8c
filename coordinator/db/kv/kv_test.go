package kv

import (
	"context"
	"fmt"
	"os"
	"path"
	"testing"

	"github.com/miragelabs/mirage/shared/rand"
	"github.com/miragelabs/mirage/shared/testutil"
	"github.com/miragelabs/mirage/shared/testutil/require"
)

// setupDB instantiates and returns a Store instance.
func setupDB(t testing.TB) *Store {
	randPath := rand.NewDeterministicGenerator().Int()
	p := path.Join(testutil.TempDir(), fmt.Sprintf("/%d", randPath))
	require.NoError(t, os.RemoveAll(p), "Failed to remove directory")
	db, err := NewKVStore(context.Background(), p, &Config{})
	require.NoError(t, err, "Failed to instantiate DB")
	t.Cleanup(func() {
		require.NoError(t, db.Close(), "Failed to close database")
		require.NoError(t, os.RemoveAll(db.databasePath), "Failed to remove directory")
	})
	return db
}

func TestStore_DatabasePath(t *testing.T) {
	db := setupDB(t)
	require.Equal(t, true, db.DatabasePath() != "")
}

func TestStore_ClearDB(t *testing.T) {
	db := setupDB(t)
	require.NoError(t, db.ClearDB())
	_, err := os.Stat(path.Join(db.databasePath, DatabaseFileName))
	require.Equal(t, true, os.IsNotExist(err))
}
