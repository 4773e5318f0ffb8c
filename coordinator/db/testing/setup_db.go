// Package testing allows for spinning up a real bolt-db
// instance for unit tests throughout the coordinator.
package testing

import (
	"context"
	"fmt"
	"os"
	"path"
	"testing"

	"github.com/miragelabs/mirage/coordinator/db"
	"github.com/miragelabs/mirage/coordinator/db/kv"
	"github.com/miragelabs/mirage/shared/rand"
	"github.com/miragelabs/mirage/shared/testutil"
)

// SetupDB instantiates and returns database backed by key value store.
func SetupDB(t testing.TB) db.Database {
	randPath := rand.NewDeterministicGenerator().Int()
	p := path.Join(testutil.TempDir(), fmt.Sprintf("/%d", randPath))
	if err := os.RemoveAll(p); err != nil {
		t.Fatalf("failed to remove directory: %v", err)
	}
	s, err := kv.NewKVStore(context.Background(), p, &kv.Config{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Fatalf("failed to close database: %v", err)
		}
		if err := os.RemoveAll(s.DatabasePath()); err != nil {
			t.Fatalf("could not remove tmp db dir: %v", err)
		}
	})
	return s
}
