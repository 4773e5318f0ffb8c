// Package kv defines a bolt-db, key-value store implementation of the
// coordinator Database interface.
package kv

import (
	"context"
	"os"
	"path"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/miragelabs/mirage/shared/cmd"
	"github.com/miragelabs/mirage/shared/params"
	gcache "github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	prombolt "github.com/prysmaticlabs/prombbolt"
	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

var log = logrus.WithField("prefix", "db")

const (
	// CoordinatorDbDirName is the name of the directory containing the coordinator database.
	CoordinatorDbDirName = "coordinatordata"
	// DatabaseFileName is the name of the coordinator database.
	DatabaseFileName = "coordinator.db"

	// Ristretto cache tuning for hot work tally rows.
	tallyCacheItems = 20000
	tallyCacheSize  = 1 << 28 // 256Mb

	// Defaults for the ephemeral KV cache; callers usually carry their own ttl.
	kvCacheExpiration = 5 * time.Minute
	kvCacheCleanup    = 10 * time.Minute
)

// Config for the bolt db kv store.
type Config struct {
	InitialMMapSize int
}

// Store defines an implementation of the coordinator Database interface
// using BoltDB as the underlying persistent kv-store.
type Store struct {
	db           *bolt.DB
	databasePath string
	tallyCache   *ristretto.Cache
	kvCache      *gcache.Cache
}

// NewKVStore initializes a new boltDB key-value store at the directory
// path specified, creates the kv-buckets based on the schema, and stores
// an open connection db object as a property of the Store struct.
func NewKVStore(ctx context.Context, dirPath string, config *Config) (*Store, error) {
	if config == nil {
		config = &Config{InitialMMapSize: cmd.Get().BoltMMapInitialSize}
	}
	if err := os.MkdirAll(dirPath, params.MirageIoConfig().ReadWriteExecutePermissions); err != nil {
		return nil, err
	}
	datafile := path.Join(dirPath, DatabaseFileName)
	boltDB, err := bolt.Open(
		datafile,
		params.MirageIoConfig().ReadWritePermissions,
		&bolt.Options{
			Timeout:         1 * time.Second,
			InitialMmapSize: config.InitialMMapSize,
		},
	)
	if err != nil {
		if errors.Is(err, bolt.ErrTimeout) {
			return nil, errors.New("cannot obtain database lock, database may be in use by another process")
		}
		return nil, err
	}

	tallyCache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: tallyCacheItems,
		MaxCost:     tallyCacheSize,
		BufferItems: 64,
	})
	if err != nil {
		return nil, errors.Wrap(err, "could not initialize tally cache")
	}

	kv := &Store{
		db:           boltDB,
		databasePath: dirPath,
		tallyCache:   tallyCache,
		kvCache:      gcache.New(kvCacheExpiration, kvCacheCleanup),
	}

	if err := kv.db.Update(func(tx *bolt.Tx) error {
		return createBuckets(
			tx,
			peersBucket,
			workProofsBucket,
			workTalliesBucket,
			poolsBucket,
			joinRequestsBucket,
			poolSyncOpsBucket,
			proposalsBucket,
			votesBucket,
			delegationsBucket,
			commentsBucket,
			voteTalliesBucket,
			flagsBucket,
			flagEventsBucket,
			flagRulesBucket,
			flagSummariesBucket,
			ownershipChallengesBucket,
			ownershipProofsBucket,
			stakeValidationsBucket,
			fraudEventsBucket,
			validationStatsBucket,
			registrationsBucket,
			registrationChallengesBucket,
			shardHostsBucket,
			shardsBucket,
			shardTasksBucket,
			maintenanceWindowsBucket,
			hostMetricsBucket,
			integrityChecksBucket,
			repairOpsBucket,
			operatorsBucket,
			syncOpsBucket,
			checkpointsBucket,
			syncConflictsBucket,
			operatorMetricsBucket,
			payoutRequestsBucket,
			payoutBatchesBucket,
			tronTxsBucket,
			// Indices buckets.
			flagNodeIndexBucket,
			challengeNodeIndexBucket,
			regChallengeIndexBucket,
			shardHostIndexBucket,
		)
	}); err != nil {
		return nil, err
	}
	err = prometheus.Register(createBoltCollector(kv.db))

	return kv, err
}

// ClearDB removes the previously stored database in the data directory.
func (s *Store) ClearDB() error {
	if _, err := os.Stat(s.databasePath); os.IsNotExist(err) {
		return nil
	}
	prometheus.Unregister(createBoltCollector(s.db))
	return os.Remove(path.Join(s.databasePath, DatabaseFileName))
}

// Close closes the underlying BoltDB database.
func (s *Store) Close() error {
	prometheus.Unregister(createBoltCollector(s.db))
	s.tallyCache.Clear()
	s.kvCache.Flush()
	return s.db.Close()
}

// DatabasePath at which this database writes files.
func (s *Store) DatabasePath() string {
	return s.databasePath
}

func createBuckets(tx *bolt.Tx, buckets ...[]byte) error {
	for _, bucket := range buckets {
		if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
			return err
		}
	}
	return nil
}

// createBoltCollector returns a prometheus collector specifically configured for boltdb.
func createBoltCollector(db *bolt.DB) prometheus.Collector {
	return prombolt.New("boltDB", db)
}
