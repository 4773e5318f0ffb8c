package kv

import (
	"context"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/miragelabs/mirage/shared/params"
	bolt "go.etcd.io/bbolt"
	"go.opencensus.io/trace"
)

const backupsDirectoryName = "backups"

// Backup the database to the datadir backup directory.
// Example for backup taken on 2021-05-03 at 09:30:00 UTC:
// $DATADIR/backups/coordinator_20210503093000.backup
func (s *Store) Backup(ctx context.Context) error {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.Backup")
	defer span.End()

	backupsDir := path.Join(s.databasePath, backupsDirectoryName)
	if err := os.MkdirAll(backupsDir, params.MirageIoConfig().ReadWriteExecutePermissions); err != nil {
		return err
	}
	backupPath := path.Join(backupsDir, fmt.Sprintf("coordinator_%s.backup", time.Now().UTC().Format("20060102150405")))
	log.WithField("backup", backupPath).Info("Writing backup database")
	if err := s.db.View(func(tx *bolt.Tx) error {
		return tx.CopyFile(backupPath, params.MirageIoConfig().ReadWritePermissions)
	}); err != nil {
		return err
	}
	info, err := os.Stat(backupPath)
	if err != nil {
		return err
	}
	log.WithField("size", humanize.Bytes(uint64(info.Size()))).Info("Backup completed")
	return nil
}
