// Package backuputil contains the handler for taking database backups
// through the monitoring endpoint.
package backuputil

import (
	"context"
	"net/http"

	"github.com/sirupsen/logrus"
)

type backupExporter interface {
	Backup(ctx context.Context) error
}

// BackupHandler for accepting requests to initiate a new database backup.
func BackupHandler(bk backupExporter) func(http.ResponseWriter, *http.Request) {
	log := logrus.WithField("prefix", "db")
	return func(w http.ResponseWriter, _ *http.Request) {
		log.Debug("Creating database backup from request")
		if err := bk.Backup(context.Background()); err != nil {
			log.WithError(err).Errorf("Could not create backup")
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}
