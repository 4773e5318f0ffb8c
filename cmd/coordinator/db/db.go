// Package db defines a CLI command to interact with the coordinator database.
package db

import (
	coordinatordb "github.com/miragelabs/mirage/coordinator/db"
	"github.com/miragelabs/mirage/shared/cmd"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

var log = logrus.WithField("prefix", "db")

// DatabaseCommands for interacting with the coordinator database.
var DatabaseCommands = &cli.Command{
	Name:     "db",
	Category: "db",
	Usage:    "defines commands for interacting with the coordinator database",
	Subcommands: []*cli.Command{
		{
			Name:        "restore",
			Description: `restores a database from a backup file`,
			Flags: cmd.WrapFlags([]cli.Flag{
				cmd.RestoreSourceFileFlag,
				cmd.RestoreTargetDirFlag,
			}),
			Action: func(cliCtx *cli.Context) error {
				if err := coordinatordb.Restore(cliCtx); err != nil {
					log.WithError(err).Fatal("Could not restore database")
				}
				return nil
			},
		},
	},
}
