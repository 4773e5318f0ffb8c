package db

import (
	"os"
	"path"
	"strings"

	"github.com/miragelabs/mirage/coordinator/db/kv"
	"github.com/miragelabs/mirage/shared/cmd"
	"github.com/miragelabs/mirage/shared/fileutil"
	"github.com/miragelabs/mirage/shared/promptutil"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
)

const dbExistsYesNoPrompt = "A database file already exists in the target directory. " +
	"Are you sure that you want to overwrite it? [y/n]"

// Restore a coordinator database from a backup file.
func Restore(cliCtx *cli.Context) error {
	sourceFile := cliCtx.String(cmd.RestoreSourceFileFlag.Name)
	targetDir := cliCtx.String(cmd.RestoreTargetDirFlag.Name)

	restoreDir := path.Join(targetDir, kv.CoordinatorDbDirName)
	restoreFile := path.Join(restoreDir, kv.DatabaseFileName)
	if fileutil.FileExists(restoreFile) {
		resp, err := promptutil.ValidatePrompt(
			os.Stdin, dbExistsYesNoPrompt, promptutil.ValidateYesOrNo,
		)
		if err != nil {
			return errors.Wrap(err, "could not validate choice")
		}
		if strings.EqualFold(resp, "n") {
			log.Info("Restore aborted")
			return nil
		}
	}
	if err := fileutil.MkdirAll(restoreDir); err != nil {
		return err
	}
	if err := fileutil.CopyFile(sourceFile, restoreFile); err != nil {
		return err
	}

	log.Info("Restore completed successfully")
	return nil
}
