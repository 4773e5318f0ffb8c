package cmd

import (
	"os"
	"strings"

	"github.com/miragelabs/mirage/shared/promptutil"
	"github.com/pkg/errors"
)

// ConfirmAction uses the passed in actionText as the confirmation text displayed in the terminal.
// The user must enter y or n to indicate whether they approve the action.
func ConfirmAction(actionText, deniedText string) (bool, error) {
	resp, err := promptutil.ValidatePrompt(os.Stdin, actionText, promptutil.ValidateYesOrNo)
	if err != nil {
		return false, errors.Wrap(err, "could not validate choice")
	}
	if strings.EqualFold(resp, "n") {
		log.Info(deniedText)
		return false, nil
	}
	return true, nil
}
