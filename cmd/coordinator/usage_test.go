package main

import (
	"testing"

	"github.com/miragelabs/mirage/shared/featureconfig"
	"github.com/urfave/cli/v2"
)

func TestAllFlagsExistInHelp(t *testing.T) {
	// If this test is failing, a flag was added to main.go without being
	// added to the flag groups in usage.go, or the other way around.
	var helpFlags []cli.Flag
	for _, group := range appHelpFlagGroups {
		helpFlags = append(helpFlags, group.Flags...)
	}

	for _, f := range featureconfig.ActiveFlags(appFlags) {
		if !doesFlagExist(f, helpFlags) {
			t.Errorf("Flag %s does not exist in help/usage flags.", f.Names()[0])
		}
	}
	for _, f := range helpFlags {
		if !doesFlagExist(f, appFlags) {
			t.Errorf("Flag %s does not exist in main.go, but exists in help flags.", f.Names()[0])
		}
	}
}

func doesFlagExist(flag cli.Flag, flags []cli.Flag) bool {
	for _, f := range flags {
		if f.Names()[0] == flag.Names()[0] {
			return true
		}
	}
	return false
}
