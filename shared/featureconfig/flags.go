package featureconfig

import (
	"reflect"

	"github.com/urfave/cli/v2"
)

var (
	disablePeerGossipFlag = &cli.BoolFlag{
		Name:  "disable-peer-gossip",
		Usage: "Disables the periodic peer directory exchange with random active peers",
	}
	disableStorageChallengesFlag = &cli.BoolFlag{
		Name:  "disable-storage-challenges",
		Usage: "Admits storage claimers without issuing the storage round trip challenge",
	}
	disablePayoutConfirmationsFlag = &cli.BoolFlag{
		Name:  "disable-payout-confirmations",
		Usage: "Disables rechecking settled payouts against the value network",
	}
)

// deprecatedBatchPayoutsFlag was replaced by --enable-payout-batching.
var deprecatedBatchPayoutsFlag = &cli.BoolFlag{
	Name:   "batch-payouts",
	Usage:  deprecatedUsage,
	Hidden: true,
}

const deprecatedUsage = "DEPRECATED. DO NOT USE."

var deprecatedFlags = []cli.Flag{
	deprecatedBatchPayoutsFlag,
}

// CoordinatorFlags contains a list of all the feature flags that apply to the coordinator daemon.
var CoordinatorFlags = append(deprecatedFlags, []cli.Flag{
	disablePeerGossipFlag,
	disableStorageChallengesFlag,
	disablePayoutConfirmationsFlag,
}...)

// ActiveFlags returns all of the flags that are not Hidden.
func ActiveFlags(flags []cli.Flag) []cli.Flag {
	visibleFlags := make([]cli.Flag, 0, len(flags))
	for _, f := range flags {
		field := reflect.Indirect(reflect.ValueOf(f)).FieldByName("Hidden")
		if !field.IsValid() || !field.Bool() {
			visibleFlags = append(visibleFlags, f)
		}
	}
	return visibleFlags
}
