/*
Package featureconfig defines which features are enabled for runtime
in order to selectively enable certain features to maintain a stable runtime.

The process for implementing new features using this package is as follows:
	1. Add a new CMD flag in flags.go and place it in the CoordinatorFlags list.
	2. Add a condition for the flag in ConfigureCoordinator below.
	3. Place any "new" behavior in the `if flagEnabled` statement.
	4. Place any "previous" behavior in the `else` statement.
	5. Ensure any tests using the new feature fail if the flag isn't enabled.
	5a. Use the following to enable your flag for tests:
	cfg := &featureconfig.Flags{
		DisablePeerGossip: true,
	}
	resetCfg := featureconfig.InitWithReset(cfg)
	defer resetCfg()
*/
package featureconfig

import (
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

var log = logrus.WithField("prefix", "flags")

// Flags is a struct to represent which features the daemon will perform on runtime.
type Flags struct {
	// DisablePeerGossip stops the periodic directory exchange with random
	// active peers. Entries then only arrive via registration and bootstrap.
	DisablePeerGossip bool
	// DisableStorageChallenges admits storage claimers without the blob
	// round trip. Their storage capability stays unproven.
	DisableStorageChallenges bool
	// DisablePayoutConfirmations skips rechecking settled transfers against
	// the value network.
	DisablePayoutConfirmations bool
}

var featureConfig *Flags

// Get retrieves feature config.
func Get() *Flags {
	if featureConfig == nil {
		return &Flags{}
	}
	return featureConfig
}

// Init sets the global config equal to the config that is passed in.
func Init(c *Flags) {
	featureConfig = c
}

// InitWithReset sets the global config and returns function that is used to reset configuration.
func InitWithReset(c *Flags) func() {
	resetFunc := func() {
		Init(&Flags{})
	}
	Init(c)
	return resetFunc
}

// ConfigureCoordinator sets the global config based
// on what flags are enabled for the coordinator daemon.
func ConfigureCoordinator(ctx *cli.Context) {
	complainOnDeprecatedFlags(ctx)
	cfg := &Flags{}
	if ctx.Bool(disablePeerGossipFlag.Name) {
		log.Warn("Disabled peer directory gossip")
		cfg.DisablePeerGossip = true
	}
	if ctx.Bool(disableStorageChallengesFlag.Name) {
		log.Warn("Admitting storage claimers without storage challenges")
		cfg.DisableStorageChallenges = true
	}
	if ctx.Bool(disablePayoutConfirmationsFlag.Name) {
		log.Warn("Disabled on-chain payout confirmation sweeps")
		cfg.DisablePayoutConfirmations = true
	}
	Init(cfg)
}

func complainOnDeprecatedFlags(ctx *cli.Context) {
	for _, f := range deprecatedFlags {
		if ctx.IsSet(f.Names()[0]) {
			log.Errorf("%s is deprecated and has no effect. Do not use this flag, it will be deleted soon.", f.Names()[0])
		}
	}
}
