package cmd

import (
	"github.com/miragelabs/mirage/shared/params"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

var log = logrus.WithField("prefix", "cmd")

// Flags is a struct to represent which features the client will perform on runtime.
type Flags struct {
	// MinimalConfig is set when the node runs with shortened slot durations.
	MinimalConfig bool
	// MaxPageSize defines the maximum number of records served per page from
	// listing endpoints.
	MaxPageSize int
	// BoltMMapInitialSize specifies the initial memory map size for bolt.
	BoltMMapInitialSize int
}

var sharedConfig *Flags

// Get retrieves the shared configuration.
func Get() *Flags {
	if sharedConfig == nil {
		return &Flags{
			MaxPageSize: params.MirageConfig().DefaultPageSize,
		}
	}
	return sharedConfig
}

// Init sets the global config equal to the config that is passed in.
func Init(c *Flags) {
	sharedConfig = c
}

// InitWithReset sets the global config and returns a function that restores
// the previous configuration.
func InitWithReset(c *Flags) func() {
	prev := sharedConfig
	resetFunc := func() {
		Init(prev)
	}
	Init(c)
	return resetFunc
}

// ConfigureCoordinator sets the global config based on what flags are enabled
// for the coordinator client.
func ConfigureCoordinator(ctx *cli.Context) {
	cfg := newConfig(ctx)
	if ctx.IsSet(APIMaxPageSizeFlag.Name) {
		cfg.MaxPageSize = ctx.Int(APIMaxPageSizeFlag.Name)
		log.Warnf("Starting coordinator with max page size of %d", cfg.MaxPageSize)
	}
	cfg.BoltMMapInitialSize = ctx.Int(BoltMMapInitialSizeFlag.Name)
	Init(cfg)
}

func newConfig(ctx *cli.Context) *Flags {
	cfg := Get()
	if ctx.Bool(MinimalConfigFlag.Name) {
		log.Warn("Using minimal config")
		cfg.MinimalConfig = true
		params.UseMinimalConfig()
	}
	return cfg
}
