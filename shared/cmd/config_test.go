package cmd

import (
	"flag"
	"testing"

	"github.com/miragelabs/mirage/shared/params"
	"github.com/miragelabs/mirage/shared/testutil/assert"
	"github.com/urfave/cli/v2"
)

func TestOverrideConfig(t *testing.T) {
	cfg := &Flags{
		MinimalConfig: true,
	}
	reset := InitWithReset(cfg)
	defer reset()
	c := Get()
	assert.Equal(t, true, c.MinimalConfig)
}

func TestDefaultConfig(t *testing.T) {
	cfg := &Flags{
		MaxPageSize: params.MirageConfig().DefaultPageSize,
	}
	c := Get()
	assert.DeepEqual(t, c, cfg)

	reset := InitWithReset(cfg)
	defer reset()
	c = Get()
	assert.DeepEqual(t, c, cfg)
}

func TestConfigureCoordinator(t *testing.T) {
	params.SetupTestConfigCleanup(t)
	app := cli.App{}
	set := flag.NewFlagSet("test", 0)
	set.Bool(MinimalConfigFlag.Name, true, "test")
	context := cli.NewContext(&app, set, nil)
	ConfigureCoordinator(context)
	c := Get()
	assert.Equal(t, true, c.MinimalConfig)
	if params.MirageConfig().SlotsPerEpoch != params.MinimalSpecConfig().SlotsPerEpoch {
		t.Errorf("SlotsPerEpoch in config was not set to the minimal value: %d", params.MirageConfig().SlotsPerEpoch)
	}
}
