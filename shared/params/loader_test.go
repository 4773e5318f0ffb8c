package params

import (
	"io/ioutil"
	"testing"
)

func TestLoadConfigFile_OverwritesCorrectly(t *testing.T) {
	SetupTestConfigCleanup(t)
	file, err := ioutil.TempFile(t.TempDir(), "config*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	content := "SECONDS_PER_SLOT: 60\nPAYOUT_THRESHOLD: 25\nMIN_POOL_SIZE: 5\n"
	if _, err := file.WriteString(content); err != nil {
		t.Fatal(err)
	}
	if err := file.Close(); err != nil {
		t.Fatal(err)
	}

	LoadConfigFile(file.Name())
	if MirageConfig().SecondsPerSlot != 60 {
		t.Errorf("Expected SecondsPerSlot to be overridden to 60, found: %d", MirageConfig().SecondsPerSlot)
	}
	if MirageConfig().PayoutThreshold != 25 {
		t.Errorf("Expected PayoutThreshold to be overridden to 25, found: %f", MirageConfig().PayoutThreshold)
	}
	if MirageConfig().MinPoolSize != 5 {
		t.Errorf("Expected MinPoolSize to be overridden to 5, found: %d", MirageConfig().MinPoolSize)
	}
}

func TestLoadConfigFile_EmptyKeepsDefaults(t *testing.T) {
	SetupTestConfigCleanup(t)
	OverrideMirageConfig(MinimalSpecConfig())

	file, err := ioutil.TempFile(t.TempDir(), "config*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if err := file.Close(); err != nil {
		t.Fatal(err)
	}

	// An empty config file keeps the values already in effect.
	LoadConfigFile(file.Name())
	if MirageConfig().GenesisTime != MinimalSpecConfig().GenesisTime {
		t.Errorf("Expected GenesisTime to keep the minimal value: %d found: %d",
			MinimalSpecConfig().GenesisTime,
			MirageConfig().GenesisTime)
	}
	if MirageConfig().SlotsPerEpoch != MinimalSpecConfig().SlotsPerEpoch {
		t.Errorf("Expected SlotsPerEpoch to keep the minimal value: %d found: %d",
			MinimalSpecConfig().SlotsPerEpoch,
			MirageConfig().SlotsPerEpoch)
	}
}
