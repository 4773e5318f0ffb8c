package slotutil

import (
	"time"

	"github.com/miragelabs/mirage/shared/params"
	"github.com/miragelabs/mirage/shared/timeutils"
)

// SlotStartTime returns the start time of the given slot in terms of its unix
// epoch value.
func SlotStartTime(genesis uint64, slot uint64) time.Time {
	duration := time.Second * time.Duration(slot*params.MirageConfig().SecondsPerSlot)
	return time.Unix(int64(genesis), 0).Add(duration)
}

// SlotsSinceGenesis returns the number of slots since the provided genesis
// time. A genesis time in the future yields slot 0.
func SlotsSinceGenesis(genesis time.Time) uint64 {
	if genesis.After(timeutils.Now()) { // Genesis has not occurred yet.
		return 0
	}
	return uint64(timeutils.Since(genesis).Seconds()) / params.MirageConfig().SecondsPerSlot
}

// CurrentSlot returns the slot for the current wall-clock time under the
// active network configuration.
func CurrentSlot() uint64 {
	genesis := time.Unix(int64(params.MirageConfig().GenesisTime), 0)
	return SlotsSinceGenesis(genesis)
}

// EpochAt returns the reward epoch that the given slot falls in.
func EpochAt(slot uint64) uint64 {
	return slot / params.MirageConfig().SlotsPerEpoch
}

// CurrentEpoch returns the reward epoch for the current wall-clock time.
func CurrentEpoch() uint64 {
	return EpochAt(CurrentSlot())
}

// EpochStartSlot returns the first slot of the given epoch.
func EpochStartSlot(epoch uint64) uint64 {
	return epoch * params.MirageConfig().SlotsPerEpoch
}

// SlotAt returns the slot that the given wall-clock time falls in.
func SlotAt(genesis uint64, t time.Time) uint64 {
	genesisTime := time.Unix(int64(genesis), 0)
	if genesisTime.After(t) {
		return 0
	}
	return uint64(t.Sub(genesisTime).Seconds()) / params.MirageConfig().SecondsPerSlot
}
