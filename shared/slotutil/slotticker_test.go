package slotutil

import (
	"testing"
	"time"
)

func TestSlotTicker(t *testing.T) {
	ticker := &SlotTicker{
		c:    make(chan uint64),
		done: make(chan struct{}),
	}
	defer ticker.Done()

	since := func(time.Time) time.Duration {
		return 5 * time.Second
	}
	until := func(time.Time) time.Duration {
		return 0
	}
	tick := make(chan time.Time)
	after := func(time.Duration) <-chan time.Time {
		return tick
	}

	// One second slots with five seconds elapsed puts the next tick at slot 6.
	ticker.start(time.Now(), 1, since, until, after)

	tick <- time.Now()
	if slot := <-ticker.C(); slot != 6 {
		t.Errorf("First tick was slot %d, want 6", slot)
	}
	tick <- time.Now()
	if slot := <-ticker.C(); slot != 7 {
		t.Errorf("Second tick was slot %d, want 7", slot)
	}
}

func TestSlotTicker_BeforeGenesis(t *testing.T) {
	ticker := &SlotTicker{
		c:    make(chan uint64),
		done: make(chan struct{}),
	}
	defer ticker.Done()

	// Genesis has not happened yet, so the first tick must be slot 0.
	since := func(time.Time) time.Duration {
		return -2 * time.Second
	}
	until := func(time.Time) time.Duration {
		return 0
	}
	tick := make(chan time.Time)
	after := func(time.Duration) <-chan time.Time {
		return tick
	}

	ticker.start(time.Now().Add(2*time.Second), 1, since, until, after)

	tick <- time.Now()
	if slot := <-ticker.C(); slot != 0 {
		t.Errorf("First tick was slot %d, want 0", slot)
	}
}
