// Package slotclock implements the pure wall-clock <-> slot conversions
// shared by every component that needs to reason about beacon-chain time.
//
// Ported from original_source/src/phoenix/slot.rs: genesis constants per
// network, 12-second slot duration, round-down-and-clamp-to-zero before
// genesis, zero-padded 7-digit display.
package slotclock

import (
	"fmt"
	"time"

	"github.com/ultrasoundmoney/phoenix/internal/config"
)

const secondsPerSlot = 12

var genesisByNetwork = map[config.Network]time.Time{
	config.NetworkMainnet: mustParse("2020-12-01T12:00:23Z"),
	config.NetworkHolesky: mustParse("2023-09-28T12:00:00Z"),
	config.NetworkHoodi:   mustParse("2025-03-17T12:10:00Z"),
}

func mustParse(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t.UTC()
}

// Slot is a monotonically increasing beacon-chain slot number.
type Slot int32

// String zero-pads the slot to 7 digits, matching the original's Display impl.
func (s Slot) String() string {
	return fmt.Sprintf("%07d", int32(s))
}

// Clock converts between wall-clock time and Slot for a single network.
// Stateless and safe for concurrent use.
type Clock struct {
	genesis time.Time
}

// New returns a Clock for the given network's genesis constant.
func New(network config.Network) *Clock {
	genesis, ok := genesisByNetwork[network]
	if !ok {
		panic(fmt.Sprintf("slotclock: no genesis timestamp configured for network %s", network))
	}
	return &Clock{genesis: genesis}
}

// NowSlot returns the slot active at the current wall-clock time.
func (c *Clock) NowSlot() Slot {
	return c.SlotAt(time.Now().UTC())
}

// SlotAt rounds t down to the slot that was active at that time. Times
// before genesis clamp to slot 0.
func (c *Clock) SlotAt(t time.Time) Slot {
	if t.Before(c.genesis) {
		return 0
	}
	elapsed := t.Sub(c.genesis)
	return Slot(int32(elapsed.Seconds()) / secondsPerSlot)
}

// TimeOf returns the wall-clock start time of the given slot.
func (c *Clock) TimeOf(s Slot) time.Time {
	return c.genesis.Add(time.Duration(int64(s)*secondsPerSlot) * time.Second)
}
