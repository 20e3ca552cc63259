package consensus

import "time"

// SlotFunc maps a block timestamp to its forging slot
type SlotFunc func(timestamp uint64) uint64

// Slots divides time since the network epoch into fixed forging slots
type Slots struct {
	Epoch     time.Time
	BlockTime uint64 // seconds per slot
}

// NewSlots creates a slot clock. A zero block time is a configuration error
// and is rejected before this point.
func NewSlots(epoch time.Time, blockTime uint64) Slots {
	return Slots{Epoch: epoch, BlockTime: blockTime}
}

// Timestamp returns the number of whole seconds between the epoch and now
func (s Slots) Timestamp(now time.Time) uint64 {
	if now.Before(s.Epoch) {
		return 0
	}
	return uint64(now.Sub(s.Epoch) / time.Second)
}

// SlotNumber returns the slot containing timestamp
func (s Slots) SlotNumber(timestamp uint64) uint64 {
	return timestamp / s.BlockTime
}

// SlotTime returns the timestamp at which slot begins
func (s Slots) SlotTime(slot uint64) uint64 {
	return slot * s.BlockTime
}

// CurrentSlot returns the slot for the wall clock time now
func (s Slots) CurrentSlot(now time.Time) uint64 {
	return s.SlotNumber(s.Timestamp(now))
}

// IsForgingAllowed reports whether timestamp falls in the first half of its
// slot, leaving the second half for propagation.
func (s Slots) IsForgingAllowed(timestamp uint64) bool {
	return s.SlotNumber(timestamp) == s.SlotNumber(timestamp+s.BlockTime/2)
}
