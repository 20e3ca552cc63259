package consensus

import (
	"errors"
	"fmt"

	"dpos-node/models"

	"go.uber.org/zap"
)

// ErrChainLinkage matches every ChainLinkageError
var ErrChainLinkage = errors.New("block is not chained to its parent")

// LinkageReason says which chaining rule a block broke
type LinkageReason int

const (
	PreviousIDMismatch LinkageReason = iota + 1
	HeightNotSequential
	SlotNotAfter
)

func (r LinkageReason) String() string {
	switch r {
	case PreviousIDMismatch:
		return "PreviousIdMismatch"
	case HeightNotSequential:
		return "HeightNotSequential"
	case SlotNotAfter:
		return "SlotNotAfter"
	default:
		return fmt.Sprintf("LinkageReason(%d)", int(r))
	}
}

// ChainLinkageError carries the diagnostics of a failed chaining check
type ChainLinkageError struct {
	Reason       LinkageReason
	Previous     models.BlockHeader
	Next         models.BlockHeader
	PreviousSlot uint64
	NextSlot     uint64
}

func (e *ChainLinkageError) Error() string {
	return fmt.Sprintf("block %s at height %d (slot %d) not chained to %s at height %d (slot %d): %s",
		e.Next.ID, e.Next.Height, e.NextSlot, e.Previous.ID, e.Previous.Height, e.PreviousSlot, e.Reason)
}

func (e *ChainLinkageError) Is(target error) bool {
	return target == ErrChainLinkage
}

// Fields returns the error as structured log fields
func (e *ChainLinkageError) Fields() []zap.Field {
	return []zap.Field{
		zap.Stringer("reason", e.Reason),
		zap.String("previous_id", e.Previous.ID),
		zap.Uint64("previous_height", e.Previous.Height),
		zap.Uint64("previous_slot", e.PreviousSlot),
		zap.String("next_id", e.Next.ID),
		zap.String("next_previous_block", e.Next.PreviousBlock),
		zap.Uint64("next_height", e.Next.Height),
		zap.Uint64("next_slot", e.NextSlot),
	}
}

// CheckChained returns nil when next legitimately extends previous: the id
// links, the height is sequential and the slot strictly advances.
func CheckChained(previous, next models.BlockHeader, slot SlotFunc) error {
	prevSlot, nextSlot := slot(previous.Timestamp), slot(next.Timestamp)
	linkErr := func(reason LinkageReason) error {
		return &ChainLinkageError{
			Reason:       reason,
			Previous:     previous,
			Next:         next,
			PreviousSlot: prevSlot,
			NextSlot:     nextSlot,
		}
	}

	if next.PreviousBlock != previous.ID {
		return linkErr(PreviousIDMismatch)
	}
	if next.Height != previous.Height+1 {
		return linkErr(HeightNotSequential)
	}
	if nextSlot <= prevSlot {
		return linkErr(SlotNotAfter)
	}
	return nil
}

// IsBlockChained is the boolean form of CheckChained. A non-nil log receives
// the failure reason.
func IsBlockChained(previous, next models.BlockHeader, slot SlotFunc, log *zap.Logger) bool {
	err := CheckChained(previous, next, slot)
	if err == nil {
		return true
	}
	if log != nil {
		var linkErr *ChainLinkageError
		if errors.As(err, &linkErr) {
			log.Warn("Block is not chained", linkErr.Fields()...)
		}
	}
	return false
}
