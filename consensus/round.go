package consensus

import (
	"errors"
	"fmt"

	"dpos-node/models"
)

// ErrMalformedMilestones is wrapped by every milestone table validation failure
var ErrMalformedMilestones = errors.New("malformed milestone table")

// RoundInfo describes the round a height belongs to
type RoundInfo struct {
	Round         uint64 `json:"round"`
	RoundHeight   uint64 `json:"roundHeight"` // first height of the round
	NextRound     uint64 `json:"nextRound"`
	DelegateCount uint32 `json:"maxDelegates"`
}

// LastHeight returns the final height of the round
func (ri RoundInfo) LastHeight() uint64 {
	return ri.RoundHeight + uint64(ri.DelegateCount) - 1
}

// segment is a span of heights with a constant delegate count
type segment struct {
	start       uint64
	delegates   uint64
	priorRounds uint64
}

// segmentsOf collapses the milestone table into spans that start wherever
// activeDelegates changes.
func segmentsOf(milestones []models.Milestone) []segment {
	if len(milestones) == 0 {
		panic("consensus: round calculation requires at least one milestone")
	}

	segs := make([]segment, 0, len(milestones))
	for _, m := range milestones {
		if n := len(segs); n > 0 && segs[n-1].delegates == uint64(m.ActiveDelegates) {
			continue
		}
		seg := segment{start: m.Height, delegates: uint64(m.ActiveDelegates)}
		if n := len(segs); n > 0 {
			prev := segs[n-1]
			seg.priorRounds = prev.priorRounds + (m.Height-prev.start)/prev.delegates
		}
		segs = append(segs, seg)
	}
	return segs
}

// locate returns the segment containing height, clamping heights below the
// first milestone to it.
func locate(height uint64, segs []segment) (segment, uint64) {
	if height < segs[0].start {
		height = segs[0].start
	}
	seg := segs[0]
	for _, s := range segs[1:] {
		if s.start > height {
			break
		}
		seg = s
	}
	return seg, height
}

// IsNewRound reports whether height is the first height of a round
func IsNewRound(height uint64, milestones []models.Milestone) bool {
	seg, height := locate(height, segmentsOf(milestones))
	return (height-seg.start)%seg.delegates == 0
}

// CalculateRound maps height to its round. The milestone table must satisfy
// ValidateMilestones; misaligned tables are not corrected here.
func CalculateRound(height uint64, milestones []models.Milestone) RoundInfo {
	segs := segmentsOf(milestones)
	seg, height := locate(height, segs)

	offset := height - seg.start
	roundsIn := offset / seg.delegates

	info := RoundInfo{
		Round:         seg.priorRounds + roundsIn + 1,
		RoundHeight:   seg.start + roundsIn*seg.delegates,
		DelegateCount: uint32(seg.delegates),
	}
	info.NextRound = info.Round
	if next, _ := locate(height+1, segs); (height+1-next.start)%next.delegates == 0 {
		info.NextRound = info.Round + 1
	}
	return info
}

// ValidateMilestones checks the table once when configuration is loaded:
// non-empty, starting at height 1, strictly ascending, positive delegate
// counts, and every delegate count change aligned on a round boundary.
func ValidateMilestones(milestones []models.Milestone) error {
	if len(milestones) == 0 {
		return fmt.Errorf("%w: no milestones", ErrMalformedMilestones)
	}
	if milestones[0].Height != 1 {
		return fmt.Errorf("%w: first milestone starts at height %d, want 1", ErrMalformedMilestones, milestones[0].Height)
	}

	for i, m := range milestones {
		if m.ActiveDelegates == 0 {
			return fmt.Errorf("%w: milestone at height %d has no active delegates", ErrMalformedMilestones, m.Height)
		}
		if i > 0 && m.Height <= milestones[i-1].Height {
			return fmt.Errorf("%w: milestone heights not strictly ascending at %d", ErrMalformedMilestones, m.Height)
		}
	}

	segs := segmentsOf(milestones)
	for i := 1; i < len(segs); i++ {
		prev, cur := segs[i-1], segs[i]
		if (cur.start-prev.start)%prev.delegates != 0 {
			return fmt.Errorf("%w: delegate count change at height %d is not a round boundary (%d delegates from height %d)",
				ErrMalformedMilestones, cur.start, prev.delegates, prev.start)
		}
	}
	return nil
}
