package consensus

import (
	"sort"

	"dpos-node/models"
)

const (
	// DefaultMinimumNetworkReach is the smallest peer sample a quorum is computed on
	DefaultMinimumNetworkReach = 20

	// ElasticityWindow is how many blocks behind a peer may be and still count
	// as disagreeing rather than stale
	ElasticityWindow = 3

	// DefaultQuorumThreshold is the ratio of agreeing peers required to forge
	DefaultQuorumThreshold = 0.66
)

// NetworkStatus tells whether a NetworkState carries a usable quorum
type NetworkStatus int

const (
	// Default means the sample was large enough and Quorum is meaningful
	Default NetworkStatus = iota
	// BelowMinimumPeers means too few peers were sampled; quorum is unknown
	BelowMinimumPeers
)

func (s NetworkStatus) String() string {
	if s == BelowMinimumPeers {
		return "BelowMinimumPeers"
	}
	return "Default"
}

// NetworkState aggregates a round of peer polling
type NetworkState struct {
	Status        NetworkStatus `json:"status"`
	NodeHeight    uint64        `json:"nodeHeight"`
	LastBlockID   string        `json:"lastBlockId"`
	NetworkHeight uint64        `json:"networkHeight"`
	Quorum        float64       `json:"quorum"`
	Peers         int           `json:"peers"`
	Agreeing      int           `json:"agreeing"`
	Disagreeing   int           `json:"disagreeing"`
	Ahead         int           `json:"ahead"` // peers above our height, counted in Disagreeing
}

// CanForge reports whether the state is safe to forge on. An unknown quorum
// never is.
func (s NetworkState) CanForge(threshold float64) bool {
	return s.Status == Default && s.Quorum >= threshold
}

// ComputeQuorum compares every sampled peer with our last block. Peers at our
// height agree only when they share our tip, slot and may forge. Peers above
// us or within ElasticityWindow below us disagree; peers further behind are
// ignored.
func ComputeQuorum(peers []models.PeerState, lastBlock models.BlockHeader, currentSlot uint64, minimumNetworkReach int) NetworkState {
	state := NetworkState{
		NodeHeight:  lastBlock.Height,
		LastBlockID: lastBlock.ID,
		Peers:       len(peers),
	}
	if len(peers) < minimumNetworkReach {
		state.Status = BelowMinimumPeers
		return state
	}

	heights := make([]uint64, 0, len(peers))
	for _, peer := range peers {
		heights = append(heights, peer.Height)

		switch {
		case peer.Height == lastBlock.Height:
			if peer.Header.ID == lastBlock.ID && peer.CurrentSlot == currentSlot && peer.ForgingAllowed {
				state.Agreeing++
			} else {
				state.Disagreeing++
			}
		case peer.Height > lastBlock.Height:
			state.Ahead++
			state.Disagreeing++
		case lastBlock.Height-peer.Height < ElasticityWindow:
			state.Disagreeing++
		}
	}

	if total := state.Agreeing + state.Disagreeing; total > 0 {
		state.Quorum = float64(state.Agreeing) / float64(total)
	}
	state.NetworkHeight = MedianHeight(heights)
	return state
}

// MedianHeight returns the median of heights, sorting them in place
func MedianHeight(heights []uint64) uint64 {
	if len(heights) == 0 {
		return 0
	}
	sort.Slice(heights, func(i, j int) bool { return heights[i] < heights[j] })
	return heights[len(heights)/2]
}
