package consensus

import (
	"fmt"
	"testing"

	"dpos-node/models"

	"github.com/stretchr/testify/assert"
)

var tip = models.BlockHeader{ID: "tip", Height: 100, Timestamp: 800}

const tipSlot = 100

func agreeingPeers(n int) []models.PeerState {
	peers := make([]models.PeerState, n)
	for i := range peers {
		peers[i] = models.PeerState{
			IP:             fmt.Sprintf("10.0.0.%d", i+1),
			Height:         tip.Height,
			Header:         models.StateHeader{ID: tip.ID},
			CurrentSlot:    tipSlot,
			ForgingAllowed: true,
		}
	}
	return peers
}

func TestComputeQuorum_BelowMinimumReach(t *testing.T) {
	state := ComputeQuorum(agreeingPeers(19), tip, tipSlot, DefaultMinimumNetworkReach)

	assert.Equal(t, BelowMinimumPeers, state.Status)
	assert.Zero(t, state.Quorum)
	assert.Zero(t, state.NetworkHeight)
	assert.Equal(t, 19, state.Peers)
	assert.False(t, state.CanForge(DefaultQuorumThreshold))
}

func TestComputeQuorum_AllAgree(t *testing.T) {
	state := ComputeQuorum(agreeingPeers(20), tip, tipSlot, DefaultMinimumNetworkReach)

	assert.Equal(t, Default, state.Status)
	assert.Equal(t, 1.0, state.Quorum)
	assert.Equal(t, 20, state.Agreeing)
	assert.Equal(t, uint64(100), state.NetworkHeight)
	assert.Equal(t, "tip", state.LastBlockID)
	assert.True(t, state.CanForge(DefaultQuorumThreshold))
}

func TestComputeQuorum_Disagreement(t *testing.T) {
	peers := agreeingPeers(20)
	peers[0].Header.ID = "fork"        // same height, other tip
	peers[1].CurrentSlot = tipSlot + 1 // clock skew
	peers[2].ForgingAllowed = false
	peers[3].Height = 105 // ahead
	peers[4].Height = 98  // within the elasticity window
	peers[5].Height = 97  // too far behind, ignored
	peers[6].Height = 10  // ignored

	state := ComputeQuorum(peers, tip, tipSlot, DefaultMinimumNetworkReach)

	assert.Equal(t, 13, state.Agreeing)
	assert.Equal(t, 5, state.Disagreeing)
	assert.Equal(t, 1, state.Ahead)
	assert.InDelta(t, 13.0/18.0, state.Quorum, 1e-9)
	assert.Equal(t, uint64(100), state.NetworkHeight)
	assert.True(t, state.CanForge(DefaultQuorumThreshold))
	assert.False(t, state.CanForge(0.8))
}

func TestComputeQuorum_AllIgnored(t *testing.T) {
	peers := agreeingPeers(20)
	for i := range peers {
		peers[i].Height = 50
	}
	state := ComputeQuorum(peers, tip, tipSlot, DefaultMinimumNetworkReach)

	assert.Equal(t, Default, state.Status)
	assert.Zero(t, state.Quorum)
	assert.Equal(t, uint64(50), state.NetworkHeight)
	assert.False(t, state.CanForge(DefaultQuorumThreshold))
}

func TestComputeQuorum_NetworkHeightIsMedian(t *testing.T) {
	peers := agreeingPeers(3)
	peers[0].Height = 120
	peers[1].Height = 90
	peers[2].Height = 500

	state := ComputeQuorum(peers, tip, tipSlot, 3)
	assert.Equal(t, uint64(120), state.NetworkHeight)
}
