package p2p

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"dpos-node/consensus"
	"dpos-node/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var monitorEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type fakeChainView struct {
	last *models.Block
}

func (c fakeChainView) LastBlock() (*models.Block, error) { return c.last, nil }

func (c fakeChainView) Slots() consensus.Slots { return consensus.NewSlots(monitorEpoch, 8) }

type fakeStates struct {
	mu     sync.Mutex
	states map[string]models.PeerState
	polls  int
}

func (f *fakeStates) State(ctx context.Context, peer models.Peer) (models.PeerState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	s, ok := f.states[PeerKey(peer)]
	if !ok {
		return models.PeerState{}, errors.New("connection refused")
	}
	return s, nil
}

// newTestNetwork registers n peers that all report tip at height 100 in
// slot 12
func newTestNetwork(n int) (*PeerList, *fakeStates, []models.Peer) {
	list := NewPeerList(0)
	fetcher := &fakeStates{states: make(map[string]models.PeerState)}
	peers := make([]models.Peer, n)
	for i := range peers {
		peers[i] = models.Peer{IP: fmt.Sprintf("10.0.0.%d", i+1), PeerHeader: models.PeerHeader{Port: 4002}}
		list.Add(peers[i])
		fetcher.states[PeerKey(peers[i])] = models.PeerState{
			IP: peers[i].IP, Height: 100, Header: models.StateHeader{ID: "tip"}, CurrentSlot: 12, ForgingAllowed: true,
		}
	}
	return list, fetcher, peers
}

func newTestMonitor(list *PeerList, fetcher StateFetcher) *Monitor {
	chain := fakeChainView{last: &models.Block{BlockHeader: models.BlockHeader{ID: "tip", Height: 100}}}
	m := NewMonitor(list, fetcher, chain, MonitorConfig{PollTimeout: time.Second, Interval: 10 * time.Millisecond}, nil)
	m.now = func() time.Time { return monitorEpoch.Add(99 * time.Second) }
	return m
}

func TestMonitor_FullAgreement(t *testing.T) {
	list, fetcher, _ := newTestNetwork(20)
	m := newTestMonitor(list, fetcher)

	assert.Equal(t, consensus.BelowMinimumPeers, m.NetworkState().Status, "no poll yet")

	state, err := m.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, consensus.Default, state.Status)
	assert.Equal(t, 1.0, state.Quorum)
	assert.Equal(t, state, m.NetworkState())
	assert.Equal(t, uint64(100), m.NetworkHeight())

	for _, p := range list.All() {
		require.NotNil(t, p.Height)
		assert.Equal(t, uint64(100), *p.Height)
	}
}

func TestMonitor_UnreachablePeersShrinkTheSample(t *testing.T) {
	list, fetcher, peers := newTestNetwork(20)
	delete(fetcher.states, PeerKey(peers[0]))
	m := newTestMonitor(list, fetcher)

	state, err := m.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, consensus.BelowMinimumPeers, state.Status)
	assert.Equal(t, 19, state.Peers)
	assert.Zero(t, state.Quorum)
	assert.Equal(t, uint64(100), m.NetworkHeight(), "height is known without a quorum")
}

func TestMonitor_BestPeers(t *testing.T) {
	list, fetcher, peers := newTestNetwork(5)
	for i, p := range peers {
		s := fetcher.states[PeerKey(p)]
		s.Height = uint64(100 + i*10)
		fetcher.states[PeerKey(p)] = s
	}
	m := newTestMonitor(list, fetcher)
	_, err := m.Poll(context.Background())
	require.NoError(t, err)

	best := m.BestPeers(2)
	require.Len(t, best, 2)
	assert.Equal(t, peers[4], best[0])
	assert.Equal(t, peers[3], best[1])
	assert.Len(t, m.BestPeers(10), 5)
	assert.Equal(t, uint64(120), m.NetworkHeight())
}

func TestMonitor_RunStopsOnCancel(t *testing.T) {
	list, fetcher, _ := newTestNetwork(3)
	m := newTestMonitor(list, fetcher)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool {
		fetcher.mu.Lock()
		defer fetcher.mu.Unlock()
		return fetcher.polls >= 6
	}, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

type fakeAnnouncer struct {
	mu        sync.Mutex
	reachable map[string]bool
	announced []string
}

func (f *fakeAnnouncer) Header(ctx context.Context, peer models.Peer) (models.Peer, error) {
	if !f.reachable[PeerKey(peer)] {
		return models.Peer{}, errors.New("unreachable")
	}
	height := uint64(10)
	return models.Peer{IP: peer.IP, PeerHeader: models.PeerHeader{Version: "1.0.0", Port: 9999, Height: &height}}, nil
}

func (f *fakeAnnouncer) Announce(ctx context.Context, peer models.Peer, self models.PeerHeader) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.announced = append(f.announced, PeerKey(peer))
	return nil
}

func TestDiscover(t *testing.T) {
	seeds := []models.Peer{
		{IP: "10.0.0.1", PeerHeader: models.PeerHeader{Port: 4002}},
		{IP: "10.0.0.2", PeerHeader: models.PeerHeader{Port: 4002}},
	}
	client := &fakeAnnouncer{reachable: map[string]bool{"10.0.0.1:4002": true}}
	list := NewPeerList(0)

	added, err := Discover(context.Background(), client, list, seeds, models.PeerHeader{Version: "1.0.0", Port: 4010})
	require.NoError(t, err)
	assert.Equal(t, 1, added)
	assert.Equal(t, []string{"10.0.0.1:4002"}, client.announced)

	all := list.All()
	require.Len(t, all, 1)
	assert.Equal(t, 4002, all[0].Port)
	assert.Equal(t, "1.0.0", all[0].Version)
}
