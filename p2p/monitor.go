package p2p

import (
	"context"
	"sort"
	"sync"
	"time"

	"dpos-node/consensus"
	"dpos-node/logger"
	"dpos-node/metrics"
	"dpos-node/models"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// StateFetcher polls a peer's consensus view
type StateFetcher interface {
	State(ctx context.Context, peer models.Peer) (models.PeerState, error)
}

// ChainView is what the monitor compares peers against
type ChainView interface {
	LastBlock() (*models.Block, error)
	Slots() consensus.Slots
}

// MonitorConfig tunes peer polling
type MonitorConfig struct {
	MinimumNetworkReach int
	PollConcurrency     int
	PollTimeout         time.Duration
	Interval            time.Duration
}

// Monitor periodically samples every known peer and turns the answers into
// a network state.
type Monitor struct {
	peers   *PeerList
	fetcher StateFetcher
	chain   ChainView
	cfg     MonitorConfig
	metrics *metrics.Metrics
	now     func() time.Time

	mu     sync.RWMutex
	state  consensus.NetworkState
	polled []polledPeer
}

type polledPeer struct {
	peer  models.Peer
	state models.PeerState
}

// NewMonitor creates a monitor. m may be nil.
func NewMonitor(peers *PeerList, fetcher StateFetcher, chain ChainView, cfg MonitorConfig, m *metrics.Metrics) *Monitor {
	if cfg.MinimumNetworkReach <= 0 {
		cfg.MinimumNetworkReach = consensus.DefaultMinimumNetworkReach
	}
	if cfg.PollConcurrency <= 0 {
		cfg.PollConcurrency = 16
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 3 * time.Second
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 8 * time.Second
	}
	return &Monitor{
		peers:   peers,
		fetcher: fetcher,
		chain:   chain,
		cfg:     cfg,
		metrics: m,
		now:     time.Now,
		state:   consensus.NetworkState{Status: consensus.BelowMinimumPeers},
	}
}

// Run polls every interval until ctx is cancelled
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := m.Poll(ctx); err != nil && ctx.Err() == nil {
			logger.Logger.Warn("Peer poll failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Poll samples every known peer concurrently and computes the quorum. Peers
// that fail to answer are left out of the sample.
func (m *Monitor) Poll(ctx context.Context) (consensus.NetworkState, error) {
	last, err := m.chain.LastBlock()
	if err != nil {
		return consensus.NetworkState{}, err
	}
	peers := m.peers.All()

	var (
		mu     sync.Mutex
		polled = make([]polledPeer, 0, len(peers))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.PollConcurrency)
	for _, peer := range peers {
		peer := peer
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(gctx, m.cfg.PollTimeout)
			defer cancel()

			state, err := m.fetcher.State(pctx, peer)
			if err != nil {
				logger.Logger.Debug("Peer did not answer consensus poll",
					zap.String("peer", PeerKey(peer)), zap.Error(err))
				return nil
			}
			m.peers.SetHeight(peer, state.Height)
			mu.Lock()
			polled = append(polled, polledPeer{peer: peer, state: state})
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return consensus.NetworkState{}, err
	}
	if err := ctx.Err(); err != nil {
		return consensus.NetworkState{}, err
	}

	states := make([]models.PeerState, len(polled))
	for i, p := range polled {
		states[i] = p.state
	}
	slots := m.chain.Slots()
	state := consensus.ComputeQuorum(states, last.Header(), slots.CurrentSlot(m.now()), m.cfg.MinimumNetworkReach)

	m.mu.Lock()
	m.state = state
	m.polled = polled
	m.mu.Unlock()

	m.metrics.SetNetworkState(m.NetworkHeight(), state.Quorum)
	if state.Status == consensus.BelowMinimumPeers {
		logger.Logger.Info("Not enough peers for a quorum",
			zap.Int("answered", len(states)),
			zap.Int("known", len(peers)),
			zap.Int("minimum", m.cfg.MinimumNetworkReach))
	} else {
		logger.Logger.Info("Network quorum",
			zap.Float64("quorum", state.Quorum),
			zap.Uint64("network_height", state.NetworkHeight),
			zap.Uint64("height", state.NodeHeight),
			zap.Int("agreeing", state.Agreeing),
			zap.Int("disagreeing", state.Disagreeing))
	}
	return state, nil
}

// NetworkState returns the result of the last poll
func (m *Monitor) NetworkState() consensus.NetworkState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// NetworkHeight is the median height of the peers that answered the last
// poll, whether or not they were enough for a quorum.
func (m *Monitor) NetworkHeight() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	heights := make([]uint64, len(m.polled))
	for i, p := range m.polled {
		heights[i] = p.state.Height
	}
	return consensus.MedianHeight(heights)
}

// BestPeers returns up to n peers of the last poll, highest first
func (m *Monitor) BestPeers(n int) []models.Peer {
	m.mu.RLock()
	polled := append([]polledPeer(nil), m.polled...)
	m.mu.RUnlock()

	sort.SliceStable(polled, func(i, j int) bool { return polled[i].state.Height > polled[j].state.Height })
	if len(polled) > n {
		polled = polled[:n]
	}
	best := make([]models.Peer, len(polled))
	for i, p := range polled {
		best[i] = p.peer
	}
	return best
}
