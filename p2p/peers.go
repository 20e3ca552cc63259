package p2p

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"

	"dpos-node/models"
)

// PeerKey identifies a peer by address and port
func PeerKey(peer models.Peer) string {
	return net.JoinHostPort(peer.IP, strconv.Itoa(peer.Port))
}

// ParsePeer turns a "host:port" seed address into a peer
func ParsePeer(addr string) (models.Peer, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return models.Peer{}, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return models.Peer{}, fmt.Errorf("invalid port in peer address %q", addr)
	}
	return models.Peer{IP: host, PeerHeader: models.PeerHeader{Port: port}}, nil
}

// PeerList holds the peers this node knows about
type PeerList struct {
	mu    sync.RWMutex
	max   int
	peers map[string]models.Peer
}

// NewPeerList creates a list accepting at most max peers; max <= 0 means
// unbounded.
func NewPeerList(max int) *PeerList {
	return &PeerList{max: max, peers: make(map[string]models.Peer)}
}

// Add inserts or refreshes a peer. A new peer is refused when the list is full.
func (l *PeerList) Add(peer models.Peer) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := PeerKey(peer)
	if _, ok := l.peers[key]; !ok && l.max > 0 && len(l.peers) >= l.max {
		return false
	}
	l.peers[key] = peer
	return true
}

// Remove forgets a peer
func (l *PeerList) Remove(peer models.Peer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.peers, PeerKey(peer))
}

// SetHeight records the height a peer last reported
func (l *PeerList) SetHeight(peer models.Peer, height uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := PeerKey(peer)
	p, ok := l.peers[key]
	if !ok {
		return
	}
	p.Height = &height
	l.peers[key] = p
}

// All returns the known peers ordered by address
func (l *PeerList) All() []models.Peer {
	l.mu.RLock()
	defer l.mu.RUnlock()

	peers := make([]models.Peer, 0, len(l.peers))
	for _, p := range l.peers {
		peers = append(peers, p)
	}
	sort.Slice(peers, func(i, j int) bool {
		return PeerKey(peers[i]) < PeerKey(peers[j])
	})
	return peers
}

// Len returns the number of known peers
func (l *PeerList) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.peers)
}
