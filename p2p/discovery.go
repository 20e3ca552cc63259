package p2p

import (
	"context"
	"sync/atomic"

	"dpos-node/logger"
	"dpos-node/models"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Announcer reaches seed peers
type Announcer interface {
	Header(ctx context.Context, peer models.Peer) (models.Peer, error)
	Announce(ctx context.Context, peer models.Peer, self models.PeerHeader) error
}

// Discover contacts every seed, adds those that answer to list and announces
// self to them. It returns how many seeds were added.
func Discover(ctx context.Context, client Announcer, list *PeerList, seeds []models.Peer, self models.PeerHeader) (int, error) {
	var added atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	for _, seed := range seeds {
		seed := seed
		g.Go(func() error {
			peer, err := client.Header(gctx, seed)
			if err != nil {
				logger.Logger.Warn("Seed peer unreachable", zap.String("peer", PeerKey(seed)), zap.Error(err))
				return nil
			}
			peer.Port = seed.Port
			if !list.Add(peer) {
				return nil
			}
			added.Add(1)
			if err := client.Announce(gctx, peer, self); err != nil {
				logger.Logger.Debug("Announce to seed failed", zap.String("peer", PeerKey(peer)), zap.Error(err))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return int(added.Load()), err
	}
	logger.Logger.Info("Peer discovery finished", zap.Int32("added", added.Load()), zap.Int("seeds", len(seeds)))
	return int(added.Load()), nil
}
