package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dpos-node/consensus"
	"dpos-node/logger"
	"dpos-node/models"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// BlockFetcher downloads a range of blocks from a peer
type BlockFetcher interface {
	Blocks(ctx context.Context, peer models.Peer, fromHeight uint64, limit int) ([]*models.Block, error)
}

// PeerSource reports what the network knows
type PeerSource interface {
	NetworkHeight() uint64
	BestPeers(n int) []models.Peer
}

// Chain is the block sink the downloader feeds
type Chain interface {
	Height() uint64
	ProcessBlocks(blocks []*models.Block) (int, error)
	RevertTo(height uint64) error
}

var (
	errEmptyChunk   = errors.New("empty chunk")
	errChunkLength  = errors.New("chunk length mismatch")
	errChunkHeights = errors.New("chunk heights not consecutive")
)

// Download defaults used when Config leaves a value unset
const (
	DefaultChunkSize         = 100
	DefaultParallelDownloads = 4
	DefaultInterval          = 8 * time.Second
)

// Config tunes the download pipeline
type Config struct {
	ChunkSize         int           `mapstructure:"chunkSize"`
	ParallelDownloads int           `mapstructure:"parallelDownloads"`
	ChunkCacheSize    int           `mapstructure:"chunkCacheSize"`
	Interval          time.Duration `mapstructure:"interval"`
	ForkRollback      uint64        `mapstructure:"forkRollback"`
}

// Downloader brings the chain up to the network height. Chunks are fetched
// concurrently from the best peers and applied strictly in height order;
// chunks that arrive ahead of a gap stay in the cache for the next pass.
type Downloader struct {
	chain   Chain
	peers   PeerSource
	fetcher BlockFetcher
	tracker *Tracker
	cache   *ChunkCache
	cfg     Config
}

// NewDownloader creates a downloader
func NewDownloader(chain Chain, peers PeerSource, fetcher BlockFetcher, tracker *Tracker, cfg Config) *Downloader {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.ParallelDownloads <= 0 {
		cfg.ParallelDownloads = DefaultParallelDownloads
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	return &Downloader{
		chain:   chain,
		peers:   peers,
		fetcher: fetcher,
		tracker: tracker,
		cache:   NewChunkCache(cfg.ChunkCacheSize),
		cfg:     cfg,
	}
}

// Sync runs download passes every interval until ctx is cancelled
func (d *Downloader) Sync(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := d.SyncOnce(ctx); err != nil && ctx.Err() == nil {
			logger.Logger.Warn("Sync pass failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// SyncOnce downloads and applies one window of chunks. It reports whether
// the chain had already reached the network height.
func (d *Downloader) SyncOnce(ctx context.Context) (bool, error) {
	height := d.chain.Height()
	networkHeight := d.peers.NetworkHeight()
	if networkHeight <= height {
		d.tracker.Reset()
		return true, nil
	}

	d.tracker.Tick(0, height)
	chunks, err := d.download(ctx, height+1, networkHeight)
	if err != nil {
		return false, err
	}

	for i, c := range chunks {
		if !d.cache.Has(c.key) {
			// a gap: later chunks wait in the cache
			break
		}
		blocks, err := d.cache.Get(c.key)
		if err != nil {
			return false, err
		}
		d.cache.Remove(c.key)

		before := d.chain.Height()
		n, err := d.chain.ProcessBlocks(blocks)
		d.tracker.Tick(uint64(n), d.chain.Height())
		if err != nil {
			return false, d.recover(before, err)
		}
		if blocks[len(blocks)-1].Height < c.end {
			// a short chunk shifts the window; parked chunks no longer align
			for _, rest := range chunks[i+1:] {
				d.cache.Remove(rest.key)
			}
			break
		}
	}
	return false, nil
}

type chunk struct {
	key        string
	start, end uint64
}

// download fetches the chunks of the window starting at from and returns
// them in height order. Chunks already cached are not fetched again. A chunk
// whose end lies past networkHeight is clamped to it.
func (d *Downloader) download(ctx context.Context, from, networkHeight uint64) ([]chunk, error) {
	peers := d.peers.BestPeers(d.cfg.ParallelDownloads)
	if len(peers) == 0 {
		return nil, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.ParallelDownloads)

	size := uint64(d.cfg.ChunkSize)
	var chunks []chunk
	for i := 0; i < d.cfg.ParallelDownloads; i++ {
		start := from + uint64(i)*size
		if start > networkHeight {
			break
		}
		c := chunk{key: ChunkKey(start, start+size-1), start: start, end: min(start+size-1, networkHeight)}
		chunks = append(chunks, c)
		if d.cache.Has(c.key) {
			continue
		}

		peer := peers[i%len(peers)]
		i := i
		g.Go(func() error {
			blocks, err := d.fetcher.Blocks(gctx, peer, c.start, d.cfg.ChunkSize)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				logger.Logger.Warn("Chunk download failed",
					zap.String("peer", peer.IP),
					zap.String("chunk", c.key),
					zap.Error(err))
				return nil
			}
			if err := validateChunk(blocks, c, i == 0); err != nil {
				logger.Logger.Debug("Peer returned no usable blocks",
					zap.String("peer", peer.IP),
					zap.String("chunk", c.key),
					zap.Error(err))
				return nil
			}
			d.cache.Set(c.key, blocks)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return chunks, nil
}

// validateChunk requires consecutive heights from the chunk start. Only the
// first chunk of a window may come back short: it is applied directly, while
// a short chunk further out would leave a hole behind it.
func validateChunk(blocks []*models.Block, c chunk, first bool) error {
	if len(blocks) == 0 {
		return errEmptyChunk
	}
	want := c.end - c.start + 1
	if uint64(len(blocks)) > want || (!first && uint64(len(blocks)) < want) {
		return fmt.Errorf("%w: got %d blocks, want %d", errChunkLength, len(blocks), want)
	}
	for i, b := range blocks {
		if b.Height != c.start+uint64(i) {
			return fmt.Errorf("%w: position %d has height %d, want %d", errChunkHeights, i, b.Height, c.start+uint64(i))
		}
	}
	return nil
}

// recover handles a chunk the chain refused. A block that does not link to
// our tip means we are on a fork: roll back and start a new session.
func (d *Downloader) recover(height uint64, err error) error {
	var linkErr *consensus.ChainLinkageError
	// a fork shows as the direct successor of our tip naming another parent
	if !errors.As(err, &linkErr) || linkErr.Reason != consensus.PreviousIDMismatch ||
		linkErr.Next.Height != linkErr.Previous.Height+1 {
		d.cache.Clear()
		return err
	}

	target := uint64(1)
	if linkErr.Previous.Height > d.cfg.ForkRollback+1 {
		target = linkErr.Previous.Height - d.cfg.ForkRollback
	}
	logger.Logger.Warn("Fork detected, rolling back",
		zap.Uint64("height", height),
		zap.Uint64("to", target),
		zap.String("our_id", linkErr.Previous.ID),
		zap.String("their_previous_block", linkErr.Next.PreviousBlock))

	d.cache.Clear()
	d.tracker.Reset()
	if rerr := d.chain.RevertTo(target); rerr != nil {
		return errors.Join(err, rerr)
	}
	return err
}
