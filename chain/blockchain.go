package chain

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"dpos-node/consensus"
	"dpos-node/events"
	"dpos-node/logger"
	"dpos-node/metrics"
	"dpos-node/models"
	"dpos-node/repository"

	"go.uber.org/zap"
)

var (
	ErrNotBootstrapped  = errors.New("blockchain has no genesis block")
	ErrInvalidGenesis   = errors.New("genesis block must have height 1")
	ErrGenesisMismatch  = errors.New("stored genesis block differs from configured genesis")
	ErrBlockKnown       = errors.New("block already in chain")
	ErrInvalidGenerator = errors.New("block forged by a delegate outside its slot")
)

const replayBatch = 1000

// Blockchain applies blocks strictly in height order. It owns the wallet
// state, the round state and the persisted chain.
type Blockchain struct {
	mux sync.Mutex

	blocks     repository.BlockRepositoryInterface
	wallets    *repository.WalletRepository
	state      *consensus.BlockState
	dpos       *consensus.DposRoundState
	milestones []models.Milestone
	slots      consensus.Slots
	metrics    *metrics.Metrics

	last *models.Block
}

// NewBlockchain wires a chain over blocks. dispatcher and m may be nil.
func NewBlockchain(blocks repository.BlockRepositoryInterface, milestones []models.Milestone, slots consensus.Slots, dispatcher *events.Dispatcher, m *metrics.Metrics) *Blockchain {
	wallets := repository.NewWalletRepository()
	state := consensus.NewBlockState(wallets)
	return &Blockchain{
		blocks:     blocks,
		wallets:    wallets,
		state:      state,
		dpos:       consensus.NewDposRoundState(wallets, state, milestones, dispatcher),
		milestones: milestones,
		slots:      slots,
		metrics:    m,
	}
}

// Bootstrap stores and applies genesis on an empty chain, or replays every
// stored block to rebuild wallet and round state.
func (bc *Blockchain) Bootstrap(genesis *models.Block) error {
	bc.mux.Lock()
	defer bc.mux.Unlock()

	if genesis.Height != 1 {
		return ErrInvalidGenesis
	}

	stored, err := bc.blocks.GetBlockByHeight(1)
	if errors.Is(err, repository.ErrBlockNotFound) {
		if err := bc.applyBlock(genesis); err != nil {
			return fmt.Errorf("apply genesis: %w", err)
		}
		logger.Logger.Info("Genesis block applied", zap.String("id", genesis.ID))
		return nil
	}
	if err != nil {
		return err
	}
	if stored.ID != genesis.ID {
		return fmt.Errorf("%w: stored %s, configured %s", ErrGenesisMismatch, stored.ID, genesis.ID)
	}

	start := time.Now()
	for from := uint64(1); ; from += replayBatch {
		blocks, err := bc.blocks.GetBlocks(from, replayBatch)
		if err != nil {
			return err
		}
		for _, block := range blocks {
			if bc.last != nil {
				if err := consensus.CheckChained(bc.last.Header(), block.Header(), bc.slots.SlotNumber); err != nil {
					return fmt.Errorf("replay stored chain: %w", err)
				}
			}
			if err := bc.replayBlock(block); err != nil {
				return fmt.Errorf("replay block %d: %w", block.Height, err)
			}
		}
		if len(blocks) < replayBatch {
			break
		}
	}

	logger.Logger.Info("Blockchain state rebuilt from storage",
		zap.Uint64("height", bc.last.Height),
		zap.Uint64("round", bc.dpos.Round().Round),
		zap.Int("wallets", bc.wallets.Len()),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

func (bc *Blockchain) replayBlock(block *models.Block) error {
	if err := bc.state.ApplyBlock(block); err != nil {
		return err
	}
	if err := bc.dpos.ApplyBlock(block); err != nil {
		return err
	}
	bc.setLast(block)
	return nil
}

// applyBlock applies block to wallet state, persists it and advances the round
func (bc *Blockchain) applyBlock(block *models.Block) error {
	if err := bc.state.ApplyBlock(block); err != nil {
		return err
	}
	if err := bc.blocks.PutBlock(block); err != nil {
		if rerr := bc.state.RevertBlock(block); rerr != nil {
			logger.Logger.Error("Failed to undo unpersisted block", zap.Uint64("height", block.Height), zap.Error(rerr))
		}
		return err
	}
	if err := bc.dpos.ApplyBlock(block); err != nil {
		bc.undoBlock(block)
		return err
	}
	bc.setLast(block)
	return nil
}

// undoBlock removes a block that was applied and stored but refused by the
// round state, so the tip and wallets stay where they were.
func (bc *Blockchain) undoBlock(block *models.Block) {
	if err := bc.state.RevertBlock(block); err != nil {
		logger.Logger.Error("Failed to undo refused block", zap.Uint64("height", block.Height), zap.Error(err))
	}
	if err := bc.blocks.DeleteBlocksAbove(block.Height - 1); err != nil {
		logger.Logger.Error("Failed to delete refused block", zap.Uint64("height", block.Height), zap.Error(err))
	}
}

func (bc *Blockchain) setLast(block *models.Block) {
	bc.last = block
	bc.metrics.SetHeight(block.Height)
	bc.metrics.SetRound(consensus.CalculateRound(block.Height, bc.milestones).Round)
}

// ProcessBlock validates that block extends the chain tip and applies it
func (bc *Blockchain) ProcessBlock(block *models.Block) error {
	bc.mux.Lock()
	defer bc.mux.Unlock()
	return bc.processBlock(block)
}

// ProcessBlocks applies blocks in order and stops at the first failure. It
// returns how many were applied.
func (bc *Blockchain) ProcessBlocks(blocks []*models.Block) (int, error) {
	bc.mux.Lock()
	defer bc.mux.Unlock()

	for i, block := range blocks {
		if err := bc.processBlock(block); err != nil {
			return i, err
		}
	}
	return len(blocks), nil
}

func (bc *Blockchain) processBlock(block *models.Block) error {
	if bc.last == nil {
		return ErrNotBootstrapped
	}
	if block.Height <= bc.last.Height {
		if known, err := bc.blocks.GetBlockByHeight(block.Height); err == nil && known.ID == block.ID {
			return ErrBlockKnown
		}
	}

	if err := consensus.CheckChained(bc.last.Header(), block.Header(), bc.slots.SlotNumber); err != nil {
		var linkErr *consensus.ChainLinkageError
		if errors.As(err, &linkErr) {
			bc.metrics.LinkageViolation(linkErr.Reason.String())
			logger.Logger.Warn("Block is not chained", linkErr.Fields()...)
		}
		return err
	}

	forger, err := bc.dpos.ForgerAt(bc.slots.SlotNumber(block.Timestamp))
	if err != nil {
		return err
	}
	if forger.PublicKey != block.GeneratorPublicKey {
		logger.Logger.Warn("Block forged out of turn",
			zap.Uint64("height", block.Height),
			zap.String("id", block.ID),
			zap.String("generator", block.GeneratorPublicKey),
			zap.String("expected", forger.PublicKey))
		return fmt.Errorf("%w: block %s by %s, slot belongs to %s", ErrInvalidGenerator, block.ID, block.GeneratorPublicKey, forger.PublicKey)
	}

	if err := bc.applyBlock(block); err != nil {
		return err
	}
	logger.Logger.Debug("Block applied",
		zap.Uint64("height", block.Height),
		zap.String("id", block.ID),
		zap.Int("transactions", len(block.Transactions)))
	return nil
}

// RevertTo rolls the chain back so that height becomes the tip. The genesis
// block is never reverted.
func (bc *Blockchain) RevertTo(height uint64) error {
	bc.mux.Lock()
	defer bc.mux.Unlock()

	if bc.last == nil {
		return ErrNotBootstrapped
	}
	if height < 1 {
		height = 1
	}
	if height >= bc.last.Height {
		return nil
	}
	from := bc.last.Height

	reverted, err := bc.blocks.GetBlocks(height+1, int(from-height))
	if err != nil {
		return err
	}
	tip, err := bc.blocks.GetBlockByHeight(height)
	if err != nil {
		return err
	}

	// the state after applying height is the one of the round containing height+1
	info := consensus.CalculateRound(height+1, bc.milestones)
	var roundBlocks []*models.Block
	if info.RoundHeight <= height {
		roundBlocks, err = bc.blocks.GetBlocks(info.RoundHeight, int(height-info.RoundHeight+1))
		if err != nil {
			return err
		}
	}

	if err := bc.dpos.Revert(reverted, info); err != nil {
		return fmt.Errorf("revert blocks above %d: %w", height, err)
	}

	// the active set of a round is chosen on the balances at its start
	delegates, err := bc.roundDelegates(roundBlocks, info)
	if err != nil {
		return fmt.Errorf("rebuild delegates of round %d: %w", info.Round, err)
	}
	forgedBy := make([]string, 0, len(roundBlocks))
	for _, b := range roundBlocks {
		if b.Height > 1 {
			forgedBy = append(forgedBy, b.GeneratorPublicKey)
		}
	}
	bc.dpos.RestoreRound(info, delegates, forgedBy)

	if err := bc.blocks.DeleteBlocksAbove(height); err != nil {
		return err
	}
	bc.setLast(tip)

	logger.Logger.Info("Chain reverted",
		zap.Uint64("from", from),
		zap.Uint64("to", height),
		zap.Uint64("round", info.Round))
	return nil
}

// roundDelegates replays the round's applied blocks backwards on a copy of
// the wallets and returns the delegate set the round started with.
func (bc *Blockchain) roundDelegates(roundBlocks []*models.Block, info consensus.RoundInfo) ([]*models.DelegateWallet, error) {
	clone := bc.wallets.Clone()
	previous := consensus.NewDposRoundState(clone, consensus.NewBlockState(clone), bc.milestones, nil)
	if err := previous.Revert(roundBlocks, info); err != nil {
		return nil, err
	}
	return previous.ActiveDelegates(), nil
}

// LastBlock returns the chain tip
func (bc *Blockchain) LastBlock() (*models.Block, error) {
	bc.mux.Lock()
	defer bc.mux.Unlock()
	if bc.last == nil {
		return nil, ErrNotBootstrapped
	}
	return bc.last, nil
}

// Height returns the height of the tip, zero before bootstrap
func (bc *Blockchain) Height() uint64 {
	bc.mux.Lock()
	defer bc.mux.Unlock()
	if bc.last == nil {
		return 0
	}
	return bc.last.Height
}

// BlocksFrom returns up to limit stored blocks starting at height
func (bc *Blockchain) BlocksFrom(height uint64, limit int) ([]*models.Block, error) {
	return bc.blocks.GetBlocks(height, limit)
}

// BlockByHeight returns the stored block at height
func (bc *Blockchain) BlockByHeight(height uint64) (*models.Block, error) {
	return bc.blocks.GetBlockByHeight(height)
}

// Round returns the current round and its active delegates
func (bc *Blockchain) Round() (consensus.RoundInfo, []*models.DelegateWallet) {
	return bc.dpos.Round(), bc.dpos.ActiveDelegates()
}

// Wallet returns a copy of the wallet for publicKey
func (bc *Blockchain) Wallet(publicKey string) (*models.Wallet, bool) {
	w, ok := bc.wallets.Get(publicKey)
	if !ok {
		return nil, false
	}
	return w.Copy(), true
}

// Slots returns the chain's slot clock
func (bc *Blockchain) Slots() consensus.Slots {
	return bc.slots
}

// PeerState describes our own consensus view, as served to polling peers
func (bc *Blockchain) PeerState(now time.Time) models.PeerState {
	bc.mux.Lock()
	defer bc.mux.Unlock()

	state := models.PeerState{
		CurrentSlot:    bc.slots.CurrentSlot(now),
		ForgingAllowed: bc.slots.IsForgingAllowed(bc.slots.Timestamp(now)),
	}
	if bc.last != nil {
		state.Height = bc.last.Height
		state.Header = models.StateHeader{ID: bc.last.ID}
	}
	return state
}

// ForgingAllowed reports whether network state, sampled against our current
// tip, is safe to forge on.
func (bc *Blockchain) ForgingAllowed(network consensus.NetworkState, threshold float64) bool {
	bc.mux.Lock()
	defer bc.mux.Unlock()
	if bc.last == nil || network.LastBlockID != bc.last.ID {
		return false
	}
	return network.CanForge(threshold)
}
