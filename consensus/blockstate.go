package consensus

import (
	"errors"
	"fmt"
	"strings"

	"dpos-node/models"

	"github.com/holiman/uint256"
)

var (
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrUnknownDelegate      = errors.New("unknown delegate")
	ErrAlreadyDelegate      = errors.New("wallet is already a delegate")
	ErrUsernameTaken        = errors.New("delegate username already registered")
	ErrAlreadyVoted         = errors.New("wallet already votes")
	ErrNotVoted             = errors.New("wallet does not vote for this delegate")
	ErrInvalidVote          = errors.New("malformed vote")
	ErrInvalidTotalFee      = errors.New("block total fee does not match its transactions")
	ErrUnknownTransaction   = errors.New("unknown transaction type")
	ErrVoteBalanceUnderflow = errors.New("vote balance underflow")
)

// WalletStore is the wallet collaborator the block state mutates
type WalletStore interface {
	FindByPublicKey(publicKey string) *models.Wallet
	FindByUsername(username string) (*models.Wallet, bool)
	IndexUsername(username, publicKey string)
	Delegates() []*models.Wallet
}

// BlockApplier applies a block's effects to wallet state
type BlockApplier interface {
	ApplyBlock(block *models.Block) error
}

// BlockReverter undoes a block's effects on wallet state
type BlockReverter interface {
	RevertBlock(block *models.Block) error
}

// BlockState applies and reverts blocks against a WalletStore. A delegate's
// vote balance always equals the summed balances of the wallets voting for it.
type BlockState struct {
	wallets WalletStore
}

// NewBlockState creates a block state applier over wallets
func NewBlockState(wallets WalletStore) *BlockState {
	return &BlockState{wallets: wallets}
}

// ApplyBlock applies every transaction then credits the generator. A failing
// transaction rolls back the ones already applied.
func (bs *BlockState) ApplyBlock(block *models.Block) error {
	fees := new(uint256.Int)
	for _, tx := range block.Transactions {
		fees.Add(fees, uint256.NewInt(tx.Fee))
	}
	if !fees.Eq(uint256.NewInt(block.TotalFee)) {
		return fmt.Errorf("%w: block %s declares %d, transactions sum to %s", ErrInvalidTotalFee, block.ID, block.TotalFee, fees.Dec())
	}

	genesis := block.Height == 1
	for i := range block.Transactions {
		if err := bs.applyTransaction(&block.Transactions[i], genesis); err != nil {
			for j := i - 1; j >= 0; j-- {
				_ = bs.revertTransaction(&block.Transactions[j], genesis)
			}
			return fmt.Errorf("apply transaction %s in block %s: %w", block.Transactions[i].ID, block.ID, err)
		}
	}

	generator := bs.wallets.FindByPublicKey(block.GeneratorPublicKey)
	bs.credit(generator, sum(block.Reward, block.TotalFee))
	if generator.IsDelegate() {
		generator.Delegate.ForgedBlocks++
	}
	return nil
}

// RevertBlock undoes ApplyBlock in reverse order
func (bs *BlockState) RevertBlock(block *models.Block) error {
	generator := bs.wallets.FindByPublicKey(block.GeneratorPublicKey)
	if err := bs.debit(generator, sum(block.Reward, block.TotalFee)); err != nil {
		return fmt.Errorf("revert reward of block %s: %w", block.ID, err)
	}
	if generator.IsDelegate() && generator.Delegate.ForgedBlocks > 0 {
		generator.Delegate.ForgedBlocks--
	}

	genesis := block.Height == 1
	for i := len(block.Transactions) - 1; i >= 0; i-- {
		if err := bs.revertTransaction(&block.Transactions[i], genesis); err != nil {
			return fmt.Errorf("revert transaction %s in block %s: %w", block.Transactions[i].ID, block.ID, err)
		}
	}
	return nil
}

func (bs *BlockState) applyTransaction(tx *models.Transaction, genesis bool) error {
	sender := bs.wallets.FindByPublicKey(tx.SenderPublicKey)

	// genesis transactions mint their amounts
	if !genesis {
		if err := bs.debit(sender, sum(tx.Amount, tx.Fee)); err != nil {
			return err
		}
	}

	var err error
	switch tx.Type {
	case models.TransferTransaction:
		bs.credit(bs.wallets.FindByPublicKey(tx.RecipientPublicKey), uint256.NewInt(tx.Amount))
	case models.DelegateRegistrationTransaction:
		err = bs.registerDelegate(sender, tx.Username)
	case models.VoteTransaction:
		err = bs.applyVotes(sender, tx.Votes)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownTransaction, tx.Type)
	}

	if err != nil && !genesis {
		bs.credit(sender, sum(tx.Amount, tx.Fee))
	}
	return err
}

func (bs *BlockState) revertTransaction(tx *models.Transaction, genesis bool) error {
	sender := bs.wallets.FindByPublicKey(tx.SenderPublicKey)

	switch tx.Type {
	case models.TransferTransaction:
		if err := bs.debit(bs.wallets.FindByPublicKey(tx.RecipientPublicKey), uint256.NewInt(tx.Amount)); err != nil {
			return err
		}
	case models.DelegateRegistrationTransaction:
		if sender.Delegate != nil {
			bs.wallets.IndexUsername(sender.Delegate.Username, "")
			sender.Delegate = nil
		}
	case models.VoteTransaction:
		if err := bs.revertVotes(sender, tx.Votes); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownTransaction, tx.Type)
	}

	if !genesis {
		bs.credit(sender, sum(tx.Amount, tx.Fee))
	}
	return nil
}

func (bs *BlockState) registerDelegate(sender *models.Wallet, username string) error {
	if sender.IsDelegate() {
		return ErrAlreadyDelegate
	}
	if _, taken := bs.wallets.FindByUsername(username); taken {
		return fmt.Errorf("%w: %s", ErrUsernameTaken, username)
	}
	sender.Delegate = &models.DelegateWallet{
		PublicKey:   sender.PublicKey,
		Username:    username,
		VoteBalance: new(uint256.Int),
	}
	bs.wallets.IndexUsername(username, sender.PublicKey)
	return nil
}

func parseVote(vote string) (bool, string, error) {
	if len(vote) < 2 || (vote[0] != '+' && vote[0] != '-') {
		return false, "", fmt.Errorf("%w: %q", ErrInvalidVote, vote)
	}
	return vote[0] == '+', strings.TrimSpace(vote[1:]), nil
}

func (bs *BlockState) applyVotes(sender *models.Wallet, votes []string) error {
	if len(votes) == 0 {
		return ErrInvalidVote
	}
	for i, vote := range votes {
		if err := bs.applyVote(sender, vote); err != nil {
			_ = bs.revertVotes(sender, votes[:i])
			return err
		}
	}
	return nil
}

func (bs *BlockState) applyVote(sender *models.Wallet, vote string) error {
	up, publicKey, err := parseVote(vote)
	if err != nil {
		return err
	}
	delegate := bs.wallets.FindByPublicKey(publicKey)
	if !delegate.IsDelegate() {
		return fmt.Errorf("%w: %s", ErrUnknownDelegate, publicKey)
	}

	if up {
		if sender.Vote != "" {
			return fmt.Errorf("%w: %s", ErrAlreadyVoted, sender.Vote)
		}
		sender.Vote = publicKey
		delegate.Delegate.VoteBalance.Add(delegate.Delegate.VoteBalance, sender.Balance)
		return nil
	}

	if sender.Vote != publicKey {
		return fmt.Errorf("%w: %s", ErrNotVoted, publicKey)
	}
	if err := subVoteBalance(delegate.Delegate, sender.Balance); err != nil {
		return err
	}
	sender.Vote = ""
	return nil
}

func (bs *BlockState) revertVotes(sender *models.Wallet, votes []string) error {
	for i := len(votes) - 1; i >= 0; i-- {
		up, publicKey, err := parseVote(votes[i])
		if err != nil {
			return err
		}
		delegate := bs.wallets.FindByPublicKey(publicKey)
		if !delegate.IsDelegate() {
			return fmt.Errorf("%w: %s", ErrUnknownDelegate, publicKey)
		}
		if up {
			if err := subVoteBalance(delegate.Delegate, sender.Balance); err != nil {
				return err
			}
			sender.Vote = ""
		} else {
			sender.Vote = publicKey
			delegate.Delegate.VoteBalance.Add(delegate.Delegate.VoteBalance, sender.Balance)
		}
	}
	return nil
}

// sum adds uint64 amounts without wrapping
func sum(values ...uint64) *uint256.Int {
	total := new(uint256.Int)
	for _, v := range values {
		total.Add(total, uint256.NewInt(v))
	}
	return total
}

// credit adds value to w and to the vote balance of the delegate w votes for
func (bs *BlockState) credit(w *models.Wallet, value *uint256.Int) {
	w.Balance.Add(w.Balance, value)
	if w.Vote != "" {
		if d := bs.wallets.FindByPublicKey(w.Vote); d.IsDelegate() {
			d.Delegate.VoteBalance.Add(d.Delegate.VoteBalance, value)
		}
	}
}

// debit is the inverse of credit and fails without mutating on insufficient funds
func (bs *BlockState) debit(w *models.Wallet, value *uint256.Int) error {
	if w.Balance.Lt(value) {
		return fmt.Errorf("%w: wallet %s has %s, needs %s", ErrInsufficientBalance, w.PublicKey, w.Balance.Dec(), value.Dec())
	}
	var delegate *models.DelegateWallet
	if w.Vote != "" {
		if d := bs.wallets.FindByPublicKey(w.Vote); d.IsDelegate() {
			delegate = d.Delegate
			if delegate.VoteBalance.Lt(value) {
				return fmt.Errorf("%w: delegate %s", ErrVoteBalanceUnderflow, delegate.PublicKey)
			}
		}
	}
	w.Balance.Sub(w.Balance, value)
	if delegate != nil {
		delegate.VoteBalance.Sub(delegate.VoteBalance, value)
	}
	return nil
}

func subVoteBalance(d *models.DelegateWallet, amount *uint256.Int) error {
	if d.VoteBalance.Lt(amount) {
		return fmt.Errorf("%w: delegate %s", ErrVoteBalanceUnderflow, d.PublicKey)
	}
	d.VoteBalance.Sub(d.VoteBalance, amount)
	return nil
}
