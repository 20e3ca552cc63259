package consensus

import (
	"fmt"
	"testing"

	"dpos-node/events"
	"dpos-node/models"
	"dpos-node/repository"

	"github.com/stretchr/testify/require"
)

func delegateKey(i int) string {
	return fmt.Sprintf("pk%02d", i)
}

// genesisBlock mints i*1000 to delegate i, registers it and makes it vote
// for itself.
func genesisBlock(delegates int) *models.Block {
	var txs []models.Transaction
	for i := 1; i <= delegates; i++ {
		pk := delegateKey(i)
		txs = append(txs,
			models.Transaction{ID: "fund-" + pk, Type: models.TransferTransaction, SenderPublicKey: "treasury", RecipientPublicKey: pk, Amount: uint64(i * 1000)},
			models.Transaction{ID: "reg-" + pk, Type: models.DelegateRegistrationTransaction, SenderPublicKey: pk, Username: fmt.Sprintf("delegate%d", i)},
			models.Transaction{ID: "vote-" + pk, Type: models.VoteTransaction, SenderPublicKey: pk, Votes: []string{"+" + pk}},
		)
	}
	return &models.Block{
		BlockHeader:  models.BlockHeader{ID: "genesis", Height: 1, GeneratorPublicKey: "treasury"},
		Transactions: txs,
	}
}

func newBlock(height uint64, generator string, reward uint64, txs ...models.Transaction) *models.Block {
	var fees uint64
	for _, tx := range txs {
		fees += tx.Fee
	}
	return &models.Block{
		BlockHeader: models.BlockHeader{
			ID:                 fmt.Sprintf("block-%d", height),
			Height:             height,
			PreviousBlock:      fmt.Sprintf("block-%d", height-1),
			Timestamp:          height * 8,
			GeneratorPublicKey: generator,
		},
		Reward:       reward,
		TotalFee:     fees,
		Transactions: txs,
	}
}

func transfer(id, from, to string, amount, fee uint64) models.Transaction {
	return models.Transaction{ID: id, Type: models.TransferTransaction, SenderPublicKey: from, RecipientPublicKey: to, Amount: amount, Fee: fee}
}

type harness struct {
	wallets *repository.WalletRepository
	state   *BlockState
	dpos    *DposRoundState
}

func newHarness(milestones []models.Milestone, dispatcher *events.Dispatcher) *harness {
	wallets := repository.NewWalletRepository()
	state := NewBlockState(wallets)
	return &harness{
		wallets: wallets,
		state:   state,
		dpos:    NewDposRoundState(wallets, state, milestones, dispatcher),
	}
}

func (h *harness) apply(t *testing.T, block *models.Block) {
	t.Helper()
	require.NoError(t, h.state.ApplyBlock(block))
	require.NoError(t, h.dpos.ApplyBlock(block))
}

func (h *harness) balance(publicKey string) uint64 {
	return h.wallets.FindByPublicKey(publicKey).Balance.Uint64()
}

func (h *harness) voteBalance(publicKey string) uint64 {
	return h.wallets.FindByPublicKey(publicKey).Delegate.VoteBalance.Uint64()
}

func activeKeys(delegates []*models.DelegateWallet) []string {
	keys := make([]string, len(delegates))
	for i, d := range delegates {
		keys[i] = d.PublicKey
	}
	return keys
}
