package repository

import (
	"testing"

	"dpos-node/models"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWalletRepository(t *testing.T) {
	r := NewWalletRepository()

	_, ok := r.Get("pk01")
	assert.False(t, ok)

	w := r.FindByPublicKey("pk01")
	assert.Same(t, w, r.FindByPublicKey("pk01"))
	assert.Equal(t, 1, r.Len())

	w.Delegate = &models.DelegateWallet{PublicKey: "pk01", Username: "alice", VoteBalance: uint256.NewInt(5)}
	r.IndexUsername("alice", "pk01")
	r.FindByPublicKey("pk00").Delegate = &models.DelegateWallet{PublicKey: "pk00", Username: "bob", VoteBalance: new(uint256.Int)}
	r.FindByPublicKey("pk02")

	found, ok := r.FindByUsername("alice")
	require.True(t, ok)
	assert.Equal(t, "pk01", found.PublicKey)

	delegates := r.Delegates()
	require.Len(t, delegates, 2)
	assert.Equal(t, "pk00", delegates[0].PublicKey)
	assert.Equal(t, "pk01", delegates[1].PublicKey)

	r.IndexUsername("alice", "")
	_, ok = r.FindByUsername("alice")
	assert.False(t, ok)
}

func TestWalletRepositoryClone(t *testing.T) {
	r := NewWalletRepository()
	w := r.FindByPublicKey("pk01")
	w.Balance.SetUint64(100)
	w.Delegate = &models.DelegateWallet{PublicKey: "pk01", Username: "alice", VoteBalance: uint256.NewInt(100)}
	r.IndexUsername("alice", "pk01")

	cp := r.Clone()
	cw := cp.FindByPublicKey("pk01")
	cw.Balance.SetUint64(1)
	cw.Delegate.VoteBalance.SetUint64(1)
	cp.FindByPublicKey("pk09")

	assert.Equal(t, uint64(100), w.Balance.Uint64())
	assert.Equal(t, uint64(100), w.Delegate.VoteBalance.Uint64())
	assert.Equal(t, 1, r.Len())

	found, ok := cp.FindByUsername("alice")
	require.True(t, ok)
	assert.Same(t, cw, found)
}
