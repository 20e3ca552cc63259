package models

import "github.com/holiman/uint256"

// DelegateWallet holds the delegate attributes of a wallet
type DelegateWallet struct {
	PublicKey    string       `json:"publicKey"`
	Username     string       `json:"username"`
	VoteBalance  *uint256.Int `json:"voteBalance"`
	Rank         uint32       `json:"rank"`
	ForgedBlocks uint64       `json:"forgedBlocks"`
	MissedBlocks uint64       `json:"missedBlocks"`
}

// Copy returns a deep copy of the delegate attributes
func (d *DelegateWallet) Copy() *DelegateWallet {
	cp := *d
	cp.VoteBalance = new(uint256.Int).Set(d.VoteBalance)
	return &cp
}

type Wallet struct {
	PublicKey string          `json:"publicKey"`
	Balance   *uint256.Int    `json:"balance"`
	Vote      string          `json:"vote,omitempty"` // public key of the delegate voted for
	Delegate  *DelegateWallet `json:"delegate,omitempty"`
}

// NewWallet creates an empty wallet for the given public key
func NewWallet(publicKey string) *Wallet {
	return &Wallet{PublicKey: publicKey, Balance: new(uint256.Int)}
}

// IsDelegate reports whether the wallet registered as a delegate
func (w *Wallet) IsDelegate() bool {
	return w.Delegate != nil
}

// Copy returns a deep copy of the wallet
func (w *Wallet) Copy() *Wallet {
	cp := *w
	cp.Balance = new(uint256.Int).Set(w.Balance)
	if w.Delegate != nil {
		cp.Delegate = w.Delegate.Copy()
	}
	return &cp
}
