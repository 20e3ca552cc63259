package repository

import (
	"sort"
	"sync"

	"dpos-node/models"
)

// WalletRepository keeps wallet state in memory. It is rebuilt from stored
// blocks at startup and mutated only by the block state applier.
type WalletRepository struct {
	mu         sync.RWMutex
	byKey      map[string]*models.Wallet
	byUsername map[string]string
}

// NewWalletRepository creates an empty wallet repository
func NewWalletRepository() *WalletRepository {
	return &WalletRepository{
		byKey:      make(map[string]*models.Wallet),
		byUsername: make(map[string]string),
	}
}

// FindByPublicKey returns the wallet for publicKey, creating it if needed
func (r *WalletRepository) FindByPublicKey(publicKey string) *models.Wallet {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.byKey[publicKey]
	if !ok {
		w = models.NewWallet(publicKey)
		r.byKey[publicKey] = w
	}
	return w
}

// Get returns the wallet for publicKey without creating it
func (r *WalletRepository) Get(publicKey string) (*models.Wallet, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.byKey[publicKey]
	return w, ok
}

// FindByUsername resolves a registered delegate username
func (r *WalletRepository) FindByUsername(username string) (*models.Wallet, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pk, ok := r.byUsername[username]
	if !ok {
		return nil, false
	}
	return r.byKey[pk], true
}

// IndexUsername records or forgets (empty publicKey) a delegate username
func (r *WalletRepository) IndexUsername(username, publicKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if publicKey == "" {
		delete(r.byUsername, username)
		return
	}
	r.byUsername[username] = publicKey
}

// Delegates returns every wallet registered as a delegate, ordered by public key
func (r *WalletRepository) Delegates() []*models.Wallet {
	r.mu.RLock()
	defer r.mu.RUnlock()

	delegates := make([]*models.Wallet, 0)
	for _, w := range r.byKey {
		if w.IsDelegate() {
			delegates = append(delegates, w)
		}
	}
	sort.Slice(delegates, func(i, j int) bool {
		return delegates[i].PublicKey < delegates[j].PublicKey
	})
	return delegates
}

// Len returns the number of known wallets
func (r *WalletRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byKey)
}

// Clone returns a deep copy that can be mutated independently
func (r *WalletRepository) Clone() *WalletRepository {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cp := NewWalletRepository()
	for k, w := range r.byKey {
		cp.byKey[k] = w.Copy()
	}
	for u, pk := range r.byUsername {
		cp.byUsername[u] = pk
	}
	return cp
}
