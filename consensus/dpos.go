package consensus

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"dpos-node/events"
	"dpos-node/models"
)

// ErrNotEnoughDelegates is returned when fewer delegates are registered than a round needs
var ErrNotEnoughDelegates = errors.New("not enough registered delegates for round")

// DposRoundState tracks the delegate ranking and the active delegate set of
// the current round.
type DposRoundState struct {
	mu         sync.RWMutex
	wallets    WalletStore
	reverter   BlockReverter
	milestones []models.Milestone
	dispatcher *events.Dispatcher

	round   RoundInfo
	ranked  []*models.DelegateWallet
	active  []*models.DelegateWallet
	forgers []*models.DelegateWallet // active, shuffled for the round
	forged  map[string]bool          // delegates that forged in the round
}

// NewDposRoundState creates a round state over wallets. dispatcher may be nil.
func NewDposRoundState(wallets WalletStore, reverter BlockReverter, milestones []models.Milestone, dispatcher *events.Dispatcher) *DposRoundState {
	return &DposRoundState{
		wallets:    wallets,
		reverter:   reverter,
		milestones: milestones,
		dispatcher: dispatcher,
		forged:     make(map[string]bool),
	}
}

// Round returns the current round
func (s *DposRoundState) Round() RoundInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.round
}

// ActiveDelegates returns the delegates of the current round in rank order
func (s *DposRoundState) ActiveDelegates() []*models.DelegateWallet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyDelegates(s.active)
}

// RankedDelegates returns every delegate in rank order as of the last ranking
func (s *DposRoundState) RankedDelegates() []*models.DelegateWallet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyDelegates(s.ranked)
}

// ForgedInRound returns the public keys that forged in the current round
func (s *DposRoundState) ForgedInRound() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.forged))
	for k := range s.forged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ForgerAt returns the delegate expected to forge in slot
func (s *DposRoundState) ForgerAt(slot uint64) (*models.DelegateWallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.forgers) == 0 {
		return nil, ErrNotEnoughDelegates
	}
	return s.forgers[slot%uint64(len(s.forgers))].Copy(), nil
}

// BuildDelegateRanking orders delegates by vote balance, highest first, ties
// broken by public key, and writes the rank back to each wallet.
func (s *DposRoundState) BuildDelegateRanking() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buildDelegateRanking()
}

func (s *DposRoundState) buildDelegateRanking() {
	wallets := s.wallets.Delegates()
	sort.SliceStable(wallets, func(i, j int) bool {
		a, b := wallets[i].Delegate, wallets[j].Delegate
		if c := a.VoteBalance.Cmp(b.VoteBalance); c != 0 {
			return c > 0
		}
		return a.PublicKey < b.PublicKey
	})

	s.ranked = make([]*models.DelegateWallet, len(wallets))
	for i, w := range wallets {
		w.Delegate.Rank = uint32(i + 1)
		s.ranked[i] = w.Delegate.Copy()
	}
}

// SetDelegatesRound makes the top DelegateCount ranked delegates active for info
func (s *DposRoundState) SetDelegatesRound(info RoundInfo) error {
	s.mu.Lock()
	ev, err := s.setDelegatesRound(info)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.dispatcher.SendRoundChanged(ev)
	return nil
}

func (s *DposRoundState) setDelegatesRound(info RoundInfo) (events.RoundChanged, error) {
	n := int(info.DelegateCount)
	if len(s.ranked) < n {
		return events.RoundChanged{}, fmt.Errorf("%w: round %d needs %d, have %d", ErrNotEnoughDelegates, info.Round, n, len(s.ranked))
	}
	s.setActive(info, copyDelegates(s.ranked[:n]))
	s.forged = make(map[string]bool)
	return s.roundEvent(false), nil
}

func (s *DposRoundState) setActive(info RoundInfo, active []*models.DelegateWallet) {
	s.round = info
	s.active = active
	s.forgers = shuffleDelegates(copyDelegates(active), info.Round)
}

func (s *DposRoundState) roundEvent(reverted bool) events.RoundChanged {
	keys := make([]string, len(s.active))
	for i, d := range s.active {
		keys[i] = d.PublicKey
	}
	return events.RoundChanged{
		Round:       s.round.Round,
		RoundHeight: s.round.RoundHeight,
		Delegates:   keys,
		Reverted:    reverted,
	}
}

// ApplyBlock records the block's forger. The genesis block opens round 1 and
// the last block of a round closes it: missed blocks are counted, delegates
// re-ranked and the next round's set activated.
func (s *DposRoundState) ApplyBlock(block *models.Block) error {
	var sent []events.RoundChanged

	s.mu.Lock()
	if err := s.checkNextRound(block.Height); err != nil {
		s.mu.Unlock()
		return err
	}
	if block.Height == 1 {
		s.buildDelegateRanking()
		ev, err := s.setDelegatesRound(CalculateRound(1, s.milestones))
		if err != nil {
			s.mu.Unlock()
			return err
		}
		sent = append(sent, ev)
	} else {
		s.forged[block.GeneratorPublicKey] = true
	}

	if IsNewRound(block.Height+1, s.milestones) {
		s.countMissedBlocks()
		s.buildDelegateRanking()
		ev, err := s.setDelegatesRound(CalculateRound(block.Height+1, s.milestones))
		if err != nil {
			s.mu.Unlock()
			return err
		}
		sent = append(sent, ev)
	}
	s.mu.Unlock()

	for _, ev := range sent {
		s.dispatcher.SendRoundChanged(ev)
	}
	return nil
}

// checkNextRound fails before anything is mutated when applying the block at
// height would start a round with more seats than registered delegates.
func (s *DposRoundState) checkNextRound(height uint64) error {
	var next []RoundInfo
	if height == 1 {
		next = append(next, CalculateRound(1, s.milestones))
	}
	if IsNewRound(height+1, s.milestones) {
		next = append(next, CalculateRound(height+1, s.milestones))
	}
	have := len(s.wallets.Delegates())
	for _, info := range next {
		if have < int(info.DelegateCount) {
			return fmt.Errorf("%w: round %d needs %d, have %d", ErrNotEnoughDelegates, info.Round, info.DelegateCount, have)
		}
	}
	return nil
}

// countMissedBlocks charges every active delegate that did not forge this
// round. Missed blocks are statistics and are not rolled back on revert.
func (s *DposRoundState) countMissedBlocks() {
	if s.round.Round <= 1 {
		return
	}
	for _, d := range s.active {
		if s.forged[d.PublicKey] {
			continue
		}
		if w := s.wallets.FindByPublicKey(d.PublicKey); w.IsDelegate() {
			w.Delegate.MissedBlocks++
		}
	}
}

// Revert undoes blocks newest first, never touching the genesis block, then
// re-ranks delegates and activates the set for info.
func (s *DposRoundState) Revert(blocks []*models.Block, info RoundInfo) error {
	s.mu.Lock()
	for i := len(blocks) - 1; i >= 0; i-- {
		if blocks[i].Height == 1 {
			break
		}
		if err := s.reverter.RevertBlock(blocks[i]); err != nil {
			s.mu.Unlock()
			return err
		}
	}

	s.buildDelegateRanking()
	ev, err := s.setDelegatesRound(info)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	ev.Reverted = true
	s.mu.Unlock()

	s.dispatcher.SendRoundChanged(ev)
	return nil
}

// RestoreRound replaces the active set with delegates computed elsewhere,
// typically by a previous-round state, and restores who already forged.
func (s *DposRoundState) RestoreRound(info RoundInfo, delegates []*models.DelegateWallet, forgedBy []string) {
	s.mu.Lock()
	s.setActive(info, copyDelegates(delegates))
	s.forged = make(map[string]bool, len(forgedBy))
	for _, pk := range forgedBy {
		s.forged[pk] = true
	}
	ev := s.roundEvent(true)
	s.mu.Unlock()

	s.dispatcher.SendRoundChanged(ev)
}

func copyDelegates(in []*models.DelegateWallet) []*models.DelegateWallet {
	out := make([]*models.DelegateWallet, len(in))
	for i, d := range in {
		out[i] = d.Copy()
	}
	return out
}

// shuffleDelegates deterministically permutes delegates with a seed chain
// starting at sha256 of the round number.
func shuffleDelegates(delegates []*models.DelegateWallet, round uint64) []*models.DelegateWallet {
	n := len(delegates)
	seed := sha256.Sum256([]byte(strconv.FormatUint(round, 10)))
	for i := 0; i < n; {
		for x := 0; x < 4 && i < n; i, x = i+1, x+1 {
			j := int(seed[x]) % n
			delegates[i], delegates[j] = delegates[j], delegates[i]
		}
		seed = sha256.Sum256(seed[:])
	}
	return delegates
}
