package events

import (
	"time"

	"github.com/ethereum/go-ethereum/event"
)

// SyncProgress is sent on every sync tracker tick that computed progress
type SyncProgress struct {
	NetworkHeight    uint64
	BlocksDownloaded uint64
	Percent          float64
	Remaining        time.Duration
	Done             bool
}

// RoundChanged is sent whenever a new active delegate set takes effect
type RoundChanged struct {
	Round       uint64
	RoundHeight uint64
	Delegates   []string // public keys in rank order
	Reverted    bool
}

// Dispatcher fans notifications out to subscribers. A nil *Dispatcher
// drops everything.
type Dispatcher struct {
	syncFeed  event.Feed
	roundFeed event.Feed
	scope     event.SubscriptionScope
}

// NewDispatcher creates an event dispatcher
func NewDispatcher() *Dispatcher {
	return &Dispatcher{}
}

// SubscribeSyncProgress delivers SyncProgress events to ch
func (d *Dispatcher) SubscribeSyncProgress(ch chan<- SyncProgress) event.Subscription {
	return d.scope.Track(d.syncFeed.Subscribe(ch))
}

// SubscribeRoundChanged delivers RoundChanged events to ch
func (d *Dispatcher) SubscribeRoundChanged(ch chan<- RoundChanged) event.Subscription {
	return d.scope.Track(d.roundFeed.Subscribe(ch))
}

// SendSyncProgress blocks until every subscriber received ev
func (d *Dispatcher) SendSyncProgress(ev SyncProgress) int {
	if d == nil {
		return 0
	}
	return d.syncFeed.Send(ev)
}

// SendRoundChanged blocks until every subscriber received ev
func (d *Dispatcher) SendRoundChanged(ev RoundChanged) int {
	if d == nil {
		return 0
	}
	return d.roundFeed.Send(ev)
}

// Close unsubscribes everyone
func (d *Dispatcher) Close() {
	d.scope.Close()
}
