package syncer

import (
	"math"
	"sync"
	"time"

	"dpos-node/events"
	"dpos-node/logger"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

// Progress is the state of one sync session
type Progress struct {
	Active               bool          `json:"active"`
	StartTime            time.Time     `json:"startTime"`
	NetworkHeight        uint64        `json:"networkHeight"`
	BlocksInitial        uint64        `json:"blocksInitial"`
	BlocksDownloaded     uint64        `json:"blocksDownloaded"`
	BlocksSession        uint64        `json:"blocksSession"`
	BlocksPerMillisecond float64       `json:"blocksPerMillisecond"`
	Remaining            time.Duration `json:"remaining"`
	Percent              float64       `json:"percent"`
}

// TrackerOption configures a Tracker
type TrackerOption func(*Tracker)

// WithTrackerClock replaces time.Now
func WithTrackerClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) { t.now = now }
}

// Tracker measures download velocity during a sync session and estimates the
// time left. A session starts on the first tick after a reset and ends when
// the network height is reached.
type Tracker struct {
	mu            sync.Mutex
	networkHeight func() uint64
	dispatcher    *events.Dispatcher
	now           func() time.Time

	session *Progress
}

// NewTracker creates a tracker. networkHeight supplies the best known peer
// height when a session starts; dispatcher may be nil.
func NewTracker(networkHeight func() uint64, dispatcher *events.Dispatcher, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		networkHeight: networkHeight,
		dispatcher:    dispatcher,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start opens a session at currentCountKnown blocks, replacing any open one
func (t *Tracker) Start(currentCountKnown uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.start(currentCountKnown)
}

func (t *Tracker) start(currentCountKnown uint64) {
	t.session = &Progress{
		Active:           true,
		StartTime:        t.now(),
		NetworkHeight:    t.networkHeight(),
		BlocksInitial:    currentCountKnown,
		BlocksDownloaded: currentCountKnown,
	}
}

// Tick records blocksJustDownloaded. The first tick of a session only
// initializes it from currentCountKnown.
func (t *Tracker) Tick(blocksJustDownloaded, currentCountKnown uint64) Progress {
	t.mu.Lock()
	if t.session == nil {
		t.start(currentCountKnown)
		p := *t.session
		t.mu.Unlock()
		return p
	}

	s := t.session
	if s.NetworkHeight == 0 {
		s.NetworkHeight = t.networkHeight()
	}
	s.BlocksDownloaded += blocksJustDownloaded
	s.BlocksSession = s.BlocksDownloaded - s.BlocksInitial

	elapsedMs := float64(t.now().Sub(s.StartTime)) / float64(time.Millisecond)
	s.BlocksPerMillisecond = float64(s.BlocksSession) / elapsedMs
	remainingMs := math.Abs(math.Round((float64(s.NetworkHeight) - float64(s.BlocksDownloaded)) / s.BlocksPerMillisecond))
	finite := !math.IsNaN(remainingMs) && !math.IsInf(remainingMs, 0)
	s.Remaining = 0
	if finite {
		s.Remaining = time.Duration(remainingMs) * time.Millisecond
	}
	if s.NetworkHeight > 0 {
		s.Percent = float64(s.BlocksDownloaded) * 100 / float64(s.NetworkHeight)
	}

	p := *s
	done := s.NetworkHeight > 0 && p.Percent >= 100
	if done {
		t.session = nil
		p.Active = false
	}
	t.mu.Unlock()

	if !done && finite && p.NetworkHeight > 0 {
		now := t.now()
		logger.Logger.Info("Synchronizing blocks",
			zap.String("downloaded", humanize.Comma(int64(p.BlocksDownloaded))),
			zap.String("total", humanize.Comma(int64(p.NetworkHeight))),
			zap.String("percent", humanize.FormatFloat("#.##", p.Percent)),
			zap.String("eta", humanize.RelTime(now, now.Add(p.Remaining), "left", "left")))
	}
	if p.NetworkHeight > 0 {
		t.dispatcher.SendSyncProgress(events.SyncProgress{
			NetworkHeight:    p.NetworkHeight,
			BlocksDownloaded: p.BlocksDownloaded,
			Percent:          p.Percent,
			Remaining:        p.Remaining,
			Done:             done,
		})
	}
	return p
}

// Reset discards the session; the next tick starts a new one
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.session = nil
}

// Progress returns the open session, or an inactive zero value
func (t *Tracker) Progress() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.session == nil {
		return Progress{}
	}
	return *t.session
}
