package playout

import (
	"sync"
	"time"
)

// PlaybackStatus is the coarse outbound playback state of one session.
type PlaybackStatus string

const (
	StatusIdle        PlaybackStatus = "idle"
	StatusPlaying     PlaybackStatus = "playing"
	StatusDraining    PlaybackStatus = "draining"
	StatusInterrupted PlaybackStatus = "interrupted"
)

// PlaybackState tracks outbound playback for one session: idle until the
// first real frame, playing while frames flow, draining once the provider
// finished, interrupted while the barge-in gate is closed.
type PlaybackState struct {
	mu           sync.Mutex
	status       PlaybackStatus
	lastAudioAt  time.Time
	providerDone bool
	gateClosed   bool
}

// NewPlaybackState returns a state in [StatusIdle].
func NewPlaybackState() *PlaybackState {
	return &PlaybackState{status: StatusIdle}
}

// Status returns the current status.
func (p *PlaybackState) Status() PlaybackStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// LastAudioAt returns when the last real frame was emitted.
func (p *PlaybackState) LastAudioAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastAudioAt
}

// OnFrame records one emitted frame. Real frames move IDLE to PLAYING and
// refresh the idle clock.
func (p *PlaybackState) OnFrame(real bool, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !real {
		return
	}
	p.lastAudioAt = now
	if p.status == StatusIdle {
		p.status = StatusPlaying
		p.providerDone = false
	}
}

// OnProviderDone moves PLAYING to DRAINING.
func (p *PlaybackState) OnProviderDone() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.providerDone = true
	if p.status == StatusPlaying {
		p.status = StatusDraining
	}
}

// OnDrainComplete moves DRAINING back to IDLE.
func (p *PlaybackState) OnDrainComplete() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status == StatusDraining {
		p.status = StatusIdle
	}
}

// OnGateClosed moves PLAYING or DRAINING to INTERRUPTED.
func (p *PlaybackState) OnGateClosed() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gateClosed = true
	if p.status == StatusPlaying || p.status == StatusDraining {
		p.status = StatusInterrupted
	}
}

// OnGateOpened moves INTERRUPTED to IDLE; playback restarts on the next real
// frame.
func (p *PlaybackState) OnGateOpened() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gateClosed = false
	if p.status == StatusInterrupted {
		p.status = StatusIdle
	}
}

// MaybeIdle moves PLAYING to IDLE when no real frame was emitted within
// idleTimeout. Returns true when a transition happened.
func (p *PlaybackState) MaybeIdle(now time.Time, idleTimeout time.Duration) bool {
	if idleTimeout <= 0 {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status != StatusPlaying && p.status != StatusDraining {
		return false
	}
	if p.lastAudioAt.IsZero() || now.Sub(p.lastAudioAt) <= idleTimeout {
		return false
	}
	p.status = StatusIdle
	return true
}
