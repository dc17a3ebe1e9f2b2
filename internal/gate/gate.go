package gate

import (
	"context"
	"log/slog"
	"sync"

	"github.com/voxlate/voxlate/internal/event"
)

// AudioPath is the outbound audio surface the gate controls. Implementations
// pause and resume delivery without touching the transcript path, and report
// how many buffered frames a drop discarded.
type AudioPath interface {
	// PauseAudio stops outbound audio delivery. Queued frames are kept.
	PauseAudio()

	// ResumeAudio restarts outbound audio delivery.
	ResumeAudio()

	// DropBufferedAudio discards everything buffered on the audio path and
	// returns the number of discarded items.
	DropBufferedAudio() int
}

// Notifier publishes a control message toward the call platform. The gate
// uses it to tell the platform to cut client-side playback on a drop.
type Notifier func(ctx context.Context, out event.Outbound) error

// Option configures a [Controller].
type Option func(*Controller)

// WithNotifier installs the control-message publisher used on PauseAndDrop
// engagement.
func WithNotifier(n Notifier) Option {
	return func(c *Controller) { c.notify = n }
}

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Controller) { c.log = log }
}

// WithEngageHook installs a callback invoked once per engagement, after the
// audio path was paused. Used for metrics.
func WithEngageHook(fn func(mode Mode)) Option {
	return func(c *Controller) { c.onEngage = fn }
}

// Controller applies one gate [Mode] to one audio path. Transitions are
// idempotent: repeated speaking notifications while engaged, or silence
// notifications while released, are no-ops.
type Controller struct {
	mode     Mode
	path     AudioPath
	notify   Notifier
	onEngage func(Mode)
	log      *slog.Logger

	mu      sync.Mutex
	engaged bool
}

// New creates a gate controller for the given mode and audio path.
func New(mode Mode, path AudioPath, opts ...Option) *Controller {
	c := &Controller{
		mode: mode,
		path: path,
		log:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Mode returns the configured gate mode.
func (c *Controller) Mode() Mode {
	return c.mode
}

// Engaged reports whether the gate currently holds outbound audio.
func (c *Controller) Engaged() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engaged
}

// OnSpeaking engages the gate. In PlayThrough mode nothing happens. In the
// pause modes the audio path is paused; PauseAndDrop additionally discards
// buffered audio and asks the platform to cut playback.
func (c *Controller) OnSpeaking(ctx context.Context, sessionID, participantID string) {
	if c.mode == PlayThrough {
		return
	}

	c.mu.Lock()
	if c.engaged {
		c.mu.Unlock()
		return
	}
	c.engaged = true
	c.mu.Unlock()

	c.path.PauseAudio()

	dropped := 0
	if c.mode == PauseAndDrop {
		dropped = c.path.DropBufferedAudio()
		if c.notify != nil {
			out := event.Outbound{
				Kind:          event.OutboundStopAudio,
				SessionID:     sessionID,
				ParticipantID: participantID,
				Detail:        "barge_in",
			}
			if err := c.notify(ctx, out); err != nil {
				c.log.Warn("gate: stop_audio notify failed", "error", err)
			}
		}
	}

	if c.onEngage != nil {
		c.onEngage(c.mode)
	}
	c.log.Info("barge-in gate engaged",
		"mode", string(c.mode),
		"session_id", sessionID,
		"participant_id", participantID,
		"dropped", dropped,
	)
}

// OnSilence releases the gate and resumes outbound audio delivery. A release
// without a prior engagement is a no-op.
func (c *Controller) OnSilence(ctx context.Context, sessionID, participantID string) {
	c.mu.Lock()
	if !c.engaged {
		c.mu.Unlock()
		return
	}
	c.engaged = false
	c.mu.Unlock()

	c.path.ResumeAudio()
	c.log.Info("barge-in gate released",
		"mode", string(c.mode),
		"session_id", sessionID,
		"participant_id", participantID,
	)
}
