package playout

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/voxlate/voxlate/internal/event"
	"github.com/voxlate/voxlate/internal/observe"
	"github.com/voxlate/voxlate/pkg/audio"
)

// Publisher delivers one emitted outbound message downstream. Wired to the
// gated audio bus.
type Publisher func(ctx context.Context, out event.Outbound) error

// EmitterConfig configures an [Emitter].
type EmitterConfig struct {
	// Frame is the tick period (already scaled by any time acceleration).
	// Defaults to 20ms.
	Frame time.Duration

	// IdleTimeout stops silence emission for a session when no real frame
	// was produced for this long. Zero disables the idle transition.
	IdleTimeout time.Duration

	// Logger overrides the default logger.
	Logger *slog.Logger

	// Metrics overrides [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Emitter is the paced frame clock: every tick it pops exactly one frame
// from each participant buffer of each session, mixes multi-participant
// sessions sample-wise, and publishes one outbound audio message per
// session. Deadlines are absolute against a monotonic anchor so drift does
// not accumulate; a tick more than one frame late snaps the anchor to now
// instead of bursting to catch up.
type Emitter struct {
	cfg     EmitterConfig
	store   *Store
	publish Publisher
	log     *slog.Logger
	metrics *observe.Metrics

	mu     sync.Mutex
	paused bool
	seqs   map[string]uint64
	states map[string]*PlaybackState
}

// NewEmitter creates an emitter over store, publishing via publish.
func NewEmitter(cfg EmitterConfig, store *Store, publish Publisher) *Emitter {
	if cfg.Frame <= 0 {
		cfg.Frame = 20 * time.Millisecond
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Emitter{
		cfg:     cfg,
		store:   store,
		publish: publish,
		log:     log,
		metrics: metrics,
		seqs:    make(map[string]uint64),
		states:  make(map[string]*PlaybackState),
	}
}

// State returns the playback state for a session, creating it on first use.
func (e *Emitter) State(sessionID string) *PlaybackState {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[sessionID]
	if !ok {
		st = NewPlaybackState()
		e.states[sessionID] = st
	}
	return st
}

// Pause stops frame emission. Idempotent. Sessions currently playing or
// draining move to INTERRUPTED.
func (e *Emitter) Pause() {
	e.mu.Lock()
	if e.paused {
		e.mu.Unlock()
		return
	}
	e.paused = true
	states := make([]*PlaybackState, 0, len(e.states))
	for _, st := range e.states {
		states = append(states, st)
	}
	e.mu.Unlock()

	for _, st := range states {
		st.OnGateClosed()
	}
}

// Resume restarts emission. Idempotent. The pacing anchor is re-established
// on the next tick, so the first post-resume frame is scheduled from resume
// time rather than the pre-pause anchor.
func (e *Emitter) Resume() {
	e.mu.Lock()
	if !e.paused {
		e.mu.Unlock()
		return
	}
	e.paused = false
	states := make([]*PlaybackState, 0, len(e.states))
	for _, st := range e.states {
		states = append(states, st)
	}
	e.mu.Unlock()

	for _, st := range states {
		st.OnGateOpened()
	}
}

// Paused reports whether the emitter is paused.
func (e *Emitter) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// Run drives the frame clock until ctx is cancelled.
func (e *Emitter) Run(ctx context.Context) error {
	frame := e.cfg.Frame
	anchor := time.Now()
	n := 0

	timer := time.NewTimer(0)
	defer timer.Stop()
	if !timer.Stop() {
		<-timer.C
	}

	for {
		n++
		deadline := anchor.Add(time.Duration(n) * frame)
		now := time.Now()
		if lag := now.Sub(deadline); lag > frame {
			// Too far behind; snap the anchor instead of bursting.
			anchor = now
			n = 0
			deadline = now
		}
		if wait := deadline.Sub(now); wait > 0 {
			timer.Reset(wait)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
			}
		}

		fired := time.Now()
		e.metrics.TickLag.Record(ctx, fired.Sub(deadline).Seconds())

		if e.Paused() {
			// Keep the clock quiet while paused; re-anchor on resume.
			anchor = fired
			n = 0
			continue
		}

		e.tick(ctx, fired)
	}
}

// tick emits at most one frame per session.
func (e *Emitter) tick(ctx context.Context, now time.Time) {
	for _, sessionID := range e.store.Sessions() {
		bufs := e.store.SessionBuffers(sessionID)
		if len(bufs) == 0 {
			continue
		}

		// Buffers still warming up return generated silence; mixing that in
		// would halve the amplitude of the participants that are playing, so
		// only real frames take part in the mix.
		realFrames := make([][]byte, 0, len(bufs))
		var silence []byte
		for _, b := range bufs {
			frame, ok := b.PopFrame()
			if ok {
				realFrames = append(realFrames, frame)
			} else if silence == nil {
				silence = frame
			}
		}
		real := len(realFrames) > 0

		state := e.State(sessionID)
		state.OnFrame(real, now)
		if !real {
			state.MaybeIdle(now, e.cfg.IdleTimeout)
			if state.Status() == StatusIdle {
				// Nothing buffered and playback over; do not flood the
				// platform with silence.
				continue
			}
		}

		var pcm []byte
		switch {
		case len(realFrames) == 1:
			pcm = realFrames[0]
		case len(realFrames) > 1:
			pcm = audio.MixFrames(realFrames)
		default:
			pcm = silence
		}

		e.mu.Lock()
		e.seqs[sessionID]++
		seq := e.seqs[sessionID]
		e.mu.Unlock()

		target := e.store.Target()
		out := event.Outbound{
			Kind:         event.OutboundAudio,
			SessionID:    sessionID,
			PCM:          pcm,
			SampleRateHz: target.SampleRateHz,
			Channels:     target.Channels,
			Sequence:     seq,
		}
		if err := e.publish(ctx, out); err != nil {
			e.log.Warn("emitter publish failed",
				"session_id", sessionID,
				"sequence", seq,
				"error", err,
			)
			continue
		}

		kind := "silence"
		if real {
			kind = "audio"
		}
		e.metrics.EmittedFrames.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	}
}
