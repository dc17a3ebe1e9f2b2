package dispatch

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"time"

	"github.com/voxlate/voxlate/internal/event"
	"github.com/voxlate/voxlate/internal/observe"
	"github.com/voxlate/voxlate/internal/playout"
)

// playbackTracker is the slice of the emitter the audio handler needs.
type playbackTracker interface {
	State(sessionID string) *playout.PlaybackState
}

// AudioConfig configures an [AudioHandler].
type AudioConfig struct {
	// TailSilenceMS is appended to each stream on audio.done.
	TailSilenceMS int

	// DrainTimeout bounds the audio.done wait for buffered frames to play
	// out. Zero derives the bound from the buffered duration.
	DrainTimeout time.Duration

	// FrameMS is the emitter frame period, used for derived drain bounds.
	// Defaults to 20.
	FrameMS int

	// Logger overrides the default logger.
	Logger *slog.Logger

	// Metrics overrides [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// AudioHandler feeds provider audio into the playout store. Deltas are
// decoded and transcoded into the stream's participant buffer; dones flush
// the stream, wait for the emitter to play out what is buffered, and report
// completion to the platform. Any per-stream failure is converted into an
// audio.done with reason=error and releases the stream.
type AudioHandler struct {
	cfg     AudioConfig
	store   *playout.Store
	tracker playbackTracker
	publish Publisher
	log     *slog.Logger
	metrics *observe.Metrics
}

// NewAudioHandler creates the audio delta/done handler.
func NewAudioHandler(cfg AudioConfig, store *playout.Store, tracker playbackTracker, publish Publisher) *AudioHandler {
	if cfg.FrameMS <= 0 {
		cfg.FrameMS = 20
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &AudioHandler{
		cfg:     cfg,
		store:   store,
		tracker: tracker,
		publish: publish,
		log:     cfg.Logger,
		metrics: cfg.Metrics,
	}
}

// Name implements [Handler].
func (h *AudioHandler) Name() string { return "audio" }

// CanHandle implements [Handler].
func (h *AudioHandler) CanHandle(ev *event.ProviderOutputEvent) bool {
	return ev.Type == event.ProviderAudioDelta || ev.Type == event.ProviderAudioDone
}

// Handle implements [Handler].
func (h *AudioHandler) Handle(ctx context.Context, ev *event.ProviderOutputEvent) error {
	if ev.Type == event.ProviderAudioDelta {
		return h.handleDelta(ctx, ev)
	}
	return h.handleDone(ctx, ev)
}

func (h *AudioHandler) handleDelta(ctx context.Context, ev *event.ProviderOutputEvent) error {
	if ev.Audio == nil {
		return h.failStream(ctx, ev, fmt.Errorf("audio.delta without payload"))
	}

	pcm, err := base64.StdEncoding.DecodeString(ev.Audio.AudioB64)
	if err != nil {
		return h.failStream(ctx, ev, fmt.Errorf("decode audio delta: %w", err))
	}

	stream, created := h.store.GetOrCreate(ev.SessionID, ev.ParticipantID, ev.StreamID, ev.CommitID, ev.Provider)
	if created {
		h.log.Debug("playout stream opened",
			"session_id", ev.SessionID,
			"participant_id", ev.ParticipantID,
			"stream_id", ev.StreamID,
			"source_format", ev.SourceFormat().String(),
		)
	}

	if err := stream.Ingest(pcm, ev.SourceFormat()); err != nil {
		return h.failStream(ctx, ev, fmt.Errorf("transcode audio delta: %w", err))
	}
	return nil
}

func (h *AudioHandler) handleDone(ctx context.Context, ev *event.ProviderOutputEvent) error {
	stream := h.store.Get(ev.SessionID, ev.ParticipantID, ev.StreamID)
	if stream == nil {
		// Done for a stream we never opened (or already released); still
		// tell the platform the turn completed.
		return h.publishDone(ctx, ev, event.DoneCompleted, "")
	}

	if err := stream.Finish(h.cfg.TailSilenceMS); err != nil {
		return h.failStream(ctx, ev, fmt.Errorf("finish stream: %w", err))
	}

	state := h.tracker.State(ev.SessionID)
	state.OnProviderDone()

	start := time.Now()
	drainCtx, cancel := context.WithTimeout(ctx, h.drainBound(stream))
	err := stream.Buffer().WaitDrained(drainCtx)
	cancel()
	h.metrics.DrainDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		h.log.Warn("audio.done drain timed out",
			"session_id", ev.SessionID,
			"stream_id", ev.StreamID,
			"buffered_bytes", stream.Buffer().Buffered(),
		)
	}
	state.OnDrainComplete()

	h.store.Remove(stream.Key)
	return h.publishDone(ctx, ev, event.DoneCompleted, "")
}

// drainBound derives the audio.done wait limit: the configured timeout, or
// twice the buffered duration plus one frame of slack.
func (h *AudioHandler) drainBound(stream *playout.Stream) time.Duration {
	if h.cfg.DrainTimeout > 0 {
		return h.cfg.DrainTimeout
	}
	frames := stream.Buffer().Buffered() / stream.Buffer().FrameBytes()
	bound := time.Duration(2*(frames+1)*h.cfg.FrameMS) * time.Millisecond
	if bound < 100*time.Millisecond {
		bound = 100 * time.Millisecond
	}
	return bound
}

// failStream reports a stream failure to the platform and releases the
// stream. The original error is returned for the dispatcher log.
func (h *AudioHandler) failStream(ctx context.Context, ev *event.ProviderOutputEvent, cause error) error {
	h.metrics.RecordProviderError(ctx, string(ev.Provider))
	key := playout.StreamKey(ev.SessionID, ev.ParticipantID, ev.StreamID)
	h.store.Remove(key)

	if err := h.publishDone(ctx, ev, event.DoneError, cause.Error()); err != nil {
		h.log.Warn("failed to publish audio.done for broken stream",
			"stream_id", ev.StreamID,
			"error", err,
		)
	}
	return cause
}

func (h *AudioHandler) publishDone(ctx context.Context, ev *event.ProviderOutputEvent, reason event.DoneReason, errMsg string) error {
	return h.publish(ctx, event.Outbound{
		Kind:          event.OutboundAudioDone,
		SessionID:     ev.SessionID,
		ParticipantID: ev.ParticipantID,
		CommitID:      ev.CommitID,
		StreamID:      ev.StreamID,
		Provider:      ev.Provider,
		Reason:        reason,
		Error:         errMsg,
	})
}
