package dispatch

import (
	"context"
	"log/slog"

	"github.com/voxlate/voxlate/internal/event"
	"github.com/voxlate/voxlate/internal/observe"
	"github.com/voxlate/voxlate/internal/playout"
)

// ControlHandler reacts to provider control actions. A stop_audio clears
// the stream's buffered audio and relays a control.stop_audio to the
// platform; other actions are logged and dropped.
type ControlHandler struct {
	store   *playout.Store
	publish Publisher
	log     *slog.Logger
}

// NewControlHandler creates the control handler.
func NewControlHandler(store *playout.Store, publish Publisher, log *slog.Logger) *ControlHandler {
	if log == nil {
		log = slog.Default()
	}
	return &ControlHandler{store: store, publish: publish, log: log}
}

// Name implements [Handler].
func (h *ControlHandler) Name() string { return "control" }

// CanHandle implements [Handler].
func (h *ControlHandler) CanHandle(ev *event.ProviderOutputEvent) bool {
	return ev.Type == event.ProviderControl
}

// Handle implements [Handler].
func (h *ControlHandler) Handle(ctx context.Context, ev *event.ProviderOutputEvent) error {
	if ev.Control == nil {
		return nil
	}

	switch ev.Control.Action {
	case "stop_audio":
		if stream := h.store.Get(ev.SessionID, ev.ParticipantID, ev.StreamID); stream != nil {
			dropped := stream.Buffer().Clear()
			h.store.Remove(stream.Key)
			h.log.Info("provider stopped audio",
				"session_id", ev.SessionID,
				"stream_id", ev.StreamID,
				"dropped_bytes", dropped,
			)
		}
		return h.publish(ctx, event.Outbound{
			Kind:          event.OutboundStopAudio,
			SessionID:     ev.SessionID,
			ParticipantID: ev.ParticipantID,
			CommitID:      ev.CommitID,
			StreamID:      ev.StreamID,
			Provider:      ev.Provider,
			Detail:        ev.Control.Detail,
		})

	default:
		h.log.Debug("ignoring provider control action",
			"action", ev.Control.Action,
			"session_id", ev.SessionID,
		)
		return nil
	}
}

// ErrorHandler logs provider-reported errors. They carry no audio-pipeline
// consequence beyond the log and the error counter.
type ErrorHandler struct {
	log     *slog.Logger
	metrics *observe.Metrics
}

// NewErrorHandler creates the error handler.
func NewErrorHandler(log *slog.Logger, metrics *observe.Metrics) *ErrorHandler {
	if log == nil {
		log = slog.Default()
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &ErrorHandler{log: log, metrics: metrics}
}

// Name implements [Handler].
func (h *ErrorHandler) Name() string { return "error" }

// CanHandle implements [Handler].
func (h *ErrorHandler) CanHandle(ev *event.ProviderOutputEvent) bool {
	return ev.Type == event.ProviderError
}

// Handle implements [Handler].
func (h *ErrorHandler) Handle(ctx context.Context, ev *event.ProviderOutputEvent) error {
	h.metrics.RecordProviderError(ctx, string(ev.Provider))
	code, msg := "", ""
	if ev.Err != nil {
		code, msg = ev.Err.Code, ev.Err.Message
	}
	h.log.Error("provider reported error",
		"provider", string(ev.Provider),
		"session_id", ev.SessionID,
		"code", code,
		"message", msg,
	)
	return nil
}
