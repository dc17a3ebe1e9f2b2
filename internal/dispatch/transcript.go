package dispatch

import (
	"context"

	"github.com/voxlate/voxlate/internal/event"
)

// TranscriptHandler forwards transcript deltas and finals to the platform
// egress as translation text messages.
type TranscriptHandler struct {
	publish Publisher
}

// NewTranscriptHandler creates the transcript handler.
func NewTranscriptHandler(publish Publisher) *TranscriptHandler {
	return &TranscriptHandler{publish: publish}
}

// Name implements [Handler].
func (h *TranscriptHandler) Name() string { return "transcript" }

// CanHandle implements [Handler].
func (h *TranscriptHandler) CanHandle(ev *event.ProviderOutputEvent) bool {
	return ev.Type == event.ProviderTranscriptDelta || ev.Type == event.ProviderTranscriptDone
}

// Handle implements [Handler].
func (h *TranscriptHandler) Handle(ctx context.Context, ev *event.ProviderOutputEvent) error {
	kind := event.OutboundTranscriptDelta
	if ev.Type == event.ProviderTranscriptDone {
		kind = event.OutboundTranscriptDone
	}

	var text string
	if ev.Transcript != nil {
		text = ev.Transcript.Text
	}

	return h.publish(ctx, event.Outbound{
		Kind:          kind,
		SessionID:     ev.SessionID,
		ParticipantID: ev.ParticipantID,
		CommitID:      ev.CommitID,
		StreamID:      ev.StreamID,
		Provider:      ev.Provider,
		Text:          text,
		TimestampMS:   ev.TimestampMS,
	})
}
