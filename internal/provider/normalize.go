// Package provider maintains the translation-backend WebSocket: it forwards
// inbound call audio upstream and normalizes the backend's event stream into
// [event.ProviderOutputEvent] values for the dispatcher.
package provider

import (
	"encoding/json"
	"fmt"

	"github.com/voxlate/voxlate/internal/event"
	"github.com/voxlate/voxlate/pkg/audio"
)

// rawEvent is the superset wire shape the normalizer understands. The
// generic profile uses the normalized field names directly; the
// openai-realtime profile maps that provider's event names onto them.
type rawEvent struct {
	Type          string     `json:"type"`
	SessionID     string     `json:"session_id,omitempty"`
	ParticipantID string     `json:"participant_id,omitempty"`
	CommitID      string     `json:"commit_id,omitempty"`
	StreamID      string     `json:"stream_id,omitempty"`
	TimestampMS   int64      `json:"timestamp_ms,omitempty"`
	AudioB64      string     `json:"audio_b64,omitempty"`
	Format        *rawFormat `json:"format,omitempty"`
	Text          string     `json:"text,omitempty"`
	Action        string     `json:"action,omitempty"`
	DetailStr     string     `json:"detail,omitempty"`
	Error         *rawError  `json:"error,omitempty"`

	// openai-realtime field aliases.
	Delta      string `json:"delta,omitempty"`
	ResponseID string `json:"response_id,omitempty"`
	ItemID     string `json:"item_id,omitempty"`
}

type rawFormat struct {
	SampleRateHz int    `json:"sample_rate_hz"`
	Channels     int    `json:"channels"`
	Encoding     string `json:"encoding,omitempty"`
}

type rawError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// openaiEventTypes maps openai-realtime event names onto the normalized
// surface. Unlisted names are dropped by the normalizer.
var openaiEventTypes = map[string]event.ProviderEventType{
	"response.audio.delta":            event.ProviderAudioDelta,
	"response.audio.done":             event.ProviderAudioDone,
	"response.audio_transcript.delta": event.ProviderTranscriptDelta,
	"response.audio_transcript.done":  event.ProviderTranscriptDone,
	"error":                           event.ProviderError,
}

// errSkipEvent marks wire frames that carry no normalized meaning, e.g.
// openai-realtime bookkeeping events.
var errSkipEvent = fmt.Errorf("provider: event carries no normalized meaning")

// normalize parses one raw provider frame into a normalized event.
// Returns errSkipEvent for frames the profile deliberately ignores.
func normalize(kind event.Provider, raw []byte) (*event.ProviderOutputEvent, error) {
	var re rawEvent
	if err := json.Unmarshal(raw, &re); err != nil {
		return nil, fmt.Errorf("provider: parse frame: %w", err)
	}
	if re.Type == "" {
		return nil, fmt.Errorf("provider: frame without type")
	}

	evType := event.ProviderEventType(re.Type)
	if kind == event.ProviderOpenAIRealtime {
		mapped, ok := openaiEventTypes[re.Type]
		if !ok {
			// Session and response bookkeeping events are expected noise.
			return nil, errSkipEvent
		}
		evType = mapped
		if re.StreamID == "" {
			re.StreamID = re.ResponseID
		}
		if re.AudioB64 == "" {
			re.AudioB64 = re.Delta
		}
		if re.Text == "" {
			re.Text = re.Delta
		}
	}
	if !evType.IsValid() {
		return nil, fmt.Errorf("provider: unknown event type %q", re.Type)
	}

	ev := &event.ProviderOutputEvent{
		Type:          evType,
		SessionID:     re.SessionID,
		ParticipantID: re.ParticipantID,
		CommitID:      re.CommitID,
		StreamID:      re.StreamID,
		Provider:      kind,
		TimestampMS:   re.TimestampMS,
	}

	switch evType {
	case event.ProviderAudioDelta:
		payload := &event.ProviderAudioPayload{AudioB64: re.AudioB64}
		if re.Format != nil {
			f := audio.Format{
				SampleRateHz: re.Format.SampleRateHz,
				Channels:     re.Format.Channels,
				Encoding:     audio.EncodingPCM16,
			}
			if err := f.Validate(); err != nil {
				return nil, err
			}
			payload.Format = &f
		}
		ev.Audio = payload

	case event.ProviderTranscriptDelta, event.ProviderTranscriptDone:
		ev.Transcript = &event.TranscriptPayload{Text: re.Text}

	case event.ProviderControl:
		ev.Control = &event.ProviderControlPayload{Action: re.Action, Detail: re.DetailStr}

	case event.ProviderError:
		payload := &event.ProviderErrorPayload{}
		if re.Error != nil {
			payload.Code = re.Error.Code
			payload.Message = re.Error.Message
		}
		ev.Err = payload
	}

	return ev, nil
}

// audioRequest is the upstream shape for forwarded call audio.
type audioRequest struct {
	Type          string `json:"type"`
	SessionID     string `json:"session_id,omitempty"`
	ParticipantID string `json:"participant_id,omitempty"`
	CommitID      string `json:"commit_id,omitempty"`
	AudioB64      string `json:"audio_b64,omitempty"`
	TimestampMS   int64  `json:"timestamp_ms,omitempty"`
}

// serializeAudio renders one inbound envelope as an upstream audio request.
func serializeAudio(env *event.Envelope) ([]byte, error) {
	req := audioRequest{
		Type:          "input_audio.append",
		SessionID:     env.SessionID,
		ParticipantID: env.ParticipantID,
		CommitID:      env.CommitID,
	}
	switch {
	case env.Type == event.TypeAudioCommit:
		req.Type = "input_audio.commit"
	case env.Audio != nil:
		req.AudioB64 = env.Audio.AudioB64
		req.TimestampMS = env.Audio.SourceTimestampMS
	}
	return json.Marshal(req)
}
