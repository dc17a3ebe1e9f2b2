// Package acs implements the call-platform WebSocket adapters: the ingress
// side normalizes inbound frames into [event.Envelope] values, the egress
// side serializes [event.Outbound] values back onto the wire.
//
// Frames are parsed exactly once here; nothing downstream touches raw JSON.
package acs

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/voxlate/voxlate/internal/event"
	"github.com/voxlate/voxlate/pkg/audio"
)

// ErrMalformedFrame marks an inbound frame the adapter could not normalize.
var ErrMalformedFrame = errors.New("acs: malformed frame")

// ingressFrame is the raw shape of one inbound platform frame.
type ingressFrame struct {
	Timestamp  string          `json:"timestamp"`
	Direction  string          `json:"direction"`
	SessionID  string          `json:"sessionId,omitempty"`
	ScenarioID string          `json:"scenarioId,omitempty"`
	Message    *ingressMessage `json:"message"`
}

type ingressMessage struct {
	Kind      string            `json:"kind,omitempty"`
	Type      string            `json:"type,omitempty"`
	CommitID  string            `json:"commitId,omitempty"`
	AudioData *ingressAudioData `json:"audioData,omitempty"`
	Detail    map[string]any    `json:"detail,omitempty"`
}

type ingressAudioData struct {
	Data             string `json:"data"`
	ParticipantRawID string `json:"participantRawID,omitempty"`
	ParticipantID    string `json:"participantId,omitempty"`
	Timestamp        int64  `json:"timestamp,omitempty"`
	Silent           bool   `json:"silent,omitempty"`
	SampleRate       int    `json:"sampleRate,omitempty"`
	Channels         int    `json:"channels,omitempty"`
	BitsPerSample    int    `json:"bitsPerSample,omitempty"`
	Format           string `json:"format,omitempty"`
}

// messageKindAudioData is the platform's discriminator for audio frames.
const messageKindAudioData = "AudioData"

// parseIngressFrame normalizes one raw platform frame into an envelope.
// The returned envelope has no trace record yet; the ingress adapter fills
// it in before publication.
func parseIngressFrame(raw []byte) (*event.Envelope, error) {
	var frame ingressFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if frame.Timestamp == "" {
		return nil, fmt.Errorf("%w: missing timestamp", ErrMalformedFrame)
	}
	if frame.Direction == "" {
		return nil, fmt.Errorf("%w: missing direction", ErrMalformedFrame)
	}
	if frame.Message == nil {
		return nil, fmt.Errorf("%w: missing message", ErrMalformedFrame)
	}

	ts, err := time.Parse(time.RFC3339Nano, frame.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("%w: bad timestamp %q: %v", ErrMalformedFrame, frame.Timestamp, err)
	}

	env := &event.Envelope{
		SessionID:    frame.SessionID,
		ScenarioID:   frame.ScenarioID,
		CommitID:     frame.Message.CommitID,
		TimestampUTC: ts.UTC(),
		Source:       event.SourceACS,
	}

	switch {
	case frame.Message.Kind == messageKindAudioData:
		ad := frame.Message.AudioData
		if ad == nil {
			return nil, fmt.Errorf("%w: AudioData message without audioData", ErrMalformedFrame)
		}
		payload, err := parseAudioData(ad)
		if err != nil {
			return nil, err
		}
		env.Type = event.TypeAudio
		env.ContentType = "audio/pcm"
		env.ParticipantID = participantOf(ad)
		env.Audio = payload

	case frame.Message.Type != "":
		env.Type = frame.Message.Type
		env.Control = &event.ControlPayload{
			Kind:   frame.Message.Type,
			Detail: frame.Message.Detail,
		}

	default:
		return nil, fmt.Errorf("%w: message has neither kind nor type", ErrMalformedFrame)
	}

	return env, nil
}

// parseAudioData validates an audioData block and converts it into the
// envelope payload. The base64 body is checked for decodability but kept
// encoded; consumers decode where the bytes are needed.
func parseAudioData(ad *ingressAudioData) (*event.AudioPayload, error) {
	if ad.Data != "" {
		if _, err := base64.StdEncoding.DecodeString(ad.Data); err != nil {
			return nil, fmt.Errorf("%w: invalid base64 audio: %v", ErrMalformedFrame, err)
		}
	}
	if ad.BitsPerSample != 0 && ad.BitsPerSample != 16 {
		return nil, fmt.Errorf("%w: %d bits per sample", audio.ErrUnsupportedFormat, ad.BitsPerSample)
	}
	if ad.Format != "" && ad.Format != "pcm" {
		return nil, fmt.Errorf("%w: format %q", audio.ErrUnsupportedFormat, ad.Format)
	}

	payload := &event.AudioPayload{
		AudioB64:          ad.Data,
		SourceTimestampMS: ad.Timestamp,
		Silent:            ad.Silent,
	}
	if ad.SampleRate != 0 || ad.Channels != 0 {
		f := audio.Format{
			SampleRateHz: ad.SampleRate,
			Channels:     ad.Channels,
			Encoding:     audio.EncodingPCM16,
		}
		if f.SampleRateHz == 0 {
			f.SampleRateHz = audio.DefaultFormat.SampleRateHz
		}
		if f.Channels == 0 {
			f.Channels = audio.DefaultFormat.Channels
		}
		if err := f.Validate(); err != nil {
			return nil, err
		}
		payload.Format = &f
	}
	return payload, nil
}

func participantOf(ad *ingressAudioData) string {
	if ad.ParticipantRawID != "" {
		return ad.ParticipantRawID
	}
	return ad.ParticipantID
}

// egressAudioFrame is the platform shape for outbound audio.
type egressAudioFrame struct {
	Kind      string           `json:"kind"`
	AudioData *egressAudioData `json:"audioData"`
	StopAudio *struct{}        `json:"stopAudio"`
}

type egressAudioData struct {
	Data        string  `json:"data"`
	Timestamp   *int64  `json:"timestamp"`
	Participant *string `json:"participant"`
	IsSilent    bool    `json:"isSilent"`
}

// egressTypedFrame is the platform shape for done, control and transcript
// messages.
type egressTypedFrame struct {
	Type          string `json:"type"`
	SessionID     string `json:"session_id,omitempty"`
	ParticipantID string `json:"participant_id,omitempty"`
	CommitID      string `json:"commit_id,omitempty"`
	StreamID      string `json:"stream_id,omitempty"`
	Provider      string `json:"provider,omitempty"`
	Reason        string `json:"reason,omitempty"`
	Error         string `json:"error,omitempty"`
	Text          string `json:"text,omitempty"`
	TimestampMS   int64  `json:"timestamp_ms,omitempty"`
	Detail        string `json:"detail,omitempty"`
}

// serializeOutbound renders one outbound message as a platform JSON frame.
func serializeOutbound(out event.Outbound) ([]byte, error) {
	switch out.Kind {
	case event.OutboundAudio:
		frame := egressAudioFrame{
			Kind: "audioData",
			AudioData: &egressAudioData{
				Data: base64.StdEncoding.EncodeToString(out.PCM),
			},
		}
		return json.Marshal(frame)

	case event.OutboundAudioDone:
		return json.Marshal(egressTypedFrame{
			Type:          string(event.OutboundAudioDone),
			SessionID:     out.SessionID,
			ParticipantID: out.ParticipantID,
			CommitID:      out.CommitID,
			StreamID:      out.StreamID,
			Provider:      string(out.Provider),
			Reason:        string(out.Reason),
			Error:         out.Error,
		})

	case event.OutboundStopAudio:
		return json.Marshal(egressTypedFrame{
			Type:          string(event.OutboundStopAudio),
			SessionID:     out.SessionID,
			ParticipantID: out.ParticipantID,
			CommitID:      out.CommitID,
			StreamID:      out.StreamID,
			Provider:      string(out.Provider),
			Detail:        out.Detail,
		})

	case event.OutboundTranscriptDelta, event.OutboundTranscriptDone:
		return json.Marshal(egressTypedFrame{
			Type:          string(out.Kind),
			SessionID:     out.SessionID,
			ParticipantID: out.ParticipantID,
			CommitID:      out.CommitID,
			StreamID:      out.StreamID,
			Provider:      string(out.Provider),
			Text:          out.Text,
			TimestampMS:   out.TimestampMS,
		})
	}
	return nil, fmt.Errorf("acs: unknown outbound kind %q", out.Kind)
}
