package event

import "github.com/voxlate/voxlate/pkg/audio"

// Provider identifies which translation backend produced an event.
type Provider string

const (
	ProviderOpenAIRealtime   Provider = "openai-realtime"
	ProviderSpeechTranslator Provider = "speech-translator"
	ProviderLiveInterpreter  Provider = "live-interpreter"
	ProviderGeneric          Provider = "generic"
)

// IsValid reports whether p is a recognised provider kind.
func (p Provider) IsValid() bool {
	switch p {
	case ProviderOpenAIRealtime, ProviderSpeechTranslator, ProviderLiveInterpreter, ProviderGeneric:
		return true
	}
	return false
}

// DefaultSourceFormat returns the audio format the provider emits when an
// audio.delta omits explicit format metadata.
func (p Provider) DefaultSourceFormat() audio.Format {
	if p == ProviderOpenAIRealtime {
		return audio.Format{SampleRateHz: 24000, Channels: 1, Encoding: audio.EncodingPCM16}
	}
	return audio.DefaultFormat
}

// ProviderEventType enumerates the normalized provider event surface.
type ProviderEventType string

const (
	ProviderAudioDelta      ProviderEventType = "audio.delta"
	ProviderAudioDone       ProviderEventType = "audio.done"
	ProviderTranscriptDelta ProviderEventType = "transcript.delta"
	ProviderTranscriptDone  ProviderEventType = "transcript.done"
	ProviderControl         ProviderEventType = "control"
	ProviderError           ProviderEventType = "error"
)

// IsValid reports whether t is a recognised provider event type.
func (t ProviderEventType) IsValid() bool {
	switch t {
	case ProviderAudioDelta, ProviderAudioDone, ProviderTranscriptDelta,
		ProviderTranscriptDone, ProviderControl, ProviderError:
		return true
	}
	return false
}

// ProviderAudioPayload carries one audio delta: base64 PCM plus optional
// declared source format.
type ProviderAudioPayload struct {
	AudioB64 string
	Format   *audio.Format
}

// TranscriptPayload carries a transcript delta or final.
type TranscriptPayload struct {
	Text string
}

// ProviderControlPayload carries a provider control action, e.g. "stop_audio".
type ProviderControlPayload struct {
	Action string
	Detail string
}

// ProviderErrorPayload carries a provider-reported error.
type ProviderErrorPayload struct {
	Code    string
	Message string
}

// ProviderOutputEvent is a normalized outbound provider event. The payload
// field matching Type is set; the others are nil. Events are immutable after
// publication.
type ProviderOutputEvent struct {
	Type          ProviderEventType
	SessionID     string
	ParticipantID string
	CommitID      string
	StreamID      string
	Provider      Provider
	TimestampMS   int64

	Audio      *ProviderAudioPayload
	Transcript *TranscriptPayload
	Control    *ProviderControlPayload
	Err        *ProviderErrorPayload
}

// SourceFormat resolves the audio format of an audio.delta: the event's own
// declaration when present, otherwise the provider's default.
func (e *ProviderOutputEvent) SourceFormat() audio.Format {
	if e.Audio != nil && e.Audio.Format != nil {
		return *e.Audio.Format
	}
	return e.Provider.DefaultSourceFormat()
}
