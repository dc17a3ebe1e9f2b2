// Package event defines the normalized message types that flow between the
// voxlate pipeline stages: the inbound [Envelope] produced by the ACS ingress
// adapter, the [ProviderOutputEvent] produced by the provider client, and the
// [Outbound] messages consumed by the ACS egress adapter.
//
// All three are parsed once at an adapter boundary and treated as immutable
// afterwards; downstream handlers never re-parse raw JSON.
package event

import (
	"time"

	"github.com/voxlate/voxlate/pkg/audio"
)

// Source identifies where an envelope entered the pipeline.
type Source string

// SourceACS marks envelopes normalized from the call-platform WebSocket.
const SourceACS Source = "acs"

// Envelope message types. Audio-carrying types share the "audio" prefix so
// handlers can match on [Envelope.IsAudio].
const (
	TypeAudio       = "audio"
	TypeAudioCommit = "audio.commit"
	TypeControl     = "control"
)

// Trace carries per-ingress bookkeeping attached to every envelope: a
// monotonic sequence (never reused within one process lifetime, including
// across reconnects), the wall-clock receive time and the ingress connection
// id the frame arrived on.
type Trace struct {
	Sequence   uint64
	ReceivedAt time.Time
	IngressID  string
}

// AudioPayload is the decoded audio portion of an ACS frame. AudioB64 stays
// base64-encoded: the ingress adapter validates decodability but the bytes
// are only materialised where they are needed.
type AudioPayload struct {
	AudioB64 string

	// Format is the declared source format, nil when the frame carried no
	// format fields (callers fall back to [audio.DefaultFormat]).
	Format *audio.Format

	// SourceTimestampMS is the sender-side timestamp of the first sample.
	SourceTimestampMS int64

	// Silent marks frames the platform already classified as silence.
	Silent bool
}

// ControlPayload is the decoded control portion of a non-audio ACS frame.
type ControlPayload struct {
	Kind   string
	Detail map[string]any
}

// Envelope is a normalized inbound ACS frame. Envelopes are immutable after
// publication; handlers on the inbound bus treat them as read-only.
type Envelope struct {
	MessageID     string
	SessionID     string
	ParticipantID string
	ScenarioID    string
	CommitID      string
	TimestampUTC  time.Time
	Source        Source
	Type          string
	ContentType   string

	// Audio is set for Type values with the "audio" prefix.
	Audio *AudioPayload

	// Control is set for control frames.
	Control *ControlPayload

	Trace Trace
}

// IsAudio reports whether the envelope carries an audio payload type.
func (e *Envelope) IsAudio() bool {
	return len(e.Type) >= len(TypeAudio) && e.Type[:len(TypeAudio)] == TypeAudio
}
