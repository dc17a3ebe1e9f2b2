package event

// OutboundKind enumerates the messages the ACS egress adapter can serialize.
type OutboundKind string

const (
	OutboundAudio           OutboundKind = "audio"
	OutboundAudioDone       OutboundKind = "audio.done"
	OutboundStopAudio       OutboundKind = "control.stop_audio"
	OutboundTranscriptDelta OutboundKind = "translation.text_delta"
	OutboundTranscriptDone  OutboundKind = "translation.text_done"
)

// DoneReason states why an outbound audio.done was published.
type DoneReason string

const (
	DoneCompleted DoneReason = "completed"
	DoneError     DoneReason = "error"
)

// Outbound is one message bound for the ACS WebSocket. Kind selects which
// field group is meaningful; unrelated fields stay zero.
type Outbound struct {
	Kind OutboundKind

	SessionID     string
	ParticipantID string
	CommitID      string
	StreamID      string
	Provider      Provider

	// Audio fields (Kind == OutboundAudio).
	PCM          []byte
	SampleRateHz int
	Channels     int
	Sequence     uint64

	// Done fields (Kind == OutboundAudioDone).
	Reason DoneReason
	Error  string

	// Transcript fields (Kind == OutboundTranscriptDelta / Done).
	Text        string
	TimestampMS int64

	// Detail annotates control messages, e.g. "barge_in".
	Detail string
}
