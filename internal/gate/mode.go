// Package gate implements the barge-in gate: it reacts to caller input
// state transitions by pausing, resuming or flushing the outbound audio
// path according to the configured mode.
package gate

// Mode selects how the gate reacts to a caller starting to speak while
// translated audio is playing.
type Mode string

const (
	// PlayThrough leaves outbound audio untouched.
	PlayThrough Mode = "play_through"

	// PauseAndBuffer pauses outbound audio delivery and keeps queued
	// frames; playback resumes where it left off once the caller stops.
	PauseAndBuffer Mode = "pause_and_buffer"

	// PauseAndDrop pauses outbound audio delivery and discards everything
	// already buffered; playback restarts from fresh provider audio.
	PauseAndDrop Mode = "pause_and_drop"
)

// IsValid reports whether m is a recognised gate mode.
func (m Mode) IsValid() bool {
	switch m {
	case PlayThrough, PauseAndBuffer, PauseAndDrop:
		return true
	}
	return false
}
