package playout

import (
	"fmt"
	"sync"

	"github.com/voxlate/voxlate/internal/event"
	"github.com/voxlate/voxlate/pkg/audio"
)

// Stream is the playout state for one (session, participant, stream_id)
// triple: it transcodes provider PCM into the call's target format and
// appends the result to the participant's shared buffer. The resampler is
// created lazily when source and target rates differ, reset when the source
// format changes mid-stream, and flushed on Finish.
type Stream struct {
	Key           string
	SessionID     string
	ParticipantID string
	StreamID      string
	CommitID      string
	Provider      event.Provider

	target audio.Format
	buffer *ParticipantBuffer

	mu        sync.Mutex
	src       audio.Format
	resampler *audio.StreamingResampler
	carry     []byte
	done      bool
}

// StreamKey builds the store key for a (session, participant, stream) triple.
func StreamKey(sessionID, participantID, streamID string) string {
	return sessionID + "|" + participantID + "|" + streamID
}

// Buffer returns the participant buffer this stream feeds.
func (s *Stream) Buffer() *ParticipantBuffer { return s.buffer }

// Done reports whether Finish has been called.
func (s *Stream) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Ingest converts one decoded provider chunk from src into the target format
// and appends it to the participant buffer. Providers chunk on byte counts,
// not sample boundaries, so a sample split across two deltas is held back
// (in the resampler, or in the stream's byte carry on the equal-rate path)
// and completed by the next call.
func (s *Stream) Ingest(pcm []byte, src audio.Format) error {
	if err := src.Validate(); err != nil {
		return err
	}
	if len(pcm) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return fmt.Errorf("playout: stream %s already finished", s.Key)
	}

	if src != s.src {
		// Mid-stream format change: held-back bytes of the old format can
		// never be completed, and the resampler state is rate-specific.
		s.carry = nil
		if s.resampler != nil {
			s.buffer.Append(s.resampler.Flush())
			s.resampler = nil
		}
		s.src = src
	}

	// Providers chunk on byte counts. Stitch the held-back tail of the
	// previous delta onto this one and hold back any new sub-sample tail,
	// so conversion only ever sees whole samples.
	if len(s.carry) > 0 {
		pcm = append(s.carry, pcm...)
		s.carry = nil
	}
	if rem := len(pcm) % src.BytesPerFrame(); rem != 0 {
		s.carry = append(s.carry, pcm[len(pcm)-rem:]...)
		pcm = pcm[:len(pcm)-rem]
	}
	if len(pcm) == 0 {
		return nil
	}

	// Channel conversion first so the resampler always runs in the target
	// channel layout.
	var err error
	switch {
	case src.Channels == 2 && s.target.Channels == 1:
		if pcm, err = audio.ToMono(pcm, src.Channels); err != nil {
			return err
		}
	case src.Channels == 1 && s.target.Channels == 2:
		if pcm, err = audio.ToStereo(pcm, src.Channels); err != nil {
			return err
		}
	}

	if src.SampleRateHz == s.target.SampleRateHz {
		s.buffer.Append(pcm)
		return nil
	}

	if s.resampler == nil {
		s.resampler, err = audio.NewStreamingResampler(src.SampleRateHz, s.target.SampleRateHz, s.target.Channels)
		if err != nil {
			return err
		}
	}

	out, err := s.resampler.Process(pcm)
	if err != nil {
		return fmt.Errorf("playout: resample stream %s: %w", s.Key, err)
	}
	s.buffer.Append(out)
	return nil
}

// Finish flushes the resampler, pads the stream tail to a frame boundary
// with silence and appends tailSilenceMS of extra silence. Idempotent.
func (s *Stream) Finish(tailSilenceMS int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return nil
	}
	s.done = true

	// A trailing byte-split sample can never be completed once the stream
	// ends; the frame padding below covers its duration.
	s.carry = nil

	if s.resampler != nil {
		s.buffer.Append(s.resampler.Flush())
		s.resampler = nil
	}

	// Pad a trailing sub-frame up to one full frame so the emitter can play
	// out every byte the provider sent.
	if rem := s.buffer.Buffered() % s.buffer.FrameBytes(); rem != 0 {
		s.buffer.Append(audio.Silence(s.buffer.FrameBytes() - rem))
	}
	if tailSilenceMS > 0 {
		s.buffer.Append(audio.Silence(s.target.FrameBytes(tailSilenceMS)))
	}
	return nil
}
