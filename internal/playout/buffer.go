// Package playout assembles provider audio into paced outbound call frames:
// per-participant PCM buffers with a warm-up watermark, playout streams that
// transcode provider deltas into the call's target format, and a paced
// emitter that publishes exactly one frame per tick against absolute
// monotonic deadlines.
package playout

import (
	"context"
	"sync"

	"github.com/voxlate/voxlate/pkg/audio"
)

// ParticipantBuffer is a PCM16 byte buffer in the call's target format for
// one participant. A fresh buffer pops silence frames until its fill level
// has crossed the warm-up watermark once; after that, pops return real
// frames whenever at least one full frame is buffered. Clear re-arms the
// warm-up.
//
// One dispatcher handler writes, the call emitter reads; both paths lock.
type ParticipantBuffer struct {
	format      audio.Format
	frameBytes  int
	warmupBytes int

	mu     sync.Mutex
	cond   *sync.Cond
	buf    []byte
	warmed bool
}

// NewParticipantBuffer creates a buffer for the given target format, frame
// period and warm-up watermark.
func NewParticipantBuffer(format audio.Format, frameMS, warmupMS int) *ParticipantBuffer {
	b := &ParticipantBuffer{
		format:      format,
		frameBytes:  format.FrameBytes(frameMS),
		warmupBytes: format.FrameBytes(warmupMS),
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Format returns the buffer's target format.
func (b *ParticipantBuffer) Format() audio.Format { return b.format }

// FrameBytes returns the size of one popped frame in bytes.
func (b *ParticipantBuffer) FrameBytes() int { return b.frameBytes }

// Append adds converted PCM to the buffer.
func (b *ParticipantBuffer) Append(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, pcm...)
	if !b.warmed && len(b.buf) >= b.warmupBytes {
		b.warmed = true
	}
}

// PopFrame returns exactly one frame. The second return value is true for a
// real frame and false for generated silence.
func (b *ParticipantBuffer) PopFrame() ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.warmed && len(b.buf) >= b.warmupBytes {
		b.warmed = true
	}
	if b.warmed && len(b.buf) >= b.frameBytes {
		frame := make([]byte, b.frameBytes)
		copy(frame, b.buf[:b.frameBytes])
		b.buf = b.buf[b.frameBytes:]
		b.cond.Broadcast()
		return frame, true
	}
	return audio.Silence(b.frameBytes), false
}

// Buffered returns the number of buffered bytes.
func (b *ParticipantBuffer) Buffered() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

// Clear empties the buffer, re-arms the warm-up watermark and returns the
// number of discarded bytes.
func (b *ParticipantBuffer) Clear() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.buf)
	b.buf = nil
	b.warmed = false
	b.cond.Broadcast()
	return n
}

// WaitDrained blocks until fewer bytes than one frame remain buffered, or
// ctx expires. Used by audio.done handling to let the emitter play out what
// is queued before the stream is closed.
func (b *ParticipantBuffer) WaitDrained(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		b.mu.Lock()
		b.cond.Broadcast()
		b.mu.Unlock()
	})
	defer stop()

	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.buf) >= b.frameBytes {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b.cond.Wait()
	}
	return nil
}
