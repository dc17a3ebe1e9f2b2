package audio

import "fmt"

// StreamingResampler converts PCM16 between two sample rates across successive
// chunks, using linear interpolation. Unlike [ResamplePCM16] it preserves the
// read position and the input tail between calls, so concatenating the outputs
// of chunked processing yields one continuous waveform: for any partition of
// the same input bytes, Process+Flush emits identical samples.
//
// Input bytes that do not form a complete frame are retained until the next
// call. Output is always frame-aligned. Create one per (participant, stream);
// it is not safe for concurrent use.
type StreamingResampler struct {
	srcRate  int
	dstRate  int
	channels int
	ratio    float64 // input frames consumed per output frame

	carry  []byte  // sub-frame input remainder
	in     []int16 // buffered interleaved input samples, complete frames
	inBase uint64  // input frames dropped before in[0]
	outIdx uint64  // output frames emitted so far
}

// NewStreamingResampler creates a resampler for the given rate pair and
// channel count. Rates must be positive; channels must be 1 or 2. Equal rates
// are permitted and behave as a frame-aligned pass-through.
func NewStreamingResampler(srcRate, dstRate, channels int) (*StreamingResampler, error) {
	if srcRate <= 0 || dstRate <= 0 {
		return nil, fmt.Errorf("%w: resample %d -> %d", ErrUnsupportedFormat, srcRate, dstRate)
	}
	if channels != 1 && channels != 2 {
		return nil, fmt.Errorf("%w: %d channels", ErrUnsupportedFormat, channels)
	}
	return &StreamingResampler{
		srcRate:  srcRate,
		dstRate:  dstRate,
		channels: channels,
		ratio:    float64(srcRate) / float64(dstRate),
	}, nil
}

// SourceRate returns the input sample rate in Hz.
func (r *StreamingResampler) SourceRate() int { return r.srcRate }

// TargetRate returns the output sample rate in Hz.
func (r *StreamingResampler) TargetRate() int { return r.dstRate }

// Channels returns the channel count the resampler was created with.
func (r *StreamingResampler) Channels() int { return r.channels }

// Process converts pcm and returns the frame-aligned output produced so far.
// The last input frame is held back for interpolation against the next chunk;
// call Flush at end of stream to drain it.
func (r *StreamingResampler) Process(pcm []byte) ([]byte, error) {
	r.ingest(pcm)
	frames := len(r.in) / r.channels

	var out []byte
	// Emit only positions that have a following frame to interpolate against.
	for {
		idx, _ := r.position()
		if idx+1 >= frames {
			break
		}
		out = r.emitFrame(out, frames)
	}
	r.compact()
	return out, nil
}

// Flush drains the retained input, padding any trailing sub-frame bytes with
// silence, and resets the resampler to its initial state. The returned bytes
// are frame-aligned and may be empty.
func (r *StreamingResampler) Flush() []byte {
	// Complete a trailing partial frame with zero bytes so its samples are
	// not lost.
	if len(r.carry) > 0 {
		bpf := 2 * r.channels
		r.ingest(make([]byte, bpf-len(r.carry)))
	}
	frames := len(r.in) / r.channels

	var out []byte
	for {
		idx, _ := r.position()
		if idx >= frames {
			break
		}
		out = r.emitFrame(out, frames)
	}
	r.Reset()
	return out
}

// Reset returns the resampler to its initial state, discarding any retained
// input and the read position.
func (r *StreamingResampler) Reset() {
	r.carry = nil
	r.in = r.in[:0]
	r.inBase = 0
	r.outIdx = 0
}

// position returns the buffer-relative input index and fraction of the next
// output frame. The absolute position is outIdx × ratio; subtracting the
// compaction base keeps the arithmetic identical for every input partition.
func (r *StreamingResampler) position() (idx int, frac float64) {
	p := float64(r.outIdx)*r.ratio - float64(r.inBase)
	idx = int(p)
	return idx, p - float64(idx)
}

// ingest appends pcm to the internal sample buffer, keeping any sub-frame
// byte remainder in carry.
func (r *StreamingResampler) ingest(pcm []byte) {
	buf := pcm
	if len(r.carry) > 0 {
		buf = append(r.carry, pcm...)
		r.carry = nil
	}
	bpf := 2 * r.channels
	complete := len(buf) / bpf * bpf
	if rem := len(buf) - complete; rem > 0 {
		r.carry = append([]byte(nil), buf[complete:]...)
	}
	for i := 0; i+1 < complete; i += 2 {
		r.in = append(r.in, int16(buf[i])|int16(buf[i+1])<<8)
	}
}

// emitFrame appends one interpolated output frame at the current position.
// When the successor frame is beyond the buffered input (flush tail), the last
// available sample is held.
func (r *StreamingResampler) emitFrame(out []byte, frames int) []byte {
	idx, frac := r.position()
	for ch := range r.channels {
		s0 := r.in[idx*r.channels+ch]
		s1 := s0
		if idx+1 < frames {
			s1 = r.in[(idx+1)*r.channels+ch]
		}
		v := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out = append(out, byte(v), byte(v>>8))
	}
	r.outIdx++
	return out
}

// compact drops fully consumed input frames so the buffer stays bounded by a
// couple of frames regardless of stream length.
func (r *StreamingResampler) compact() {
	idx, _ := r.position()
	if idx <= 0 {
		return
	}
	frames := len(r.in) / r.channels
	if idx > frames {
		idx = frames
	}
	r.in = append(r.in[:0], r.in[idx*r.channels:]...)
	r.inBase += uint64(idx)
}
