// Package audio provides the PCM16 kernel of the voxlate pipeline: format
// descriptors, frame-boundary arithmetic, channel conversion, resampling
// (one-shot and streaming), mixing, and RMS energy measurement.
//
// All operations work on little-endian int16 PCM byte slices. A "frame" is one
// sample per channel (2 × channels bytes); functions that return PCM always
// return frame-aligned slices. The kernel is pure apart from
// [StreamingResampler], which carries converter state across calls.
package audio

import (
	"errors"
	"fmt"
)

// ErrUnsupportedFormat is returned when a format is not little-endian PCM16
// with 1 or 2 channels. The pipeline has no use for anything else; callers
// surface this to the dispatcher, which fails the affected stream.
var ErrUnsupportedFormat = errors.New("audio: unsupported format")

// EncodingPCM16 is the only sample encoding the kernel operates on.
const EncodingPCM16 = "pcm16"

// Format describes the sample rate, channel count and encoding of a PCM
// stream. It is a value type: construct it from provider or call metadata and
// never mutate it afterwards.
type Format struct {
	SampleRateHz int
	Channels     int
	Encoding     string
}

// DefaultFormat is the call-side default when metadata omits format fields:
// 16 kHz mono PCM16.
var DefaultFormat = Format{SampleRateHz: 16000, Channels: 1, Encoding: EncodingPCM16}

// Validate reports whether f is a format the kernel can operate on.
func (f Format) Validate() error {
	if f.Encoding != "" && f.Encoding != EncodingPCM16 {
		return fmt.Errorf("%w: encoding %q", ErrUnsupportedFormat, f.Encoding)
	}
	if f.Channels != 1 && f.Channels != 2 {
		return fmt.Errorf("%w: %d channels", ErrUnsupportedFormat, f.Channels)
	}
	if f.SampleRateHz <= 0 {
		return fmt.Errorf("%w: sample rate %d", ErrUnsupportedFormat, f.SampleRateHz)
	}
	return nil
}

// BytesPerFrame returns the byte width of one frame (one sample per channel).
func (f Format) BytesPerFrame() int {
	return 2 * f.Channels
}

// FrameBytes returns the byte length of a chunk of ms milliseconds:
// floor(rate × ms / 1000) frames.
func (f Format) FrameBytes(ms int) int {
	return f.SampleRateHz * ms / 1000 * f.BytesPerFrame()
}

// DurationMS returns the duration in milliseconds of n PCM bytes in this
// format. Partial trailing frames contribute nothing.
func (f Format) DurationMS(n int) float64 {
	if f.SampleRateHz <= 0 {
		return 0
	}
	frames := n / f.BytesPerFrame()
	return float64(frames) * 1000 / float64(f.SampleRateHz)
}

// String returns a human-readable description, e.g. "16000Hz mono pcm16".
func (f Format) String() string {
	ch := "mono"
	switch {
	case f.Channels == 2:
		ch = "stereo"
	case f.Channels > 2:
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	enc := f.Encoding
	if enc == "" {
		enc = EncodingPCM16
	}
	return fmt.Sprintf("%dHz %s %s", f.SampleRateHz, ch, enc)
}

// Chunk is a PCM payload in a known format with optional ordering metadata.
// Duration is derived, never stored.
type Chunk struct {
	Data     []byte
	Format   Format
	Sequence uint64
	// TimestampMS is the source timestamp in milliseconds, when the producer
	// supplied one. Zero means unknown.
	TimestampMS int64
}

// DurationMS returns the chunk duration in milliseconds.
func (c Chunk) DurationMS() float64 {
	return c.Format.DurationMS(len(c.Data))
}
