package audio

import (
	"fmt"
	"math"
)

// TrimToFrameBoundary returns the prefix of pcm whose length is the largest
// multiple of f's bytes-per-frame. The returned slice aliases pcm.
func TrimToFrameBoundary(pcm []byte, f Format) []byte {
	bpf := f.BytesPerFrame()
	return pcm[:len(pcm)/bpf*bpf]
}

// SplitByMS splits pcm into ordered chunks of chunkMS milliseconds each. Every
// chunk is frame-aligned; the last chunk may be shorter. Trailing bytes that do
// not form a complete frame are discarded. chunkMS must be positive.
//
// The concatenation of the returned chunks equals TrimToFrameBoundary(pcm, f).
func SplitByMS(pcm []byte, f Format, chunkMS int) [][]byte {
	if chunkMS <= 0 || len(pcm) == 0 {
		return nil
	}
	pcm = TrimToFrameBoundary(pcm, f)
	step := f.FrameBytes(chunkMS)
	if step <= 0 {
		return nil
	}
	out := make([][]byte, 0, (len(pcm)+step-1)/step)
	for off := 0; off < len(pcm); off += step {
		end := min(off+step, len(pcm))
		out = append(out, pcm[off:end])
	}
	return out
}

// ToMono converts PCM16 with srcChannels channels to mono. Stereo input is
// downmixed by averaging L and R with equal gain; mono input is returned
// unchanged. Incomplete trailing frames are discarded.
func ToMono(pcm []byte, srcChannels int) ([]byte, error) {
	switch srcChannels {
	case 1:
		return pcm, nil
	case 2:
		frames := len(pcm) / 4
		out := make([]byte, frames*2)
		for i := range frames {
			l := int32(int16(pcm[i*4]) | int16(pcm[i*4+1])<<8)
			r := int32(int16(pcm[i*4+2]) | int16(pcm[i*4+3])<<8)
			avg := clampInt16((l + r) / 2)
			out[i*2] = byte(avg)
			out[i*2+1] = byte(avg >> 8)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %d channels", ErrUnsupportedFormat, srcChannels)
	}
}

// ToStereo converts PCM16 with srcChannels channels to stereo. Mono input is
// upmixed by duplicating each sample into an L+R pair; stereo input is
// returned unchanged.
func ToStereo(pcm []byte, srcChannels int) ([]byte, error) {
	switch srcChannels {
	case 2:
		return pcm, nil
	case 1:
		samples := len(pcm) / 2
		out := make([]byte, samples*4)
		for i := range samples {
			lo, hi := pcm[i*2], pcm[i*2+1]
			out[i*4] = lo
			out[i*4+1] = hi
			out[i*4+2] = lo
			out[i*4+3] = hi
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %d channels", ErrUnsupportedFormat, srcChannels)
	}
}

// ResamplePCM16 resamples PCM16 from srcRate to dstRate in one shot. Equal
// rates pass the input through unchanged. It is defined as a streaming
// resample of the whole input followed by a flush, so one-shot and chunked
// conversion of the same bytes agree.
func ResamplePCM16(pcm []byte, srcRate, dstRate, channels int) ([]byte, error) {
	if srcRate == dstRate {
		return pcm, nil
	}
	r, err := NewStreamingResampler(srcRate, dstRate, channels)
	if err != nil {
		return nil, err
	}
	out, err := r.Process(pcm)
	if err != nil {
		return nil, err
	}
	return append(out, r.Flush()...), nil
}

// RMSPCM16 returns the root-mean-square energy of int16 PCM samples. For
// stereo input it returns the louder channel's RMS, so either channel can
// trip voice activity detection. Empty input returns 0.
func RMSPCM16(pcm []byte, channels int) (float64, error) {
	if channels != 1 && channels != 2 {
		return 0, fmt.Errorf("%w: %d channels", ErrUnsupportedFormat, channels)
	}
	bpf := 2 * channels
	frames := len(pcm) / bpf
	if frames == 0 {
		return 0, nil
	}
	var sums [2]float64
	for i := range frames {
		for ch := range channels {
			off := i*bpf + ch*2
			s := float64(int16(pcm[off]) | int16(pcm[off+1])<<8)
			sums[ch] += s * s
		}
	}
	rms := math.Sqrt(sums[0] / float64(frames))
	if channels == 2 {
		rms = math.Max(rms, math.Sqrt(sums[1]/float64(frames)))
	}
	return rms, nil
}

// Silence returns n bytes of PCM16 silence. n is rounded down to an even
// number of bytes so the result stays sample-aligned.
func Silence(n int) []byte {
	if n < 0 {
		n = 0
	}
	return make([]byte, n/2*2)
}

// MixFrames mixes equally sized PCM16 frames into one by per-sample
// floating-point averaging, clamped to int16. A single frame is returned
// unchanged. Frames shorter than the first are treated as silence-padded.
func MixFrames(frames [][]byte) []byte {
	switch len(frames) {
	case 0:
		return nil
	case 1:
		return frames[0]
	}
	n := len(frames[0]) / 2
	out := make([]byte, n*2)
	inv := 1 / float64(len(frames))
	for i := range n {
		var acc float64
		for _, f := range frames {
			if i*2+1 < len(f) {
				acc += float64(int16(f[i*2]) | int16(f[i*2+1])<<8)
			}
		}
		s := clampInt16(int32(math.Round(acc * inv)))
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// clampInt16 clamps v to the int16 range.
func clampInt16(v int32) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}
