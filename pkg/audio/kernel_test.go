package audio_test

import (
	"bytes"
	"errors"
	"math"
	"testing"

	"github.com/voxlate/voxlate/pkg/audio"
)

// pcm16 packs int16 samples into a little-endian byte slice.
func pcm16(samples ...int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// samples16 unpacks little-endian PCM16 bytes into int16 samples.
func samples16(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
	}
	return out
}

// sine generates n mono samples of a sine wave at the given amplitude.
func sine(n int, amplitude float64) []byte {
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = int16(amplitude * math.Sin(2*math.Pi*float64(i)/48))
	}
	return pcm16(samples...)
}

func TestFormatValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		format  audio.Format
		wantErr bool
	}{
		{"mono 16k", audio.Format{SampleRateHz: 16000, Channels: 1, Encoding: audio.EncodingPCM16}, false},
		{"stereo 48k no encoding", audio.Format{SampleRateHz: 48000, Channels: 2}, false},
		{"mulaw", audio.Format{SampleRateHz: 8000, Channels: 1, Encoding: "mulaw"}, true},
		{"five channels", audio.Format{SampleRateHz: 16000, Channels: 5}, true},
		{"zero rate", audio.Format{SampleRateHz: 0, Channels: 1}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.format.Validate()
			if tc.wantErr && !errors.Is(err, audio.ErrUnsupportedFormat) {
				t.Fatalf("Validate() = %v, want ErrUnsupportedFormat", err)
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("Validate() = %v, want nil", err)
			}
		})
	}
}

func TestFormatFrameBytes(t *testing.T) {
	t.Parallel()

	f := audio.Format{SampleRateHz: 16000, Channels: 1}
	if got := f.FrameBytes(20); got != 640 {
		t.Fatalf("FrameBytes(20) = %d, want 640", got)
	}
	f = audio.Format{SampleRateHz: 24000, Channels: 1}
	if got := f.FrameBytes(20); got != 960 {
		t.Fatalf("FrameBytes(20) = %d, want 960", got)
	}
	f = audio.Format{SampleRateHz: 48000, Channels: 2}
	if got := f.FrameBytes(20); got != 3840 {
		t.Fatalf("FrameBytes(20) = %d, want 3840", got)
	}
}

func TestTrimToFrameBoundary(t *testing.T) {
	t.Parallel()

	stereo := audio.Format{SampleRateHz: 16000, Channels: 2}
	in := make([]byte, 11)
	got := audio.TrimToFrameBoundary(in, stereo)
	if len(got) != 8 {
		t.Fatalf("len = %d, want 8", len(got))
	}

	if got := audio.TrimToFrameBoundary(nil, stereo); len(got) != 0 {
		t.Fatalf("nil input: len = %d, want 0", len(got))
	}
}

func TestSplitByMS(t *testing.T) {
	t.Parallel()

	f := audio.Format{SampleRateHz: 16000, Channels: 1}
	in := make([]byte, 1600) // 50 ms
	chunks := audio.SplitByMS(in, f, 20)
	if len(chunks) != 3 {
		t.Fatalf("chunks = %d, want 3", len(chunks))
	}
	if len(chunks[0]) != 640 || len(chunks[1]) != 640 || len(chunks[2]) != 320 {
		t.Fatalf("chunk sizes = %d/%d/%d, want 640/640/320",
			len(chunks[0]), len(chunks[1]), len(chunks[2]))
	}

	if got := audio.SplitByMS(in, f, 0); got != nil {
		t.Fatalf("chunkMS=0 should return nil, got %d chunks", len(got))
	}
	if got := audio.SplitByMS(nil, f, 20); got != nil {
		t.Fatalf("empty input should return nil, got %d chunks", len(got))
	}
}

func TestToMonoDownmixAverages(t *testing.T) {
	t.Parallel()

	// L=100/R=200 averages to 150; L=-50/R=50 averages to 0.
	in := pcm16(100, 200, -50, 50)
	got, err := audio.ToMono(in, 2)
	if err != nil {
		t.Fatalf("ToMono: %v", err)
	}
	want := pcm16(150, 0)
	if !bytes.Equal(got, want) {
		t.Fatalf("ToMono = %v, want %v", samples16(got), samples16(want))
	}
}

func TestToStereoDuplicates(t *testing.T) {
	t.Parallel()

	in := pcm16(7, -9)
	got, err := audio.ToStereo(in, 1)
	if err != nil {
		t.Fatalf("ToStereo: %v", err)
	}
	want := pcm16(7, 7, -9, -9)
	if !bytes.Equal(got, want) {
		t.Fatalf("ToStereo = %v, want %v", samples16(got), samples16(want))
	}
}

func TestChannelConversionRejectsOddCounts(t *testing.T) {
	t.Parallel()

	if _, err := audio.ToMono(nil, 3); !errors.Is(err, audio.ErrUnsupportedFormat) {
		t.Fatalf("ToMono(3ch) err = %v, want ErrUnsupportedFormat", err)
	}
	if _, err := audio.ToStereo(nil, 0); !errors.Is(err, audio.ErrUnsupportedFormat) {
		t.Fatalf("ToStereo(0ch) err = %v, want ErrUnsupportedFormat", err)
	}
}

func TestResamplePCM16EqualRatesPassThrough(t *testing.T) {
	t.Parallel()

	in := pcm16(1, 2, 3, 4)
	got, err := audio.ResamplePCM16(in, 16000, 16000, 1)
	if err != nil {
		t.Fatalf("ResamplePCM16: %v", err)
	}
	if !bytes.Equal(got, in) {
		t.Fatal("equal rates must be a pass-through")
	}
}

func TestResamplePCM16Downsample(t *testing.T) {
	t.Parallel()

	// 20 ms at 24 kHz mono is 480 samples; at 16 kHz it is 320.
	in := sine(480, 8000)
	got, err := audio.ResamplePCM16(in, 24000, 16000, 1)
	if err != nil {
		t.Fatalf("ResamplePCM16: %v", err)
	}
	if len(got) != 640 {
		t.Fatalf("output = %d bytes, want 640", len(got))
	}

	inRMS, _ := audio.RMSPCM16(in, 1)
	outRMS, _ := audio.RMSPCM16(got, 1)
	if math.Abs(inRMS-outRMS)/inRMS > 0.10 {
		t.Fatalf("RMS drifted: in=%.1f out=%.1f", inRMS, outRMS)
	}
}

func TestRMSPCM16(t *testing.T) {
	t.Parallel()

	if got, _ := audio.RMSPCM16(nil, 1); got != 0 {
		t.Fatalf("empty RMS = %f, want 0", got)
	}

	// A constant amplitude signal has RMS equal to that amplitude.
	got, err := audio.RMSPCM16(pcm16(1000, -1000, 1000, -1000), 1)
	if err != nil {
		t.Fatalf("RMSPCM16: %v", err)
	}
	if math.Abs(got-1000) > 0.001 {
		t.Fatalf("RMS = %f, want 1000", got)
	}
}

func TestRMSPCM16StereoTakesLouderChannel(t *testing.T) {
	t.Parallel()

	// Left channel silent, right channel at 2000: either channel must be able
	// to trip the VAD, so the result is the right channel's RMS.
	in := pcm16(0, 2000, 0, -2000)
	got, err := audio.RMSPCM16(in, 2)
	if err != nil {
		t.Fatalf("RMSPCM16: %v", err)
	}
	if math.Abs(got-2000) > 0.001 {
		t.Fatalf("stereo RMS = %f, want 2000", got)
	}
}

func TestMixFramesAverages(t *testing.T) {
	t.Parallel()

	a := pcm16(1000, -1000)
	b := pcm16(3000, 1000)
	got := audio.MixFrames([][]byte{a, b})
	want := pcm16(2000, 0)
	if !bytes.Equal(got, want) {
		t.Fatalf("mix = %v, want %v", samples16(got), samples16(want))
	}
}

func TestMixFramesSingleParticipantUnchanged(t *testing.T) {
	t.Parallel()

	a := pcm16(123, -456)
	got := audio.MixFrames([][]byte{a})
	if !bytes.Equal(got, a) {
		t.Fatal("single frame must be forwarded unchanged")
	}
}

func TestMixFramesClamps(t *testing.T) {
	t.Parallel()

	a := pcm16(math.MaxInt16, math.MinInt16)
	b := pcm16(math.MaxInt16, math.MinInt16)
	got := samples16(audio.MixFrames([][]byte{a, b}))
	if got[0] != math.MaxInt16 || got[1] != math.MinInt16 {
		t.Fatalf("mix = %v, want clamped extremes", got)
	}
}

func TestSilence(t *testing.T) {
	t.Parallel()

	if got := audio.Silence(640); len(got) != 640 {
		t.Fatalf("len = %d, want 640", len(got))
	}
	if got := audio.Silence(-4); len(got) != 0 {
		t.Fatalf("negative n: len = %d, want 0", len(got))
	}
	for i, b := range audio.Silence(64) {
		if b != 0 {
			t.Fatalf("byte %d = %d, want 0", i, b)
		}
	}
}
