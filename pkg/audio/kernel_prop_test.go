package audio_test

import (
	"bytes"
	"math"
	"testing"

	"pgregory.net/rapid"

	"github.com/voxlate/voxlate/pkg/audio"
)

func genFormat(t *rapid.T) audio.Format {
	return audio.Format{
		SampleRateHz: rapid.SampledFrom([]int{8000, 16000, 24000, 44100, 48000}).Draw(t, "rate"),
		Channels:     rapid.IntRange(1, 2).Draw(t, "channels"),
		Encoding:     audio.EncodingPCM16,
	}
}

func TestTrimToFrameBoundaryProperties(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		f := genFormat(t)
		pcm := rapid.SliceOfN(rapid.Byte(), 0, 4096).Draw(t, "pcm")

		got := audio.TrimToFrameBoundary(pcm, f)
		bpf := f.BytesPerFrame()
		if len(got)%bpf != 0 {
			t.Fatalf("length %d not a multiple of %d", len(got), bpf)
		}
		if len(got) > len(pcm) || len(pcm)-len(got) >= bpf {
			t.Fatalf("len(got)=%d is not the largest aligned length <= %d", len(got), len(pcm))
		}
		if !bytes.Equal(got, pcm[:len(got)]) {
			t.Fatal("trim must be a prefix")
		}
	})
}

func TestSplitByMSConcatenationProperty(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		f := genFormat(t)
		pcm := rapid.SliceOfN(rapid.Byte(), 0, 8192).Draw(t, "pcm")
		chunkMS := rapid.IntRange(1, 100).Draw(t, "chunkMS")

		chunks := audio.SplitByMS(pcm, f, chunkMS)
		var joined []byte
		for _, c := range chunks {
			if len(c)%f.BytesPerFrame() != 0 {
				t.Fatalf("chunk of %d bytes not frame aligned", len(c))
			}
			joined = append(joined, c...)
		}
		if !bytes.Equal(joined, audio.TrimToFrameBoundary(pcm, f)) {
			t.Fatal("concatenated chunks differ from trimmed input")
		}
	})
}

func TestChannelRoundTripProperties(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 512).Draw(t, "frames")
		stereo := rapid.SliceOfN(rapid.Byte(), n*4, n*4).Draw(t, "stereo")

		mono, err := audio.ToMono(stereo, 2)
		if err != nil {
			t.Fatalf("ToMono: %v", err)
		}
		back, err := audio.ToStereo(mono, 1)
		if err != nil {
			t.Fatalf("ToStereo: %v", err)
		}
		if len(back) != len(stereo) || len(back)%4 != 0 {
			t.Fatalf("round trip length %d, want %d", len(back), len(stereo))
		}
	})
}

func TestMonoStereoMonoPreservesValues(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 512).Draw(t, "samples")
		mono := rapid.SliceOfN(rapid.Byte(), n*2, n*2).Draw(t, "mono")

		up, err := audio.ToStereo(mono, 1)
		if err != nil {
			t.Fatalf("ToStereo: %v", err)
		}
		down, err := audio.ToMono(up, 2)
		if err != nil {
			t.Fatalf("ToMono: %v", err)
		}
		// Averaging two identical channels reproduces the original exactly.
		if !bytes.Equal(down, mono) {
			t.Fatal("mono -> stereo -> mono did not preserve samples")
		}
	})
}

func TestRMSDoublingProperty(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 256).Draw(t, "samples")
		vals := rapid.SliceOfN(rapid.Int16Range(-16000, 16000), n, n).Draw(t, "vals")

		single := pcm16(vals...)
		doubled := make([]int16, n)
		for i, v := range vals {
			doubled[i] = v * 2
		}
		double := pcm16(doubled...)

		r1, err := audio.RMSPCM16(single, 1)
		if err != nil {
			t.Fatalf("RMSPCM16: %v", err)
		}
		r2, err := audio.RMSPCM16(double, 1)
		if err != nil {
			t.Fatalf("RMSPCM16: %v", err)
		}
		if math.Abs(r2-2*r1) > 1e-6*(1+r1) {
			t.Fatalf("doubling samples: rms %f -> %f, want x2", r1, r2)
		}
	})
}

func TestStreamingResamplerPartitionProperty(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		srcRate := rapid.SampledFrom([]int{16000, 24000, 48000}).Draw(t, "src")
		dstRate := 16000
		if srcRate == 16000 {
			dstRate = 24000
		}
		n := rapid.IntRange(1, 2000).Draw(t, "samples")
		in := rapid.SliceOfN(rapid.Byte(), n*2, n*2).Draw(t, "pcm")

		want, err := audio.ResamplePCM16(in, srcRate, dstRate, 1)
		if err != nil {
			t.Fatalf("ResamplePCM16: %v", err)
		}

		r, err := audio.NewStreamingResampler(srcRate, dstRate, 1)
		if err != nil {
			t.Fatalf("NewStreamingResampler: %v", err)
		}
		var got []byte
		rest := in
		for len(rest) > 0 {
			cut := rapid.IntRange(1, len(rest)).Draw(t, "cut")
			out, err := r.Process(rest[:cut])
			if err != nil {
				t.Fatalf("Process: %v", err)
			}
			got = append(got, out...)
			rest = rest[cut:]
		}
		got = append(got, r.Flush()...)

		if len(got) != len(want) {
			t.Fatalf("partitioned output %d bytes, one-shot %d bytes", len(got), len(want))
		}
		ws, gs := samples16(want), samples16(got)
		for i := range ws {
			if d := int(ws[i]) - int(gs[i]); d < -2 || d > 2 {
				t.Fatalf("sample %d: partitioned=%d one-shot=%d", i, gs[i], ws[i])
			}
		}
	})
}
