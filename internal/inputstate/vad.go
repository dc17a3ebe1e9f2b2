package inputstate

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/voxlate/voxlate/internal/event"
	"github.com/voxlate/voxlate/pkg/audio"
)

// DefaultThresholdRMS is the voice energy threshold on int16 PCM,
// corresponding to roughly -40 dBFS.
const DefaultThresholdRMS = 328.0

// VAD feeds the input-state machine from inbound audio envelopes. It is
// registered as a handler on the inbound bus with a single worker so
// observations reach the machine in envelope order.
type VAD struct {
	threshold float64
	machine   *Machine
}

// NewVAD creates a feeder with the given RMS threshold. A zero threshold
// uses [DefaultThresholdRMS].
func NewVAD(threshold float64, machine *Machine) *VAD {
	if threshold <= 0 {
		threshold = DefaultThresholdRMS
	}
	return &VAD{threshold: threshold, machine: machine}
}

// HandleEnvelope classifies one inbound envelope as voice or silence and
// drives the machine. Non-audio envelopes are ignored.
func (v *VAD) HandleEnvelope(_ context.Context, env *event.Envelope) error {
	if !env.IsAudio() || env.Audio == nil {
		return nil
	}

	now := env.Trace.ReceivedAt
	if now.IsZero() {
		now = time.Now()
	}

	if env.Audio.Silent || env.Audio.AudioB64 == "" {
		v.machine.OnSilence(now)
		return nil
	}

	pcm, err := base64.StdEncoding.DecodeString(env.Audio.AudioB64)
	if err != nil {
		return fmt.Errorf("inputstate: decode audio for vad: %w", err)
	}

	format := audio.DefaultFormat
	if env.Audio.Format != nil {
		format = *env.Audio.Format
	}
	rms, err := audio.RMSPCM16(pcm, format.Channels)
	if err != nil {
		return fmt.Errorf("inputstate: rms: %w", err)
	}

	if rms >= v.threshold {
		v.machine.OnVoice(now)
	} else {
		v.machine.OnSilence(now)
	}
	return nil
}
