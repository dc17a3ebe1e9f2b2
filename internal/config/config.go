// Package config provides the configuration schema, loader and environment
// overrides for the voxlate gateway.
package config

import (
	"log/slog"
	"time"

	"github.com/voxlate/voxlate/internal/bus"
	"github.com/voxlate/voxlate/internal/event"
	"github.com/voxlate/voxlate/internal/gate"
)

// LogLevel controls log verbosity for the gateway.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level maps l onto the slog level scale. Unknown values map to Info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Config is the root configuration structure for the gateway. It is loaded
// from a YAML file via [Load] or [LoadFromReader]; recognised environment
// variables override file values afterwards.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	ACS      ACSConfig      `yaml:"acs"`
	Provider ProviderConfig `yaml:"provider"`
	Bus      BusConfig      `yaml:"bus"`
	Playout  PlayoutConfig  `yaml:"playout"`
	VAD      VADConfig      `yaml:"vad"`
	Gate     GateConfig     `yaml:"gate"`
}

// ServerConfig holds the observability listener and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address serving /metrics and /healthz,
	// e.g. ":9090". Empty disables the listener.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// ReconnectConfig tunes an adapter's exponential backoff.
type ReconnectConfig struct {
	// InitialDelay is the first retry delay. Doubles each failed attempt.
	InitialDelay time.Duration `yaml:"initial_delay"`

	// MaxDelay caps the backoff growth.
	MaxDelay time.Duration `yaml:"max_delay"`
}

// ACSConfig describes the call-platform WebSocket endpoints.
type ACSConfig struct {
	// IngressURL is the WebSocket URL delivering inbound call frames.
	IngressURL string `yaml:"ingress_url"`

	// EgressURL is the WebSocket URL accepting outbound frames. When empty,
	// IngressURL serves both directions.
	EgressURL string `yaml:"egress_url"`

	Reconnect ReconnectConfig `yaml:"reconnect"`
}

// ProviderConfig selects and tunes the translation backend connection.
type ProviderConfig struct {
	// Kind selects the provider event normalization profile.
	Kind event.Provider `yaml:"kind"`

	// WebsocketURL is the provider's realtime endpoint
	// (env: TRANSLATION_WEBSOCKET_URL).
	WebsocketURL string `yaml:"websocket_url"`

	// ConnectTimeout bounds the dial of a provider session
	// (env: TRANSLATION_CONNECT_TIMEOUT).
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// DebugWire logs every raw provider frame at debug level
	// (env: TRANSLATION_DEBUG_WIRE).
	DebugWire bool `yaml:"debug_wire"`

	Reconnect ReconnectConfig `yaml:"reconnect"`
}

// BusConfig holds the queue defaults applied to handler slots that do not
// configure their own values.
type BusConfig struct {
	// QueueSize bounds each handler slot's FIFO queue.
	QueueSize int `yaml:"queue_size"`

	// Overflow is the queue-full policy: drop_newest, drop_oldest or block.
	Overflow bus.OverflowPolicy `yaml:"overflow"`

	// BlockTimeout caps block-policy publish waits. Zero waits until the
	// publish context is cancelled.
	BlockTimeout time.Duration `yaml:"block_timeout"`
}

// PlayoutConfig tunes outbound audio assembly and pacing.
type PlayoutConfig struct {
	// FrameMS is the paced emitter period in milliseconds.
	FrameMS int `yaml:"frame_ms"`

	// InitialBufferMS is the warm-up watermark a fresh participant buffer
	// must cross before real audio is emitted
	// (env: TRANSLATION_PLAYOUT_INITIAL_BUFFER_MS).
	InitialBufferMS int `yaml:"initial_buffer_ms"`

	// TailSilenceMS is appended to each stream on audio.done before the
	// drain wait starts (env: TRANSLATION_TAIL_SILENCE_MS).
	TailSilenceMS int `yaml:"tail_silence_ms"`

	// DrainTimeout bounds the audio.done wait for buffered frames to play
	// out. Zero derives the bound from the buffered duration.
	DrainTimeout time.Duration `yaml:"drain_timeout"`

	// IdleTimeout moves playback from PLAYING to IDLE when no real frame
	// was emitted for this long.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// TimeAcceleration scales the emitter clock. Values above 1 run faster
	// than real time for accelerated offline runs
	// (env: TRANSLATION_TIME_ACCELERATION).
	TimeAcceleration float64 `yaml:"time_acceleration"`
}

// VADConfig tunes voice activity detection on inbound call audio.
type VADConfig struct {
	// ThresholdRMS is the int16 RMS energy above which a frame counts as
	// voice. The default corresponds to roughly -40 dBFS.
	ThresholdRMS float64 `yaml:"threshold_rms"`

	// VoiceHysteresisMS is the sustained-voice duration required for a
	// SILENCE to SPEAKING transition.
	VoiceHysteresisMS int `yaml:"voice_hysteresis_ms"`

	// SilenceTimeoutMS is the voice-free duration required for a SPEAKING
	// to SILENCE transition.
	SilenceTimeoutMS int `yaml:"silence_timeout_ms"`
}

// GateConfig selects the barge-in behaviour.
type GateConfig struct {
	// Mode is play_through, pause_and_buffer or pause_and_drop.
	Mode gate.Mode `yaml:"mode"`
}

// Default returns a Config populated with the gateway defaults. Loaders
// decode files on top of it so omitted fields keep their defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":9090",
			LogLevel:   LogInfo,
		},
		ACS: ACSConfig{
			Reconnect: ReconnectConfig{
				InitialDelay: 500 * time.Millisecond,
				MaxDelay:     30 * time.Second,
			},
		},
		Provider: ProviderConfig{
			Kind:           event.ProviderGeneric,
			ConnectTimeout: 10 * time.Second,
			Reconnect: ReconnectConfig{
				InitialDelay: 500 * time.Millisecond,
				MaxDelay:     30 * time.Second,
			},
		},
		Bus: BusConfig{
			QueueSize: 256,
			Overflow:  bus.DropNewest,
		},
		Playout: PlayoutConfig{
			FrameMS:          20,
			InitialBufferMS:  80,
			IdleTimeout:      5 * time.Second,
			TimeAcceleration: 1.0,
		},
		VAD: VADConfig{
			ThresholdRMS:      328, // ~-40 dBFS on int16 PCM
			VoiceHysteresisMS: 200,
			SilenceTimeoutMS:  700,
		},
		Gate: GateConfig{
			Mode: gate.PauseAndBuffer,
		},
	}
}
