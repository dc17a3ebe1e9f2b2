package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/voxlate/voxlate/internal/event"
	"github.com/voxlate/voxlate/internal/gate"
)

// Load reads the YAML configuration file at path, applies environment
// overrides and returns a validated [Config]. A missing file is not an
// error: the defaults plus environment are used instead.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := Default()
			applyEnv(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of [Default], applies
// environment overrides and validates the result. Useful in tests where
// configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envBindings maps environment variable names onto config fields. Every
// variable overrides the corresponding file value when set.
var envBindings = map[string]func(v *viper.Viper, cfg *Config){
	"TRANSLATION_WEBSOCKET_URL": func(v *viper.Viper, cfg *Config) {
		cfg.Provider.WebsocketURL = v.GetString("TRANSLATION_WEBSOCKET_URL")
	},
	"TRANSLATION_PROVIDER": func(v *viper.Viper, cfg *Config) {
		cfg.Provider.Kind = event.Provider(v.GetString("TRANSLATION_PROVIDER"))
	},
	"TRANSLATION_CONNECT_TIMEOUT": func(v *viper.Viper, cfg *Config) {
		cfg.Provider.ConnectTimeout = v.GetDuration("TRANSLATION_CONNECT_TIMEOUT")
	},
	"TRANSLATION_DEBUG_WIRE": func(v *viper.Viper, cfg *Config) {
		cfg.Provider.DebugWire = v.GetBool("TRANSLATION_DEBUG_WIRE")
	},
	"TRANSLATION_TIME_ACCELERATION": func(v *viper.Viper, cfg *Config) {
		cfg.Playout.TimeAcceleration = v.GetFloat64("TRANSLATION_TIME_ACCELERATION")
	},
	"TRANSLATION_TAIL_SILENCE_MS": func(v *viper.Viper, cfg *Config) {
		cfg.Playout.TailSilenceMS = v.GetInt("TRANSLATION_TAIL_SILENCE_MS")
	},
	"TRANSLATION_PLAYOUT_INITIAL_BUFFER_MS": func(v *viper.Viper, cfg *Config) {
		cfg.Playout.InitialBufferMS = v.GetInt("TRANSLATION_PLAYOUT_INITIAL_BUFFER_MS")
	},
	"ACS_INGRESS_URL": func(v *viper.Viper, cfg *Config) {
		cfg.ACS.IngressURL = v.GetString("ACS_INGRESS_URL")
	},
	"ACS_EGRESS_URL": func(v *viper.Viper, cfg *Config) {
		cfg.ACS.EgressURL = v.GetString("ACS_EGRESS_URL")
	},
	"VAD_THRESHOLD_RMS": func(v *viper.Viper, cfg *Config) {
		cfg.VAD.ThresholdRMS = v.GetFloat64("VAD_THRESHOLD_RMS")
	},
	"VAD_VOICE_HYSTERESIS_MS": func(v *viper.Viper, cfg *Config) {
		cfg.VAD.VoiceHysteresisMS = v.GetInt("VAD_VOICE_HYSTERESIS_MS")
	},
	"VAD_SILENCE_TIMEOUT_MS": func(v *viper.Viper, cfg *Config) {
		cfg.VAD.SilenceTimeoutMS = v.GetInt("VAD_SILENCE_TIMEOUT_MS")
	},
	"GATE_MODE": func(v *viper.Viper, cfg *Config) {
		cfg.Gate.Mode = gate.Mode(v.GetString("GATE_MODE"))
	},
}

// applyEnv overrides cfg fields from the process environment.
func applyEnv(cfg *Config) {
	v := viper.New()
	v.AutomaticEnv()
	for key, apply := range envBindings {
		if v.IsSet(key) {
			apply(v, cfg)
		}
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Provider.Kind != "" && !cfg.Provider.Kind.IsValid() {
		errs = append(errs, fmt.Errorf("provider.kind %q is invalid; valid values: openai-realtime, speech-translator, live-interpreter, generic", cfg.Provider.Kind))
	}
	if cfg.Provider.ConnectTimeout < 0 {
		errs = append(errs, fmt.Errorf("provider.connect_timeout %v must not be negative", cfg.Provider.ConnectTimeout))
	}
	errs = append(errs, validateReconnect("provider.reconnect", cfg.Provider.Reconnect)...)
	errs = append(errs, validateReconnect("acs.reconnect", cfg.ACS.Reconnect)...)

	if cfg.Bus.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("bus.queue_size %d must be positive", cfg.Bus.QueueSize))
	}
	if cfg.Bus.Overflow != "" && !cfg.Bus.Overflow.IsValid() {
		errs = append(errs, fmt.Errorf("bus.overflow %q is invalid; valid values: drop_newest, drop_oldest, block", cfg.Bus.Overflow))
	}
	if cfg.Bus.BlockTimeout < 0 {
		errs = append(errs, fmt.Errorf("bus.block_timeout %v must not be negative", cfg.Bus.BlockTimeout))
	}

	if cfg.Playout.FrameMS <= 0 {
		errs = append(errs, fmt.Errorf("playout.frame_ms %d must be positive", cfg.Playout.FrameMS))
	}
	if cfg.Playout.InitialBufferMS < 0 {
		errs = append(errs, fmt.Errorf("playout.initial_buffer_ms %d must not be negative", cfg.Playout.InitialBufferMS))
	}
	if cfg.Playout.TailSilenceMS < 0 {
		errs = append(errs, fmt.Errorf("playout.tail_silence_ms %d must not be negative", cfg.Playout.TailSilenceMS))
	}
	if cfg.Playout.TimeAcceleration <= 0 {
		errs = append(errs, fmt.Errorf("playout.time_acceleration %.2f must be positive", cfg.Playout.TimeAcceleration))
	}

	if cfg.VAD.ThresholdRMS < 0 {
		errs = append(errs, fmt.Errorf("vad.threshold_rms %.1f must not be negative", cfg.VAD.ThresholdRMS))
	}
	if cfg.VAD.VoiceHysteresisMS < 0 {
		errs = append(errs, fmt.Errorf("vad.voice_hysteresis_ms %d must not be negative", cfg.VAD.VoiceHysteresisMS))
	}
	if cfg.VAD.SilenceTimeoutMS < 0 {
		errs = append(errs, fmt.Errorf("vad.silence_timeout_ms %d must not be negative", cfg.VAD.SilenceTimeoutMS))
	}

	if cfg.Gate.Mode != "" && !cfg.Gate.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("gate.mode %q is invalid; valid values: play_through, pause_and_buffer, pause_and_drop", cfg.Gate.Mode))
	}

	return errors.Join(errs...)
}

func validateReconnect(prefix string, rc ReconnectConfig) []error {
	var errs []error
	if rc.InitialDelay < 0 {
		errs = append(errs, fmt.Errorf("%s.initial_delay %v must not be negative", prefix, rc.InitialDelay))
	}
	if rc.MaxDelay < 0 {
		errs = append(errs, fmt.Errorf("%s.max_delay %v must not be negative", prefix, rc.MaxDelay))
	}
	if rc.MaxDelay > 0 && rc.InitialDelay > rc.MaxDelay {
		errs = append(errs, fmt.Errorf("%s.initial_delay %v exceeds max_delay %v", prefix, rc.InitialDelay, rc.MaxDelay))
	}
	return errs
}

// Frame returns the emitter tick period, scaled by the configured time
// acceleration.
func (p PlayoutConfig) Frame() time.Duration {
	d := time.Duration(p.FrameMS) * time.Millisecond
	if p.TimeAcceleration > 0 && p.TimeAcceleration != 1.0 {
		d = time.Duration(float64(d) / p.TimeAcceleration)
	}
	return d
}
