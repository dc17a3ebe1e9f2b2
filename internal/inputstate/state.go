// Package inputstate tracks whether the remote caller is speaking. A small
// hysteresis FSM consumes voice/silence observations from the VAD feeder and
// notifies listeners on every transition, in registration order, before the
// observation returns.
package inputstate

import (
	"log/slog"
	"sync"
	"time"
)

// State is the caller input state.
type State string

const (
	Silence  State = "silence"
	Speaking State = "speaking"
)

// Transition describes one state change.
type Transition struct {
	From State
	To   State
	At   time.Time
}

// Listener receives transitions. Listeners run under the machine's lock and
// must not block; they enqueue work elsewhere and return.
type Listener func(tr Transition)

// Config tunes the hysteresis FSM.
type Config struct {
	// VoiceHysteresis is the sustained-voice duration required for the
	// SILENCE to SPEAKING transition. Defaults to 200ms.
	VoiceHysteresis time.Duration

	// SilenceTimeout is the voice-free duration required for the SPEAKING
	// to SILENCE transition. Defaults to 700ms.
	SilenceTimeout time.Duration

	// Logger overrides the default logger.
	Logger *slog.Logger
}

// Machine is the input-state FSM. It starts in [Silence]. All methods are
// safe for concurrent use, though a single VAD feeder is the expected
// writer.
type Machine struct {
	voiceHysteresis time.Duration
	silenceTimeout  time.Duration
	log             *slog.Logger

	mu             sync.Mutex
	state          State
	voicedSince    time.Time
	lastVoice      time.Time
	listeners      []Listener
}

// New creates a machine in [Silence].
func New(cfg Config) *Machine {
	if cfg.VoiceHysteresis <= 0 {
		cfg.VoiceHysteresis = 200 * time.Millisecond
	}
	if cfg.SilenceTimeout <= 0 {
		cfg.SilenceTimeout = 700 * time.Millisecond
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Machine{
		voiceHysteresis: cfg.VoiceHysteresis,
		silenceTimeout:  cfg.SilenceTimeout,
		log:             log,
		state:           Silence,
	}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe registers a listener. Listeners are notified in registration
// order on every transition.
func (m *Machine) Subscribe(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// OnVoice records a voiced observation at now. The SILENCE to SPEAKING
// transition fires only once voice has been sustained for the hysteresis
// duration.
func (m *Machine) OnVoice(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastVoice = now
	if m.state == Speaking {
		return
	}
	if m.voicedSince.IsZero() {
		m.voicedSince = now
		return
	}
	if now.Sub(m.voicedSince) >= m.voiceHysteresis {
		m.transitionLocked(Speaking, now)
	}
}

// OnSilence records a silent observation at now. The SPEAKING to SILENCE
// transition fires only after the silence timeout has elapsed since the
// last voiced observation. A silent observation also resets an incomplete
// voice run, so short blips never trip the hysteresis.
func (m *Machine) OnSilence(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == Silence {
		m.voicedSince = time.Time{}
		return
	}
	if !m.lastVoice.IsZero() && now.Sub(m.lastVoice) > m.silenceTimeout {
		m.transitionLocked(Silence, now)
	}
}

// transitionLocked flips the state and notifies listeners in order. Caller
// holds m.mu; listeners must not block.
func (m *Machine) transitionLocked(to State, now time.Time) {
	from := m.state
	m.state = to
	m.voicedSince = time.Time{}

	tr := Transition{From: from, To: to, At: now}
	m.log.Debug("input state transition", "from", string(from), "to", string(to))
	for _, l := range m.listeners {
		l(tr)
	}
}
