// Package app wires all voxlate subsystems into a running gateway.
//
// The App struct owns the full lifecycle: New creates the four buses and
// connects the adapters, dispatcher, emitter and gate onto them, Run executes
// everything under one errgroup, and Shutdown drains the buses in pipeline
// order.
//
// Bus topology:
//
//	acs_inbound      vad (single worker) + translate
//	provider_inbound dispatch
//	gated_audio      forward (paused by the barge-in gate)
//	acs_outbound     audio + transcript (egress writers)
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/voxlate/voxlate/internal/acs"
	"github.com/voxlate/voxlate/internal/bus"
	"github.com/voxlate/voxlate/internal/config"
	"github.com/voxlate/voxlate/internal/dispatch"
	"github.com/voxlate/voxlate/internal/event"
	"github.com/voxlate/voxlate/internal/gate"
	"github.com/voxlate/voxlate/internal/health"
	"github.com/voxlate/voxlate/internal/inputstate"
	"github.com/voxlate/voxlate/internal/observe"
	"github.com/voxlate/voxlate/internal/playout"
	"github.com/voxlate/voxlate/internal/provider"
)

// transitionQueue bounds the input-state transition backlog between the FSM
// listener (which must not block) and the gate loop.
const transitionQueue = 16

// App owns all subsystem lifetimes and orchestrates the voxlate audio
// pipeline.
type App struct {
	cfg     *config.Config
	log     *slog.Logger
	metrics *observe.Metrics

	inbound     *bus.Bus[*event.Envelope]
	providerBus *bus.Bus[*event.ProviderOutputEvent]
	gated       *bus.Bus[event.Outbound]
	outbound    *bus.Bus[event.Outbound]

	ingress *acs.Ingress
	egress  *acs.Egress
	client  *provider.Client

	store      *playout.Store
	emitter    *playout.Emitter
	machine    *inputstate.Machine
	vad        *inputstate.VAD
	gatectl    *gate.Controller
	dispatcher *dispatch.Dispatcher
	tracker    *SessionTracker

	httpSrv *http.Server

	// currentSession is the most recent session id seen on ingress. The gate
	// loop attributes barge-in transitions to it.
	currentSession atomic.Value

	transitions chan inputstate.Transition

	stopOnce sync.Once
}

// Option configures an [App] during construction.
type Option func(*App)

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(a *App) { a.log = log }
}

// WithMetrics overrides [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// New creates an App by wiring all subsystems together. All construction is
// synchronous and side-effect free; connections are only dialled by Run.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("app: config: %w", err)
	}

	a := &App{
		cfg:         cfg,
		log:         slog.Default(),
		transitions: make(chan inputstate.Transition, transitionQueue),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	a.currentSession.Store("")

	a.buildBuses()
	a.buildPipeline()
	if err := a.registerHandlers(); err != nil {
		return nil, fmt.Errorf("app: register handlers: %w", err)
	}
	a.buildHTTPServer()

	return a, nil
}

// buildBuses creates the four pipeline buses with the configured overflow
// accounting.
func (a *App) buildBuses() {
	overflow := func(busName string) bus.OverflowFunc {
		return func(slotName string, policy bus.OverflowPolicy) {
			a.metrics.RecordBusOverflow(context.Background(), busName, slotName, string(policy))
		}
	}
	a.inbound = bus.New[*event.Envelope]("acs_inbound", bus.WithOverflowFunc[*event.Envelope](overflow("acs_inbound")))
	a.providerBus = bus.New[*event.ProviderOutputEvent]("provider_inbound", bus.WithOverflowFunc[*event.ProviderOutputEvent](overflow("provider_inbound")))
	a.gated = bus.New[event.Outbound]("gated_audio", bus.WithOverflowFunc[event.Outbound](overflow("gated_audio")))
	a.outbound = bus.New[event.Outbound]("acs_outbound", bus.WithOverflowFunc[event.Outbound](overflow("acs_outbound")))
}

// buildPipeline constructs adapters, playout, input-state machine, gate and
// dispatcher.
func (a *App) buildPipeline() {
	cfg := a.cfg

	a.ingress = acs.NewIngress(acs.IngressConfig{
		URL:          cfg.ACS.IngressURL,
		InitialDelay: cfg.ACS.Reconnect.InitialDelay,
		MaxDelay:     cfg.ACS.Reconnect.MaxDelay,
		Logger:       a.log,
		Metrics:      a.metrics,
	}, a.inbound)

	egressURL := cfg.ACS.EgressURL
	if egressURL == "" {
		egressURL = cfg.ACS.IngressURL
	}
	a.egress = acs.NewEgress(acs.EgressConfig{
		URL:          egressURL,
		InitialDelay: cfg.ACS.Reconnect.InitialDelay,
		MaxDelay:     cfg.ACS.Reconnect.MaxDelay,
		Logger:       a.log,
		Metrics:      a.metrics,
	})

	a.client = provider.NewClient(provider.ClientConfig{
		Kind:           cfg.Provider.Kind,
		URL:            cfg.Provider.WebsocketURL,
		ConnectTimeout: cfg.Provider.ConnectTimeout,
		InitialDelay:   cfg.Provider.Reconnect.InitialDelay,
		MaxDelay:       cfg.Provider.Reconnect.MaxDelay,
		DebugWire:      cfg.Provider.DebugWire,
		Logger:         a.log,
		Metrics:        a.metrics,
	}, a.providerBus)

	a.store = playout.NewStore(playout.StoreConfig{
		FrameMS:  cfg.Playout.FrameMS,
		WarmupMS: cfg.Playout.InitialBufferMS,
		OnStreamCount: func(delta int) {
			a.metrics.ActiveStreams.Add(context.Background(), int64(delta))
		},
	})
	a.emitter = playout.NewEmitter(playout.EmitterConfig{
		Frame:       cfg.Playout.Frame(),
		IdleTimeout: cfg.Playout.IdleTimeout,
		Logger:      a.log,
		Metrics:     a.metrics,
	}, a.store, a.gated.Publish)

	a.machine = inputstate.New(inputstate.Config{
		VoiceHysteresis: time.Duration(cfg.VAD.VoiceHysteresisMS) * time.Millisecond,
		SilenceTimeout:  time.Duration(cfg.VAD.SilenceTimeoutMS) * time.Millisecond,
		Logger:          a.log,
	})
	a.vad = inputstate.NewVAD(cfg.VAD.ThresholdRMS, a.machine)
	a.machine.Subscribe(func(tr inputstate.Transition) {
		// Runs under the machine lock; hand off without blocking.
		select {
		case a.transitions <- tr:
		default:
			a.log.Warn("input-state transition dropped", "to", string(tr.To))
		}
	})

	a.gatectl = gate.New(cfg.Gate.Mode, &audioPath{app: a},
		gate.WithNotifier(a.outbound.Publish),
		gate.WithLogger(a.log),
		gate.WithEngageHook(func(mode gate.Mode) {
			a.metrics.RecordBargeIn(context.Background(), string(mode))
		}),
	)

	a.tracker = NewSessionTracker(SessionTrackerConfig{
		IdleAfter: cfg.Playout.IdleTimeout,
		Store:     a.store,
		Logger:    a.log,
		Metrics:   a.metrics,
	})

	a.dispatcher = dispatch.NewDispatcher([]dispatch.Handler{
		dispatch.NewAudioHandler(dispatch.AudioConfig{
			TailSilenceMS: cfg.Playout.TailSilenceMS,
			DrainTimeout:  cfg.Playout.DrainTimeout,
			FrameMS:       cfg.Playout.FrameMS,
			Logger:        a.log,
			Metrics:       a.metrics,
		}, a.store, a.emitter, a.outbound.Publish),
		dispatch.NewTranscriptHandler(a.outbound.Publish),
		dispatch.NewControlHandler(a.store, a.outbound.Publish, a.log),
		dispatch.NewErrorHandler(a.log, a.metrics),
	}, dispatch.WithLogger(a.log), dispatch.WithMetrics(a.metrics))
}

// registerHandlers attaches every bus slot. Slot queue sizes and overflow
// come from the bus config section.
func (a *App) registerHandlers() error {
	slot := func(name string) bus.HandlerConfig {
		return bus.HandlerConfig{
			Name:         name,
			QueueSize:    a.cfg.Bus.QueueSize,
			Overflow:     a.cfg.Bus.Overflow,
			BlockTimeout: a.cfg.Bus.BlockTimeout,
		}
	}

	// Input-state observation must stay ordered, so the vad slot keeps the
	// single default worker.
	if err := a.inbound.RegisterHandler(slot("vad"), a.handleInboundVAD); err != nil {
		return err
	}
	if err := a.inbound.RegisterHandler(slot("translate"), a.client.HandleEnvelope); err != nil {
		return err
	}
	if err := a.providerBus.RegisterHandler(slot("dispatch"), a.dispatcher.HandleEvent); err != nil {
		return err
	}
	if err := a.gated.RegisterHandler(slot("forward"), a.forwardGated); err != nil {
		return err
	}
	if err := a.outbound.RegisterHandler(slot("audio"), a.handleOutboundAudio); err != nil {
		return err
	}
	if err := a.outbound.RegisterHandler(slot("transcript"), a.handleOutboundAux); err != nil {
		return err
	}
	return nil
}

// buildHTTPServer assembles the /metrics and health listener. A nil server
// means the listener is disabled by config.
func (a *App) buildHTTPServer() {
	if a.cfg.Server.ListenAddr == "" {
		return
	}

	checks := health.New(
		health.Checker{Name: "acs_egress", Check: func(context.Context) error {
			if !a.egress.Connected() {
				return errors.New("not connected")
			}
			return nil
		}},
		health.Checker{Name: "provider", Check: func(context.Context) error {
			if !a.client.Connected() {
				return errors.New("not connected")
			}
			return nil
		}},
	)

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	checks.Register(mux)

	a.httpSrv = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// handleInboundVAD is the acs_inbound vad slot: it tracks session liveness
// and feeds the voice activity detector.
func (a *App) handleInboundVAD(ctx context.Context, env *event.Envelope) error {
	if env.SessionID != "" {
		a.currentSession.Store(env.SessionID)
		a.tracker.Touch(ctx, env.SessionID, env.Trace.ReceivedAt)
	}
	return a.vad.HandleEnvelope(ctx, env)
}

// forwardGated is the gated_audio forward slot. The barge-in gate pauses this
// slot, so emitted frames queue here while a caller is speaking.
func (a *App) forwardGated(ctx context.Context, out event.Outbound) error {
	return a.outbound.Publish(ctx, out)
}

// handleOutboundAudio writes paced audio frames to the platform. Non-audio
// messages on the shared bus belong to the transcript slot.
func (a *App) handleOutboundAudio(ctx context.Context, out event.Outbound) error {
	if out.Kind != event.OutboundAudio {
		return nil
	}
	return a.egress.HandleOutbound(ctx, out)
}

// handleOutboundAux writes everything except paced audio: dones, transcripts
// and control messages. Kept on its own slot so gate pauses never delay them.
func (a *App) handleOutboundAux(ctx context.Context, out event.Outbound) error {
	if out.Kind == event.OutboundAudio {
		return nil
	}
	return a.egress.HandleOutbound(ctx, out)
}

// gateLoop consumes input-state transitions and drives the barge-in gate.
func (a *App) gateLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tr := <-a.transitions:
			sessionID, _ := a.currentSession.Load().(string)
			switch tr.To {
			case inputstate.Speaking:
				a.gatectl.OnSpeaking(ctx, sessionID, "")
			case inputstate.Silence:
				a.gatectl.OnSilence(ctx, sessionID, "")
			}
		}
	}
}

// Run executes all adapters and loops until ctx is cancelled or one of them
// fails terminally.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.ingress.Run(ctx) })
	g.Go(func() error { return a.egress.Run(ctx) })
	g.Go(func() error { return a.client.Run(ctx) })
	g.Go(func() error { return a.emitter.Run(ctx) })
	g.Go(func() error { return a.gateLoop(ctx) })
	g.Go(func() error { return a.tracker.Run(ctx) })

	if a.httpSrv != nil {
		g.Go(func() error {
			err := a.httpSrv.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			a.httpSrv.Shutdown(shutdownCtx)
			return ctx.Err()
		})
	}

	a.log.Info("voxlate pipeline running",
		"ingress_url", a.cfg.ACS.IngressURL,
		"provider", string(a.cfg.Provider.Kind),
		"gate_mode", string(a.cfg.Gate.Mode),
	)
	return g.Wait()
}

// Shutdown drains the buses in pipeline order within the given grace period.
// The adapters and the emitter stop when the Run context is cancelled;
// Shutdown finishes the work already queued.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		for _, b := range []interface {
			Shutdown(context.Context) error
		}{
			a.inbound, a.providerBus, a.gated, a.outbound,
		} {
			if err := b.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

// audioPath is the gate's view of the outbound audio pipeline. Pausing stops
// the frame clock and holds the gated forward slot; dropping additionally
// discards everything buffered in the playout store, the gated queue and the
// outbound audio queue.
type audioPath struct {
	app *App
}

func (p *audioPath) PauseAudio() {
	p.app.emitter.Pause()
	p.app.gated.Pause("forward")
	p.app.outbound.Pause("audio")
}

func (p *audioPath) ResumeAudio() {
	p.app.outbound.Resume("audio")
	p.app.gated.Resume("forward")
	p.app.emitter.Resume()
}

func (p *audioPath) DropBufferedAudio() int {
	dropped := p.app.store.ClearAll()
	if n, err := p.app.gated.Clear("forward"); err == nil {
		dropped += n
	}
	if n, err := p.app.outbound.Clear("audio"); err == nil {
		dropped += n
	}
	return dropped
}
