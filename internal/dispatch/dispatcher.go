// Package dispatch routes normalized provider output events to their
// handlers: audio deltas and dones into the playout pipeline, transcripts
// and control messages to the platform egress, errors to the log.
package dispatch

import (
	"context"
	"log/slog"

	"github.com/voxlate/voxlate/internal/event"
	"github.com/voxlate/voxlate/internal/observe"
)

// Publisher delivers one outbound message toward the platform egress bus.
type Publisher func(ctx context.Context, out event.Outbound) error

// Handler processes one category of provider events.
type Handler interface {
	// Name identifies the handler in logs.
	Name() string

	// CanHandle reports whether this handler processes ev.
	CanHandle(ev *event.ProviderOutputEvent) bool

	// Handle processes ev. Errors are logged by the dispatcher; they do not
	// stop the pipeline.
	Handle(ctx context.Context, ev *event.ProviderOutputEvent) error
}

// Dispatcher checks handlers in fixed registration order and hands each
// event to the first whose CanHandle returns true. Events no handler claims
// are logged as unsupported. No event reaches more than one handler.
type Dispatcher struct {
	handlers []Handler
	log      *slog.Logger
	metrics  *observe.Metrics
}

// Option configures a [Dispatcher].
type Option func(*Dispatcher)

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(d *Dispatcher) { d.log = log }
}

// WithMetrics overrides [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// NewDispatcher creates a dispatcher over the given handlers. Order matters:
// the first matching handler wins.
func NewDispatcher(handlers []Handler, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		handlers: handlers,
		log:      slog.Default(),
		metrics:  observe.DefaultMetrics(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// HandleEvent is the provider bus handler.
func (d *Dispatcher) HandleEvent(ctx context.Context, ev *event.ProviderOutputEvent) error {
	d.metrics.RecordProviderEvent(ctx, string(ev.Provider), string(ev.Type))

	for _, h := range d.handlers {
		if !h.CanHandle(ev) {
			continue
		}
		if err := h.Handle(ctx, ev); err != nil {
			d.log.Warn("provider event handler failed",
				"handler", h.Name(),
				"type", string(ev.Type),
				"session_id", ev.SessionID,
				"stream_id", ev.StreamID,
				"error", err,
			)
		}
		return nil
	}

	d.log.Warn("unsupported provider event",
		"type", string(ev.Type),
		"provider", string(ev.Provider),
		"session_id", ev.SessionID,
	)
	return nil
}
