package acs

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/voxlate/voxlate/internal/bus"
	"github.com/voxlate/voxlate/internal/event"
	"github.com/voxlate/voxlate/internal/observe"
)

// IngressConfig configures an [Ingress] adapter.
type IngressConfig struct {
	// URL is the platform WebSocket delivering inbound call frames.
	URL string

	// SessionID is applied to envelopes whose frame omitted a session id.
	SessionID string

	// InitialDelay is the first reconnect backoff. Defaults to 500ms.
	InitialDelay time.Duration

	// MaxDelay caps reconnect backoff growth. Defaults to 30s.
	MaxDelay time.Duration

	// Logger overrides the default logger.
	Logger *slog.Logger

	// Metrics overrides [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Ingress maintains the inbound platform WebSocket. Each received frame is
// normalized into an [event.Envelope], stamped with a process-wide monotonic
// sequence number, and published to the inbound bus. Sequence numbers are
// never reused, including across reconnects.
type Ingress struct {
	cfg     IngressConfig
	out     *bus.Bus[*event.Envelope]
	log     *slog.Logger
	metrics *observe.Metrics

	seq atomic.Uint64
}

// NewIngress creates an ingress adapter publishing onto out.
func NewIngress(cfg IngressConfig, out *bus.Bus[*event.Envelope]) *Ingress {
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = 500 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Ingress{cfg: cfg, out: out, log: log, metrics: metrics}
}

// Run dials the ingress URL and pumps frames until ctx is cancelled.
// Connection failures and drops trigger exponential-backoff redials.
func (in *Ingress) Run(ctx context.Context) error {
	backoff := in.cfg.InitialDelay
	for {
		conn, _, err := websocket.Dial(ctx, in.cfg.URL, nil)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			in.metrics.RecordReconnect(ctx, "acs_ingress", "error")
			in.log.Warn("acs ingress dial failed",
				"url", in.cfg.URL,
				"backoff", backoff,
				"error", err,
			)
			if err := sleep(ctx, backoff); err != nil {
				return err
			}
			backoff = nextBackoff(backoff, in.cfg.MaxDelay)
			continue
		}

		in.metrics.RecordReconnect(ctx, "acs_ingress", "ok")
		backoff = in.cfg.InitialDelay
		ingressID := uuid.NewString()
		in.log.Info("acs ingress connected", "url", in.cfg.URL, "ingress_id", ingressID)

		err = in.readLoop(ctx, conn, ingressID)
		conn.Close(websocket.StatusNormalClosure, "")
		if ctx.Err() != nil {
			return ctx.Err()
		}
		in.log.Warn("acs ingress connection lost", "ingress_id", ingressID, "error", err)

		if err := sleep(ctx, backoff); err != nil {
			return err
		}
		backoff = nextBackoff(backoff, in.cfg.MaxDelay)
	}
}

// readLoop reads frames off one connection until it breaks.
func (in *Ingress) readLoop(ctx context.Context, conn *websocket.Conn, ingressID string) error {
	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		env, err := parseIngressFrame(raw)
		if err != nil {
			in.log.Warn("acs ingress frame rejected", "ingress_id", ingressID, "error", err)
			continue
		}

		env.MessageID = uuid.NewString()
		if env.SessionID == "" {
			env.SessionID = in.cfg.SessionID
		}
		env.Trace = event.Trace{
			Sequence:   in.seq.Add(1),
			ReceivedAt: time.Now().UTC(),
			IngressID:  ingressID,
		}

		in.metrics.RecordIngressFrame(ctx, env.Type)
		if err := in.out.Publish(ctx, env); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			in.log.Warn("acs ingress publish failed",
				"ingress_id", ingressID,
				"sequence", env.Trace.Sequence,
				"error", err,
			)
		}
	}
}

// sleep waits for d or until ctx is cancelled.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// nextBackoff doubles cur up to max.
func nextBackoff(cur, max time.Duration) time.Duration {
	cur *= 2
	if cur > max {
		cur = max
	}
	return cur
}
