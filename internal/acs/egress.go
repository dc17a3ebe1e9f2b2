package acs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/voxlate/voxlate/internal/event"
	"github.com/voxlate/voxlate/internal/observe"
)

// EgressConfig configures an [Egress] adapter.
type EgressConfig struct {
	// URL is the platform WebSocket accepting outbound frames.
	URL string

	// InitialDelay is the first reconnect backoff. Defaults to 500ms.
	InitialDelay time.Duration

	// MaxDelay caps reconnect backoff growth. Defaults to 30s.
	MaxDelay time.Duration

	// Logger overrides the default logger.
	Logger *slog.Logger

	// Metrics overrides [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Egress maintains the outbound platform WebSocket. [Egress.HandleOutbound]
// is registered as a bus handler (once for the audio slot, once for the
// transcript slot, so the barge-in gate can pause audio alone); while the
// connection is down, writes wait and the slot queue absorbs messages per
// its overflow policy.
type Egress struct {
	cfg     EgressConfig
	log     *slog.Logger
	metrics *observe.Metrics

	mu    sync.Mutex
	conn  *websocket.Conn
	ready chan struct{}

	broken chan struct{}
}

// NewEgress creates an egress adapter for the given endpoint.
func NewEgress(cfg EgressConfig) *Egress {
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
	return &Egress{
		cfg:     cfg,
		log:     log,
		metrics: metrics,
		ready:   make(chan struct{}),
		broken:  make(chan struct{}, 1),
	}
}

// Run dials the egress URL and keeps the connection alive until ctx is
// cancelled, redialing with exponential backoff after drops.
func (e *Egress) Run(ctx context.Context) error {
	backoff := e.cfg.InitialDelay
	for {
		conn, _, err := websocket.Dial(ctx, e.cfg.URL, nil)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.metrics.RecordReconnect(ctx, "acs_egress", "error")
			e.log.Warn("acs egress dial failed",
				"url", e.cfg.URL,
				"backoff", backoff,
				"error", err,
			)
			if err := sleep(ctx, backoff); err != nil {
				return err
			}
			backoff = nextBackoff(backoff, e.cfg.MaxDelay)
			continue
		}

		e.metrics.RecordReconnect(ctx, "acs_egress", "ok")
		backoff = e.cfg.InitialDelay
		e.log.Info("acs egress connected", "url", e.cfg.URL)

		e.mu.Lock()
		e.conn = conn
		close(e.ready)
		e.mu.Unlock()

		select {
		case <-ctx.Done():
			e.detach(conn)
			return ctx.Err()
		case <-e.broken:
			e.detach(conn)
			e.log.Warn("acs egress connection lost")
		}

		if err := sleep(ctx, backoff); err != nil {
			return err
		}
		backoff = nextBackoff(backoff, e.cfg.MaxDelay)
	}
}

// detach removes conn as the live connection and re-arms the ready gate.
func (e *Egress) detach(conn *websocket.Conn) {
	e.mu.Lock()
	if e.conn == conn {
		e.conn = nil
		e.ready = make(chan struct{})
	}
	e.mu.Unlock()
	conn.Close(websocket.StatusNormalClosure, "")
}

// notifyBroken signals Run that the connection failed. Only the first signal
// per reconnection cycle has effect.
func (e *Egress) notifyBroken() {
	select {
	case e.broken <- struct{}{}:
	default:
	}
}

// Connected reports whether a live connection exists. Used by readiness
// checks.
func (e *Egress) Connected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn != nil
}

// waitConn blocks until a live connection exists or ctx is cancelled.
func (e *Egress) waitConn(ctx context.Context) (*websocket.Conn, error) {
	for {
		e.mu.Lock()
		conn := e.conn
		ready := e.ready
		e.mu.Unlock()
		if conn != nil {
			return conn, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ready:
		}
	}
}

// HandleOutbound serializes one outbound message and writes it as a single
// WebSocket frame. It is the handler function for the outbound bus slots.
func (e *Egress) HandleOutbound(ctx context.Context, out event.Outbound) error {
	frame, err := serializeOutbound(out)
	if err != nil {
		return err
	}

	conn, err := e.waitConn(ctx)
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
		e.notifyBroken()
		return fmt.Errorf("acs egress write %s: %w", out.Kind, err)
	}
	return nil
}
