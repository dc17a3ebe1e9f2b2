package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/voxlate/voxlate/internal/bus"
	"github.com/voxlate/voxlate/internal/event"
	"github.com/voxlate/voxlate/internal/observe"
)

// ClientConfig configures a [Client].
type ClientConfig struct {
	// Kind selects the normalization profile.
	Kind event.Provider

	// URL is the translation backend WebSocket endpoint.
	URL string

	// ConnectTimeout bounds each dial attempt. Defaults to 10s.
	ConnectTimeout time.Duration

	// InitialDelay is the first reconnect backoff. Defaults to 500ms.
	InitialDelay time.Duration

	// MaxDelay caps reconnect backoff growth. Defaults to 30s.
	MaxDelay time.Duration

	// DebugWire logs every raw frame in both directions at debug level.
	DebugWire bool

	// Logger overrides the default logger.
	Logger *slog.Logger

	// Metrics overrides [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Client maintains the translation-backend WebSocket. [Client.HandleEnvelope]
// is registered on the inbound bus and forwards call audio upstream; the read
// loop normalizes backend events and publishes them onto the provider bus.
// While the connection is down, forwarding waits and the inbound slot queue
// absorbs envelopes per its overflow policy.
type Client struct {
	cfg     ClientConfig
	out     *bus.Bus[*event.ProviderOutputEvent]
	log     *slog.Logger
	metrics *observe.Metrics

	mu    sync.Mutex
	conn  *websocket.Conn
	ready chan struct{}
}

// NewClient creates a provider client publishing normalized events onto out.
func NewClient(cfg ClientConfig, out *bus.Bus[*event.ProviderOutputEvent]) *Client {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
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
	return &Client{
		cfg:     cfg,
		out:     out,
		log:     log,
		metrics: metrics,
		ready:   make(chan struct{}),
	}
}

// Run dials the backend and pumps events until ctx is cancelled. Connection
// failures and drops trigger exponential-backoff redials.
func (c *Client) Run(ctx context.Context) error {
	backoff := c.cfg.InitialDelay
	for {
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.metrics.RecordReconnect(ctx, "provider", "error")
			c.log.Warn("provider dial failed",
				"provider", string(c.cfg.Kind),
				"url", c.cfg.URL,
				"backoff", backoff,
				"error", err,
			)
			if err := sleep(ctx, backoff); err != nil {
				return err
			}
			backoff = nextBackoff(backoff, c.cfg.MaxDelay)
			continue
		}

		c.metrics.RecordReconnect(ctx, "provider", "ok")
		backoff = c.cfg.InitialDelay
		c.log.Info("provider connected", "provider", string(c.cfg.Kind), "url", c.cfg.URL)

		c.attach(conn)
		err = c.readLoop(ctx, conn)
		c.detach(conn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Warn("provider connection lost", "provider", string(c.cfg.Kind), "error", err)

		if err := sleep(ctx, backoff); err != nil {
			return err
		}
		backoff = nextBackoff(backoff, c.cfg.MaxDelay)
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, c.cfg.URL, nil)
	return conn, err
}

func (c *Client) attach(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	close(c.ready)
	c.mu.Unlock()
}

// detach removes conn as the live connection and re-arms the ready gate.
func (c *Client) detach(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.ready = make(chan struct{})
	}
	c.mu.Unlock()
	conn.Close(websocket.StatusNormalClosure, "")
}

// Connected reports whether a live connection exists. Used by readiness
// checks.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// waitConn blocks until a live connection exists or ctx is cancelled.
func (c *Client) waitConn(ctx context.Context) (*websocket.Conn, error) {
	for {
		c.mu.Lock()
		conn := c.conn
		ready := c.ready
		c.mu.Unlock()
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

// readLoop reads backend frames off one connection until it breaks.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if c.cfg.DebugWire {
			c.log.Debug("provider frame received", "raw", string(raw))
		}

		ev, err := normalize(c.cfg.Kind, raw)
		if err != nil {
			if errors.Is(err, errSkipEvent) {
				continue
			}
			c.metrics.RecordProviderError(ctx, string(c.cfg.Kind))
			c.log.Warn("provider frame rejected",
				"provider", string(c.cfg.Kind),
				"error", err,
			)
			continue
		}

		if err := c.out.Publish(ctx, ev); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			c.log.Warn("provider publish failed",
				"type", string(ev.Type),
				"session_id", ev.SessionID,
				"error", err,
			)
		}
	}
}

// HandleEnvelope forwards one inbound audio envelope to the backend. It is
// the handler function for the inbound bus translate slot. Non-audio
// envelopes are dropped.
func (c *Client) HandleEnvelope(ctx context.Context, env *event.Envelope) error {
	if !env.IsAudio() {
		return nil
	}

	frame, err := serializeAudio(env)
	if err != nil {
		return fmt.Errorf("provider: serialize audio: %w", err)
	}

	conn, err := c.waitConn(ctx)
	if err != nil {
		return err
	}
	if c.cfg.DebugWire {
		c.log.Debug("provider frame sent", "raw", string(frame))
	}
	if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
		return fmt.Errorf("provider: write %s: %w", env.Type, err)
	}
	return nil
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
