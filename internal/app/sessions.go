package app

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/voxlate/voxlate/internal/observe"
	"github.com/voxlate/voxlate/internal/playout"
)

// SessionInfo holds metadata about one live call session.
type SessionInfo struct {
	// SessionID is the platform's identifier for the call.
	SessionID string

	// FirstSeen is when the first inbound frame for this session arrived.
	FirstSeen time.Time

	// LastActivity is when the most recent inbound frame arrived.
	LastActivity time.Time
}

// SessionTrackerConfig holds the dependencies for a [SessionTracker].
type SessionTrackerConfig struct {
	// IdleAfter evicts sessions with no inbound activity for this long.
	// Zero disables eviction.
	IdleAfter time.Duration

	// Store is the playout store whose per-session state is released on
	// eviction.
	Store *playout.Store

	// Logger overrides the default logger.
	Logger *slog.Logger

	// Metrics overrides [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// SessionTracker follows which call sessions are live based on inbound frame
// activity. Idle sessions are evicted together with their playout state so a
// hung call does not pin buffers forever. All exported methods are safe for
// concurrent use.
type SessionTracker struct {
	cfg     SessionTrackerConfig
	log     *slog.Logger
	metrics *observe.Metrics

	mu       sync.Mutex
	sessions map[string]*SessionInfo
}

// NewSessionTracker creates a tracker with the given dependencies.
func NewSessionTracker(cfg SessionTrackerConfig) *SessionTracker {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &SessionTracker{
		cfg:      cfg,
		log:      log,
		metrics:  metrics,
		sessions: make(map[string]*SessionInfo),
	}
}

// Touch records inbound activity for a session at the given time, creating
// the session on first contact.
func (t *SessionTracker) Touch(ctx context.Context, sessionID string, at time.Time) {
	if at.IsZero() {
		at = time.Now().UTC()
	}

	t.mu.Lock()
	info, ok := t.sessions[sessionID]
	if !ok {
		info = &SessionInfo{SessionID: sessionID, FirstSeen: at}
		t.sessions[sessionID] = info
	}
	info.LastActivity = at
	t.mu.Unlock()

	if !ok {
		t.metrics.ActiveSessions.Add(ctx, 1)
		t.log.Info("session started", "session_id", sessionID)
	}
}

// End removes a session and releases its playout state. A no-op for unknown
// sessions.
func (t *SessionTracker) End(ctx context.Context, sessionID string) {
	t.mu.Lock()
	_, ok := t.sessions[sessionID]
	delete(t.sessions, sessionID)
	t.mu.Unlock()
	if !ok {
		return
	}

	removed := 0
	if t.cfg.Store != nil {
		removed = t.cfg.Store.RemoveSession(sessionID)
	}
	t.metrics.ActiveSessions.Add(ctx, -1)
	t.log.Info("session ended", "session_id", sessionID, "streams_removed", removed)
}

// Active returns the live sessions sorted by id.
func (t *SessionTracker) Active() []SessionInfo {
	t.mu.Lock()
	infos := make([]SessionInfo, 0, len(t.sessions))
	for _, info := range t.sessions {
		infos = append(infos, *info)
	}
	t.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].SessionID < infos[j].SessionID })
	return infos
}

// Sweep evicts every session idle since before now minus the idle window and
// reports how many were evicted.
func (t *SessionTracker) Sweep(ctx context.Context, now time.Time) int {
	if t.cfg.IdleAfter <= 0 {
		return 0
	}
	cutoff := now.Add(-t.cfg.IdleAfter)

	t.mu.Lock()
	var idle []string
	for id, info := range t.sessions {
		if info.LastActivity.Before(cutoff) {
			idle = append(idle, id)
		}
	}
	t.mu.Unlock()

	for _, id := range idle {
		t.log.Warn("evicting idle session", "session_id", id)
		t.End(ctx, id)
	}
	return len(idle)
}

// Run sweeps periodically until ctx is cancelled. With eviction disabled it
// just waits for cancellation.
func (t *SessionTracker) Run(ctx context.Context) error {
	if t.cfg.IdleAfter <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	interval := t.cfg.IdleAfter / 2
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			t.Sweep(ctx, now)
		}
	}
}
