// Package bus provides the named publish/subscribe primitive that every stage
// of the voxlate pipeline hangs off: a [Bus] fans each published item out to
// one bounded FIFO queue per registered handler slot. Slots can be paused,
// resumed and cleared independently, and each slot applies its own overflow
// policy when the queue is full.
//
// Within one slot, items are delivered to workers in publish order. Across
// slots no ordering is promised. Handler faults are logged and never tear the
// bus down.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// OverflowPolicy selects what a full handler queue does with a new item.
type OverflowPolicy string

const (
	// DropNewest rejects the incoming item for this slot.
	DropNewest OverflowPolicy = "drop_newest"

	// DropOldest evicts the head of the queue and enqueues the new item.
	DropOldest OverflowPolicy = "drop_oldest"

	// Block back-pressures the publisher until space exists, the configured
	// block timeout elapses, or the publish context is cancelled.
	Block OverflowPolicy = "block"
)

// IsValid reports whether p is a recognised overflow policy.
func (p OverflowPolicy) IsValid() bool {
	switch p {
	case DropNewest, DropOldest, Block:
		return true
	}
	return false
}

const (
	defaultQueueSize = 64
	defaultWorkers   = 1
)

// Handler processes one published item. It runs on a slot worker goroutine;
// with Workers > 1 it must be safe for that concurrency. A returned error is
// logged and the worker continues with the next item.
type Handler[T any] func(ctx context.Context, item T) error

// HandlerConfig describes one handler slot.
type HandlerConfig struct {
	// Name identifies the slot for Pause/Resume/Clear and logging. Required,
	// unique per bus.
	Name string

	// QueueSize bounds the slot's FIFO queue. Defaults to 64.
	QueueSize int

	// Workers is the number of goroutines draining the queue. Defaults to 1.
	Workers int

	// Overflow selects the queue-full behaviour. Defaults to DropNewest.
	Overflow OverflowPolicy

	// BlockTimeout caps how long a Block publish waits for space. Zero means
	// wait until the publish context is cancelled or the bus shuts down.
	BlockTimeout time.Duration
}

// OverflowFunc observes an applied overflow (a dropped item or an expired
// block wait). Used to feed metrics; must not block.
type OverflowFunc func(slotName string, policy OverflowPolicy)

// Option configures a [Bus] during construction.
type Option[T any] func(*Bus[T])

// WithOverflowFunc registers a callback invoked every time a slot applies its
// overflow policy.
func WithOverflowFunc[T any](fn OverflowFunc) Option[T] {
	return func(b *Bus[T]) { b.onOverflow = fn }
}

// Bus is a named publish-to-many-handlers primitive carrying items of type T.
// All methods are safe for concurrent use.
type Bus[T any] struct {
	name       string
	onOverflow OverflowFunc

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	slots []*slot[T] // registration order, for deterministic publish fan-out
	byName map[string]*slot[T]
	closed bool
}

// New creates an empty bus with the given name. Call [Bus.Shutdown] to stop
// its workers.
func New[T any](name string, opts ...Option[T]) *Bus[T] {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus[T]{
		name:   name,
		ctx:    ctx,
		cancel: cancel,
		byName: make(map[string]*slot[T]),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Name returns the bus name.
func (b *Bus[T]) Name() string { return b.name }

// RegisterHandler attaches a handler slot and starts its workers. The slot
// name must be unique on this bus.
func (b *Bus[T]) RegisterHandler(cfg HandlerConfig, fn Handler[T]) error {
	if cfg.Name == "" {
		return fmt.Errorf("bus %s: handler name is required", b.name)
	}
	if fn == nil {
		return fmt.Errorf("bus %s: handler %s: nil function", b.name, cfg.Name)
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.Overflow == "" {
		cfg.Overflow = DropNewest
	}
	if !cfg.Overflow.IsValid() {
		return fmt.Errorf("bus %s: handler %s: invalid overflow policy %q", b.name, cfg.Name, cfg.Overflow)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("bus %s: shut down", b.name)
	}
	if _, dup := b.byName[cfg.Name]; dup {
		return fmt.Errorf("bus %s: handler %s already registered", b.name, cfg.Name)
	}

	s := &slot[T]{bus: b.name, cfg: cfg, fn: fn}
	s.cond = sync.NewCond(&s.mu)
	b.slots = append(b.slots, s)
	b.byName[cfg.Name] = s

	for range cfg.Workers {
		s.wg.Add(1)
		go s.worker(b.ctx)
	}
	return nil
}

// Publish enqueues item into every registered handler slot, applying each
// slot's overflow policy independently. It returns the publish context's
// error when a Block wait is cancelled; applied overflow is not an error.
func (b *Bus[T]) Publish(ctx context.Context, item T) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("bus %s: shut down", b.name)
	}
	slots := b.slots
	b.mu.Unlock()

	for _, s := range slots {
		if err := s.enqueue(ctx, item, b.onOverflow); err != nil {
			return err
		}
	}
	return nil
}

// Pause suspends delivery on the named slot. Published items keep queueing up
// to the slot's bound, then its overflow policy applies. Pausing an already
// paused slot is a no-op.
func (b *Bus[T]) Pause(name string) error {
	s, err := b.slot(name)
	if err != nil {
		return err
	}
	s.setPaused(true)
	return nil
}

// Resume reverses [Bus.Pause]; queued items drain in publish order. Resuming
// a running slot is a no-op.
func (b *Bus[T]) Resume(name string) error {
	s, err := b.slot(name)
	if err != nil {
		return err
	}
	s.setPaused(false)
	return nil
}

// Paused reports whether the named slot is currently paused.
func (b *Bus[T]) Paused(name string) bool {
	s, err := b.slot(name)
	if err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Clear atomically discards all queued items on the named slot and returns
// the number discarded. In-flight handler invocations are unaffected.
func (b *Bus[T]) Clear(name string) (int, error) {
	s, err := b.slot(name)
	if err != nil {
		return 0, err
	}
	return s.clear(), nil
}

// QueueLen returns the number of items currently queued on the named slot.
func (b *Bus[T]) QueueLen(name string) int {
	s, err := b.slot(name)
	if err != nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Shutdown stops all workers and discards queued items. In-flight handler
// invocations may finish until ctx expires, after which they are abandoned.
// Subsequent publishes fail.
func (b *Bus[T]) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	slots := b.slots
	b.mu.Unlock()

	b.cancel()
	for _, s := range slots {
		s.close()
	}

	done := make(chan struct{})
	go func() {
		for _, s := range slots {
			s.wg.Wait()
		}
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("bus %s: shutdown: %w", b.name, ctx.Err())
	}
}

func (b *Bus[T]) slot(name string) (*slot[T], error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.byName[name]
	if !ok {
		return nil, fmt.Errorf("bus %s: unknown handler %s", b.name, name)
	}
	return s, nil
}

// slot owns one handler's bounded queue and worker pool.
type slot[T any] struct {
	bus string
	cfg HandlerConfig
	fn  Handler[T]

	mu     sync.Mutex
	cond   *sync.Cond // signalled on enqueue, dequeue, resume, close
	queue  []T
	paused bool
	closed bool
	wg     sync.WaitGroup
}

// enqueue adds item to the queue, applying the overflow policy when full.
func (s *slot[T]) enqueue(ctx context.Context, item T, onOverflow OverflowFunc) error {
	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()
		return nil
	}

	if len(s.queue) >= s.cfg.QueueSize {
		switch s.cfg.Overflow {
		case DropNewest:
			s.mu.Unlock()
			s.noteOverflow(onOverflow)
			return nil

		case DropOldest:
			s.queue = s.queue[1:]
			s.noteOverflow(onOverflow)

		case Block:
			ok, err := s.waitForSpaceLocked(ctx)
			if err != nil {
				s.mu.Unlock()
				return err
			}
			if !ok {
				// Timed out or slot closed: the item is rejected.
				s.mu.Unlock()
				s.noteOverflow(onOverflow)
				return nil
			}
		}
	}

	s.queue = append(s.queue, item)
	s.cond.Broadcast()
	s.mu.Unlock()
	return nil
}

// waitForSpaceLocked blocks the publisher until the queue has room. Returns
// ok=false when the block timeout expires or the slot closes, and a non-nil
// error when ctx is cancelled. Must be called with s.mu held; reacquires it
// before returning.
func (s *slot[T]) waitForSpaceLocked(ctx context.Context) (bool, error) {
	// Wake the cond wait when the publisher's context is cancelled or the
	// block timeout fires. sync.Cond cannot select, so both paths broadcast.
	stopCtx := context.AfterFunc(ctx, s.cond.Broadcast)
	defer stopCtx()

	var deadline <-chan struct{}
	if s.cfg.BlockTimeout > 0 {
		timedCtx, cancel := context.WithTimeout(context.Background(), s.cfg.BlockTimeout)
		defer cancel()
		stopTimer := context.AfterFunc(timedCtx, s.cond.Broadcast)
		defer stopTimer()
		deadline = timedCtx.Done()
	}

	for len(s.queue) >= s.cfg.QueueSize {
		if s.closed {
			return false, nil
		}
		if err := ctx.Err(); err != nil {
			return false, fmt.Errorf("bus %s: handler %s: publish: %w", s.bus, s.cfg.Name, err)
		}
		select {
		case <-deadline:
			return false, nil
		default:
		}
		s.cond.Wait()
	}
	return true, nil
}

// clear discards queued items and returns how many were dropped.
func (s *slot[T]) clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.queue)
	s.queue = nil
	s.cond.Broadcast()
	return n
}

func (s *slot[T]) setPaused(paused bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused == paused {
		return
	}
	s.paused = paused
	s.cond.Broadcast()
}

func (s *slot[T]) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.queue = nil
	s.cond.Broadcast()
}

// worker drains the queue one item at a time. Dequeue happens under the slot
// lock, so publish order is preserved even with several workers racing.
func (s *slot[T]) worker(ctx context.Context) {
	defer s.wg.Done()

	for {
		s.mu.Lock()
		for (len(s.queue) == 0 || s.paused) && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		item := s.queue[0]
		s.queue = s.queue[1:]
		s.cond.Broadcast() // free a Block publisher
		s.mu.Unlock()

		if err := s.fn(ctx, item); err != nil {
			slog.Error("bus handler fault",
				"bus", s.bus,
				"handler", s.cfg.Name,
				"err", err,
			)
		}
	}
}

func (s *slot[T]) noteOverflow(onOverflow OverflowFunc) {
	slog.Warn("bus queue overflow",
		"bus", s.bus,
		"handler", s.cfg.Name,
		"policy", s.cfg.Overflow,
	)
	if onOverflow != nil {
		onOverflow(s.cfg.Name, s.cfg.Overflow)
	}
}
