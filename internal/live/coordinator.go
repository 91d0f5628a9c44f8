package live

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const DefaultDebounce = 600 * time.Millisecond

// RefreshFunc reloads one view. It must be safe to call at any time.
type RefreshFunc func(ctx context.Context) error

type Refresher struct {
	Name    string
	Refresh RefreshFunc
}

// Coordinator collapses bursts of change notifications into a single run of
// its refreshers. The debounce window is fixed from the first Notify of a
// burst: while a run is pending further calls are no-ops and the armed timer
// is never reset.
type Coordinator struct {
	window     time.Duration
	clock      Clock
	log        zerolog.Logger
	refreshers []Refresher

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending bool
	timer   Timer
	closed  bool

	// runs never overlap
	runMu sync.Mutex
}

func NewCoordinator(window time.Duration, clock Clock, log zerolog.Logger, refreshers ...Refresher) *Coordinator {
	if window <= 0 {
		window = DefaultDebounce
	}
	if clock == nil {
		clock = RealClock
	}
	ctx, cancel := context.WithCancel(context.Background())
	rs := make([]Refresher, len(refreshers))
	copy(rs, refreshers)
	return &Coordinator{
		window:     window,
		clock:      clock,
		log:        log.With().Str("component", "coordinator").Logger(),
		refreshers: rs,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Notify arms a deferred refresh unless one is already pending.
func (c *Coordinator) Notify() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.pending {
		return
	}
	c.pending = true
	c.timer = c.clock.AfterFunc(c.window, c.fire)
}

func (c *Coordinator) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// RefreshNow runs every refresher immediately, ignoring the debounce state.
func (c *Coordinator) RefreshNow(ctx context.Context) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	c.run(ctx, "immediate")
}

// Close stops a pending run. Later notifications are ignored.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	c.pending = false
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()
	c.cancel()
}

func (c *Coordinator) fire() {
	// Clear before running so a Notify issued by a refresher arms the next cycle.
	c.mu.Lock()
	c.pending = false
	c.timer = nil
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	c.run(c.ctx, "debounce")
}

func (c *Coordinator) run(ctx context.Context, reason string) {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	start := time.Now()
	failed := 0
	for _, r := range c.refreshers {
		if err := c.invoke(ctx, r); err != nil {
			failed++
			c.log.Warn().Err(err).Str("view", r.Name).Str("reason", reason).Msg("refresh failed")
		}
	}
	c.log.Debug().
		Str("reason", reason).
		Int("refreshers", len(c.refreshers)).
		Int("failed", failed).
		Dur("took", time.Since(start)).
		Msg("refresh cycle done")
}

func (c *Coordinator) invoke(ctx context.Context, r Refresher) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("refresher %s panicked: %v", r.Name, p)
		}
	}()
	if r.Refresh == nil {
		return nil
	}
	return r.Refresh(ctx)
}
