package live

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var ErrRetriesExhausted = errors.New("live: subscription retries exhausted")

const DefaultSettleDelay = 300 * time.Millisecond

// ConnectionError is one failed establishment attempt.
type ConnectionError struct {
	Channel string
	Attempt int
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("subscribe %s (attempt %d): %v", e.Channel, e.Attempt, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

type State int

const (
	StateUnsubscribed State = iota
	StateSubscribing
	StateSubscribed
)

func (s State) String() string {
	switch s {
	case StateSubscribing:
		return "subscribing"
	case StateSubscribed:
		return "subscribed"
	default:
		return "unsubscribed"
	}
}

// RetryPolicy ramps linearly: after failed attempt n the manager waits
// BaseDelay + n*Step before trying again.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Step        time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, BaseDelay: 500 * time.Millisecond, Step: 500 * time.Millisecond}
}

func (p RetryPolicy) Delay(attempt int) time.Duration {
	return p.BaseDelay + time.Duration(attempt)*p.Step
}

// Notifier receives forwarded events. *Coordinator satisfies it.
type Notifier interface {
	Notify()
	RefreshNow(ctx context.Context)
}

type ManagerOptions struct {
	Channel     string
	Retry       RetryPolicy
	SettleDelay time.Duration
	Clock       Clock
}

// Manager keeps at most one live subscription to a channel and forwards every
// event to its Notifier.
type Manager struct {
	broker  Broker
	target  Notifier
	channel string
	retry   RetryPolicy
	settle  time.Duration
	clock   Clock
	log     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	state       State
	handle      Handle
	visible     bool
	settleTimer Timer
	closed      bool
}

func NewManager(broker Broker, target Notifier, opts ManagerOptions, log zerolog.Logger) *Manager {
	if opts.Channel == "" {
		opts.Channel = DefaultChannel
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = DefaultRetryPolicy()
	}
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = DefaultSettleDelay
	}
	if opts.Clock == nil {
		opts.Clock = RealClock
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		broker:  broker,
		target:  target,
		channel: opts.Channel,
		retry:   opts.Retry,
		settle:  opts.SettleDelay,
		clock:   opts.Clock,
		log:     log.With().Str("component", "subscription").Str("channel", opts.Channel).Logger(),
		ctx:     ctx,
		cancel:  cancel,
		visible: true,
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// EnsureSubscribed establishes the subscription unless one exists or is being
// established. It blocks for the retry loop; exhaustion is logged, not returned.
func (m *Manager) EnsureSubscribed(ctx context.Context) {
	m.mu.Lock()
	if m.closed || m.state != StateUnsubscribed {
		m.mu.Unlock()
		return
	}
	m.state = StateSubscribing
	m.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= m.retry.MaxAttempts; attempt++ {
		h, err := m.broker.Subscribe(ctx, m.channel, m.forward)
		if err == nil {
			m.adopt(h, attempt)
			return
		}
		lastErr = &ConnectionError{Channel: m.channel, Attempt: attempt, Err: err}
		m.log.Warn().Err(err).Int("attempt", attempt).Int("max_attempts", m.retry.MaxAttempts).Msg("subscribe failed")
		if ctx.Err() != nil {
			m.cancelled(ctx.Err(), attempt)
			return
		}
		if attempt == m.retry.MaxAttempts {
			break
		}
		if err := m.clock.Sleep(ctx, m.retry.Delay(attempt)); err != nil {
			m.cancelled(err, attempt)
			return
		}
	}

	m.reset()
	m.log.Error().Err(fmt.Errorf("%w: %v", ErrRetriesExhausted, lastErr)).Msg("live updates unavailable")
}

func (m *Manager) reset() {
	m.mu.Lock()
	m.state = StateUnsubscribed
	m.mu.Unlock()
}

func (m *Manager) cancelled(err error, attempt int) {
	m.reset()
	m.log.Info().Err(err).Int("attempt", attempt).Msg("subscribe cancelled")
}

func (m *Manager) adopt(h Handle, attempt int) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = h.Close()
		return
	}
	m.state = StateSubscribed
	m.handle = h
	m.mu.Unlock()
	m.log.Info().Int("attempt", attempt).Msg("subscribed")
	go m.watch(h)
}

func (m *Manager) watch(h Handle) {
	<-h.Done()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handle != h {
		return
	}
	m.handle = nil
	m.state = StateUnsubscribed
	m.log.Warn().Msg("subscription dropped")
}

func (m *Manager) forward(ev Event) {
	m.log.Debug().Str("payload", ev.Payload).Msg("event")
	m.target.Notify()
}

// SetVisible records the page visibility. Becoming visible again re-checks the
// subscription and schedules one refresh after the settle delay.
func (m *Manager) SetVisible(visible bool) {
	if m.RecordVisible(visible) {
		m.EnsureSubscribed(m.ctx)
	}
}

// RecordVisible applies a visibility change without blocking. It reports
// whether the page just became visible, in which case the caller must run
// EnsureSubscribed.
func (m *Manager) RecordVisible(visible bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	was := m.visible
	m.visible = visible
	if !visible || was || m.closed {
		return false
	}
	if m.settleTimer != nil {
		m.settleTimer.Stop()
	}
	m.settleTimer = m.clock.AfterFunc(m.settle, func() {
		m.target.RefreshNow(m.ctx)
	})
	return true
}

func (m *Manager) Visible() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.visible
}

func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	if m.settleTimer != nil {
		m.settleTimer.Stop()
		m.settleTimer = nil
	}
	h := m.handle
	m.handle = nil
	m.state = StateUnsubscribed
	m.mu.Unlock()

	m.cancel()
	if h != nil {
		_ = h.Close()
	}
}
