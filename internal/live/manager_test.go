package live

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBroker struct {
	mu       sync.Mutex
	failures int
	calls    int
	gate     chan struct{}
	handles  []*memHandle
	inner    *MemoryBroker
}

func newFakeBroker(failures int) *fakeBroker {
	return &fakeBroker{failures: failures, inner: NewMemoryBroker()}
}

func (b *fakeBroker) Subscribe(ctx context.Context, channel string, onEvent func(Event)) (Handle, error) {
	b.mu.Lock()
	b.calls++
	n := b.calls
	gate := b.gate
	b.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if n <= b.failures {
		return nil, errors.New("connection refused")
	}
	h, err := b.inner.Subscribe(ctx, channel, onEvent)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.handles = append(b.handles, h.(*memHandle))
	b.mu.Unlock()
	return h, nil
}

func (b *fakeBroker) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

type countingNotifier struct {
	notifies  atomic.Int32
	immediate atomic.Int32
}

func (n *countingNotifier) Notify()                    { n.notifies.Add(1) }
func (n *countingNotifier) RefreshNow(context.Context) { n.immediate.Add(1) }

func newTestManager(b Broker, target Notifier, clock Clock) *Manager {
	return NewManager(b, target, ManagerOptions{Channel: "login_updates", Clock: clock}, zerolog.Nop())
}

func TestRetryPolicy_Delay(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, 5, p.MaxAttempts)
	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 1500*time.Millisecond, p.Delay(2))
	assert.Equal(t, 2500*time.Millisecond, p.Delay(4))
}

func TestManager_EnsureSubscribedIsIdempotent(t *testing.T) {
	b := newFakeBroker(0)
	m := newTestManager(b, &countingNotifier{}, newFakeClock())
	defer m.Close()

	m.EnsureSubscribed(context.Background())
	m.EnsureSubscribed(context.Background())

	assert.Equal(t, 1, b.Calls())
	assert.Equal(t, StateSubscribed, m.State())
	assert.Equal(t, 1, b.inner.Subscribers("login_updates"))
}

func TestManager_ConcurrentEnsureSubscribedOpensOneHandle(t *testing.T) {
	b := newFakeBroker(0)
	b.gate = make(chan struct{})
	m := newTestManager(b, &countingNotifier{}, newFakeClock())
	defer m.Close()

	first := make(chan struct{})
	go func() {
		m.EnsureSubscribed(context.Background())
		close(first)
	}()
	require.Eventually(t, func() bool { return m.State() == StateSubscribing }, time.Second, time.Millisecond)

	// second call returns at once while the first is in flight
	m.EnsureSubscribed(context.Background())
	close(b.gate)
	<-first

	assert.Equal(t, 1, b.Calls())
	assert.Equal(t, StateSubscribed, m.State())
	assert.Equal(t, 1, b.inner.Subscribers("login_updates"))
}

func TestManager_RetriesWithIncreasingDelay(t *testing.T) {
	b := newFakeBroker(4)
	clock := newFakeClock()
	m := newTestManager(b, &countingNotifier{}, clock)
	defer m.Close()

	m.EnsureSubscribed(context.Background())

	assert.Equal(t, 5, b.Calls())
	assert.Equal(t, StateSubscribed, m.State())
	sleeps := clock.Sleeps()
	require.Len(t, sleeps, 4)
	for i := 1; i < len(sleeps); i++ {
		assert.Greater(t, sleeps[i], sleeps[i-1])
	}
}

func TestManager_ExhaustedRetriesLeaveUnsubscribed(t *testing.T) {
	b := newFakeBroker(100)
	clock := newFakeClock()
	m := newTestManager(b, &countingNotifier{}, clock)
	defer m.Close()

	m.EnsureSubscribed(context.Background())

	assert.Equal(t, 5, b.Calls())
	assert.Equal(t, StateUnsubscribed, m.State())
	assert.Len(t, clock.Sleeps(), 4, "no wait after the last attempt")

	// a later call starts a fresh round
	m.EnsureSubscribed(context.Background())
	assert.Equal(t, 10, b.Calls())
}

func TestManager_CancelledContextStopsRetrying(t *testing.T) {
	b := newFakeBroker(100)
	var logs bytes.Buffer
	m := NewManager(b, &countingNotifier{}, ManagerOptions{Channel: "login_updates", Clock: newFakeClock()}, zerolog.New(&logs))
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m.EnsureSubscribed(ctx)

	assert.Equal(t, 1, b.Calls())
	assert.Equal(t, StateUnsubscribed, m.State())
	assert.Contains(t, logs.String(), "subscribe cancelled")
	assert.NotContains(t, logs.String(), "retries exhausted")

	// a later call with a live context retries normally
	b.mu.Lock()
	b.failures = 0
	b.mu.Unlock()
	m.EnsureSubscribed(context.Background())
	assert.Equal(t, StateSubscribed, m.State())
}

func TestManager_RecordVisibleAppliesInOrder(t *testing.T) {
	b := newFakeBroker(0)
	clock := newFakeClock()
	target := &countingNotifier{}
	m := newTestManager(b, target, clock)
	defer m.Close()

	assert.False(t, m.RecordVisible(false))
	assert.True(t, m.RecordVisible(true))
	assert.False(t, m.RecordVisible(false))
	assert.False(t, m.Visible())

	// the settle refresh armed by the first transition was replaced, not lost
	assert.True(t, m.RecordVisible(true))
	assert.True(t, m.Visible())
	assert.Equal(t, 0, b.Calls(), "recording never subscribes")

	clock.Advance(300 * time.Millisecond)
	assert.Equal(t, int32(1), target.immediate.Load())
}

func TestManager_ForwardsEventsToCoordinator(t *testing.T) {
	broker := NewMemoryBroker()
	clock := newFakeClock()
	var runs atomic.Int32
	c := NewCoordinator(600*time.Millisecond, clock, zerolog.Nop(), Refresher{
		Name:    "history",
		Refresh: func(context.Context) error { runs.Add(1); return nil },
	})
	m := newTestManager(broker, c, clock)
	defer m.Close()

	m.EnsureSubscribed(context.Background())
	for i := 0; i < 3; i++ {
		require.NoError(t, broker.Publish(context.Background(), "login_updates", `{"kind":"login"}`))
	}
	require.NoError(t, broker.Publish(context.Background(), "other", "ignored"))
	assert.True(t, c.Pending())

	clock.Advance(600 * time.Millisecond)
	assert.Equal(t, int32(1), runs.Load())
}

func TestManager_DroppedHandleReturnsToUnsubscribed(t *testing.T) {
	b := newFakeBroker(0)
	m := newTestManager(b, &countingNotifier{}, newFakeClock())
	defer m.Close()

	m.EnsureSubscribed(context.Background())
	require.Equal(t, StateSubscribed, m.State())

	b.inner.Drop("login_updates")
	require.Eventually(t, func() bool { return m.State() == StateUnsubscribed }, time.Second, time.Millisecond)
	assert.Equal(t, 1, b.Calls(), "no automatic resubscribe")

	m.EnsureSubscribed(context.Background())
	assert.Equal(t, StateSubscribed, m.State())
	assert.Equal(t, 2, b.Calls())
}

func TestManager_BecomingVisibleResubscribesAndRefreshesAfterSettle(t *testing.T) {
	b := newFakeBroker(0)
	clock := newFakeClock()
	target := &countingNotifier{}
	m := newTestManager(b, target, clock)
	defer m.Close()

	m.SetVisible(false)
	assert.False(t, m.Visible())
	assert.Equal(t, 0, b.Calls())

	m.SetVisible(true)
	assert.Equal(t, StateSubscribed, m.State())
	assert.Equal(t, 1, b.Calls())
	assert.Equal(t, int32(0), target.immediate.Load())

	clock.Advance(299 * time.Millisecond)
	assert.Equal(t, int32(0), target.immediate.Load())
	clock.Advance(time.Millisecond)
	assert.Equal(t, int32(1), target.immediate.Load())
	assert.Equal(t, int32(0), target.notifies.Load())
}

func TestManager_VisibleWhileVisibleIsNoop(t *testing.T) {
	b := newFakeBroker(0)
	clock := newFakeClock()
	target := &countingNotifier{}
	m := newTestManager(b, target, clock)
	defer m.Close()

	m.SetVisible(true)
	clock.Advance(time.Second)

	assert.Equal(t, 0, b.Calls())
	assert.Equal(t, int32(0), target.immediate.Load())
}

func TestManager_CloseReleasesHandle(t *testing.T) {
	b := newFakeBroker(0)
	clock := newFakeClock()
	target := &countingNotifier{}
	m := newTestManager(b, target, clock)

	m.EnsureSubscribed(context.Background())
	m.SetVisible(false)
	m.SetVisible(true)
	m.Close()

	assert.Equal(t, StateUnsubscribed, m.State())
	assert.Zero(t, b.inner.Subscribers("login_updates"))
	clock.Advance(time.Second)
	assert.Equal(t, int32(0), target.immediate.Load(), "settle refresh cancelled")

	m.EnsureSubscribed(context.Background())
	assert.Equal(t, 1, b.Calls())
}
