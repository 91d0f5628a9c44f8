package live

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	notes chan *pgconn.Notification
	fail  chan error

	mu       sync.Mutex
	execs    []string
	execErr  error
	closed   bool
	released bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{notes: make(chan *pgconn.Notification, 8), fail: make(chan error, 1)}
}

func (c *fakeConn) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.execs = append(c.execs, sql)
	return pgconn.NewCommandTag("LISTEN"), c.execErr
}

func (c *fakeConn) WaitForNotification(ctx context.Context) (*pgconn.Notification, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-c.fail:
		return nil, err
	case n := <-c.notes:
		return n, nil
	}
}

func (c *fakeConn) Close(context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Release() {
	c.mu.Lock()
	c.released = true
	c.mu.Unlock()
}

func (c *fakeConn) Released() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.released
}

type fakeSource struct {
	mu         sync.Mutex
	conns      []*fakeConn
	acquireErr error
	listenErr  error
	published  [][]any
}

func (s *fakeSource) Acquire(context.Context) (listenConn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.acquireErr != nil {
		return nil, s.acquireErr
	}
	c := newFakeConn()
	c.execErr = s.listenErr
	s.conns = append(s.conns, c)
	return c, nil
}

func (s *fakeSource) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.published = append(s.published, append([]any{sql}, args...))
	return pgconn.NewCommandTag("SELECT 1"), nil
}

func (s *fakeSource) Conns() []*fakeConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*fakeConn(nil), s.conns...)
}

func closedWithin(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("handle still open")
	}
}

func TestPGBroker_SharesListenerAndFansOut(t *testing.T) {
	src := &fakeSource{}
	b := newPGBroker(src, zerolog.Nop())

	got := make(chan string, 4)
	h1, err := b.Subscribe(context.Background(), "login_updates", func(ev Event) { got <- "a:" + ev.Payload })
	require.NoError(t, err)
	h2, err := b.Subscribe(context.Background(), "login_updates", func(ev Event) { got <- "b:" + ev.Payload })
	require.NoError(t, err)

	conns := src.Conns()
	require.Len(t, conns, 1)
	assert.Equal(t, []string{`LISTEN "login_updates"`}, conns[0].execs)
	assert.Equal(t, 2, b.Subscribers("login_updates"))

	conns[0].notes <- &pgconn.Notification{Channel: "login_updates", Payload: "{}"}
	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case s := <-got:
			seen[s] = true
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
	assert.Equal(t, map[string]bool{"a:{}": true, "b:{}": true}, seen)

	require.NoError(t, h1.Close())
	closedWithin(t, h1.Done())
	assert.False(t, conns[0].Released(), "listener stays up while a handle remains")

	require.NoError(t, h2.Close())
	require.Eventually(t, conns[0].Released, time.Second, time.Millisecond)
	assert.Zero(t, b.Subscribers("login_updates"))
}

func TestPGBroker_LostConnectionClosesHandlesAndIsReplaced(t *testing.T) {
	src := &fakeSource{}
	b := newPGBroker(src, zerolog.Nop())

	h1, err := b.Subscribe(context.Background(), "login_updates", nil)
	require.NoError(t, err)
	h2, err := b.Subscribe(context.Background(), "login_updates", nil)
	require.NoError(t, err)

	first := src.Conns()[0]
	first.fail <- errors.New("unexpected EOF")
	closedWithin(t, h1.Done())
	closedWithin(t, h2.Done())
	require.Eventually(t, first.Released, time.Second, time.Millisecond)
	first.mu.Lock()
	assert.True(t, first.closed)
	first.mu.Unlock()

	h3, err := b.Subscribe(context.Background(), "login_updates", nil)
	require.NoError(t, err)
	defer h3.Close()
	assert.Len(t, src.Conns(), 2)
	assert.Equal(t, 1, b.Subscribers("login_updates"))
}

func TestPGBroker_SubscribeErrors(t *testing.T) {
	src := &fakeSource{acquireErr: errors.New("pool exhausted")}
	b := newPGBroker(src, zerolog.Nop())
	_, err := b.Subscribe(context.Background(), "login_updates", nil)
	assert.EqualError(t, err, "pool exhausted")

	src.acquireErr = nil
	src.listenErr = errors.New("permission denied")
	_, err = b.Subscribe(context.Background(), "login_updates", nil)
	assert.EqualError(t, err, "permission denied")
	require.Len(t, src.Conns(), 1)
	assert.True(t, src.Conns()[0].Released())
}

func TestPGBroker_Publish(t *testing.T) {
	src := &fakeSource{}
	b := newPGBroker(src, zerolog.Nop())
	require.NoError(t, b.Publish(context.Background(), "login_updates", `{"kind":"ping"}`))
	assert.Equal(t, [][]any{{"SELECT pg_notify($1, $2)", "login_updates", `{"kind":"ping"}`}}, src.published)
}
