package live

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

var errListenerClosed = errors.New("live: listener closed")

// listenConn is a dedicated connection held for LISTEN.
type listenConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
	Close(ctx context.Context) error
	Release()
}

type connSource interface {
	Acquire(ctx context.Context) (listenConn, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type poolSource struct{ pool *pgxpool.Pool }

func (p poolSource) Acquire(ctx context.Context) (listenConn, error) {
	c, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return pooledConn{c}, nil
}

func (p poolSource) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return p.pool.Exec(ctx, sql, args...)
}

type pooledConn struct{ c *pgxpool.Conn }

func (p pooledConn) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return p.c.Exec(ctx, sql, args...)
}

func (p pooledConn) WaitForNotification(ctx context.Context) (*pgconn.Notification, error) {
	return p.c.Conn().WaitForNotification(ctx)
}

// Close closes the underlying connection so the pool discards it on Release.
func (p pooledConn) Close(ctx context.Context) error { return p.c.Conn().Close(ctx) }

func (p pooledConn) Release() { p.c.Release() }

// PGBroker delivers Postgres NOTIFY messages. All subscribers of a channel
// share one pooled connection running LISTEN; when that connection fails every
// handle on it is closed.
type PGBroker struct {
	src connSource
	log zerolog.Logger

	mu        sync.Mutex
	listeners map[string]*pgListener
}

func NewPGBroker(pool *pgxpool.Pool, log zerolog.Logger) *PGBroker {
	return newPGBroker(poolSource{pool}, log)
}

func newPGBroker(src connSource, log zerolog.Logger) *PGBroker {
	return &PGBroker{
		src:       src,
		log:       log.With().Str("component", "pg_broker").Logger(),
		listeners: make(map[string]*pgListener),
	}
}

func (b *PGBroker) Publish(ctx context.Context, channel, payload string) error {
	_, err := b.src.Exec(ctx, "SELECT pg_notify($1, $2)", channel, payload)
	return err
}

func (b *PGBroker) Subscribe(ctx context.Context, channel string, onEvent func(Event)) (Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	l := b.listeners[channel]
	if l == nil || l.isDone() {
		var err error
		l, err = b.listen(ctx, channel)
		if err != nil {
			return nil, err
		}
		b.listeners[channel] = l
	}
	h := &pgHandle{listener: l, onEvent: onEvent, done: make(chan struct{})}
	if !l.add(h) {
		return nil, errListenerClosed
	}
	return h, nil
}

// Subscribers reports the open handle count on channel.
func (b *PGBroker) Subscribers(channel string) int {
	b.mu.Lock()
	l := b.listeners[channel]
	b.mu.Unlock()
	if l == nil {
		return 0
	}
	return len(l.snapshot())
}

func (b *PGBroker) listen(ctx context.Context, channel string) (*pgListener, error) {
	conn, err := b.src.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		conn.Release()
		return nil, err
	}
	lctx, cancel := context.WithCancel(context.Background())
	l := &pgListener{
		channel: channel,
		conn:    conn,
		cancel:  cancel,
		subs:    make(map[*pgHandle]struct{}),
		done:    make(chan struct{}),
		log:     b.log.With().Str("channel", channel).Logger(),
	}
	go l.loop(lctx)
	b.log.Info().Str("channel", channel).Msg("listening")
	return l, nil
}

type pgListener struct {
	channel string
	conn    listenConn
	cancel  context.CancelFunc
	log     zerolog.Logger

	mu     sync.Mutex
	subs   map[*pgHandle]struct{}
	closed bool
	done   chan struct{}
}

func (l *pgListener) loop(ctx context.Context) {
	defer l.shutdown()
	for {
		n, err := l.conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() == nil {
				l.log.Warn().Err(err).Msg("listener connection lost")
			}
			return
		}
		ev := Event{Channel: n.Channel, Payload: n.Payload, ReceivedAt: time.Now()}
		for _, h := range l.snapshot() {
			h.deliver(ev)
		}
	}
}

func (l *pgListener) shutdown() {
	l.mu.Lock()
	l.closed = true
	subs := l.subs
	l.subs = map[*pgHandle]struct{}{}
	l.mu.Unlock()
	for h := range subs {
		h.finish()
	}
	// an interrupted wait leaves the connection unusable
	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	_ = l.conn.Close(closeCtx)
	cancel()
	l.conn.Release()
	close(l.done)
}

func (l *pgListener) isDone() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *pgListener) add(h *pgHandle) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.subs[h] = struct{}{}
	return true
}

func (l *pgListener) remove(h *pgHandle) {
	l.mu.Lock()
	delete(l.subs, h)
	empty := len(l.subs) == 0 && !l.closed
	if empty {
		// stop handing this listener to new subscribers while it winds down
		l.closed = true
	}
	l.mu.Unlock()
	if empty {
		l.cancel()
	}
}

func (l *pgListener) snapshot() []*pgHandle {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*pgHandle, 0, len(l.subs))
	for h := range l.subs {
		out = append(out, h)
	}
	return out
}

type pgHandle struct {
	listener *pgListener
	onEvent  func(Event)
	done     chan struct{}
	once     sync.Once
}

func (h *pgHandle) Done() <-chan struct{} { return h.done }

func (h *pgHandle) Close() error {
	h.listener.remove(h)
	h.finish()
	return nil
}

func (h *pgHandle) finish() {
	h.once.Do(func() { close(h.done) })
}

func (h *pgHandle) deliver(ev Event) {
	select {
	case <-h.done:
		return
	default:
	}
	if h.onEvent != nil {
		h.onEvent(ev)
	}
}
