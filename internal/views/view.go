package views

import (
	"context"
	"sync"
	"time"

	"adspanel/internal/live"
)

type Status string

const (
	StatusLoading Status = "loading"
	StatusOK      Status = "ok"
	StatusStale   Status = "stale"
	StatusError   Status = "error"
)

// Snapshot is what a page shows for one view. A stale snapshot still carries
// the rows of the last successful load.
type Snapshot struct {
	View     string    `json:"view"`
	Status   Status    `json:"status"`
	Rows     any       `json:"rows"`
	Count    int       `json:"count"`
	Filter   string    `json:"filter,omitempty"`
	Error    string    `json:"error,omitempty"`
	LoadedAt time.Time `json:"loaded_at,omitempty"`
}

type Sink interface {
	Render(Snapshot)
}

type SinkFunc func(Snapshot)

func (f SinkFunc) Render(s Snapshot) { f(s) }

type Loader[T any] func(ctx context.Context) ([]T, error)

// View reloads one data set and keeps the last good result.
type View[T any] struct {
	name   string
	load   Loader[T]
	sink   Sink
	filter *Filter
	now    func() time.Time

	// held across apply and render so snapshots reach the sink in order
	renderMu sync.Mutex

	mu      sync.Mutex
	current Snapshot
	rows    []T
	loaded  bool
	started uint64
}

type Option func(*options)

type options struct {
	filter *Filter
	now    func() time.Time
}

// WithFilter stamps the filter value in effect at load time into each snapshot.
func WithFilter(f *Filter) Option {
	return func(o *options) { o.filter = f }
}

func WithNow(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func New[T any](name string, load Loader[T], sink Sink, opts ...Option) *View[T] {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if sink == nil {
		sink = SinkFunc(func(Snapshot) {})
	}
	return &View[T]{
		name:    name,
		load:    load,
		sink:    sink,
		filter:  o.filter,
		now:     o.now,
		current: Snapshot{View: name, Status: StatusLoading, Rows: []T{}},
	}
}

func (v *View[T]) Name() string { return v.name }

// Refresh loads the view and renders the outcome. On failure the previous
// rows stay on screen marked stale; with nothing loaded yet an error
// placeholder is rendered instead. A load overtaken by a newer Refresh is
// discarded so an old filter never overwrites a newer one.
func (v *View[T]) Refresh(ctx context.Context) error {
	v.mu.Lock()
	v.started++
	gen := v.started
	v.mu.Unlock()

	filter := ""
	if v.filter != nil {
		filter = v.filter.Date()
	}
	rows, err := v.load(ctx)

	v.renderMu.Lock()
	defer v.renderMu.Unlock()

	v.mu.Lock()
	if gen != v.started {
		v.mu.Unlock()
		return err
	}
	if err != nil {
		if v.loaded {
			v.current.Status = StatusStale
			v.current.Error = err.Error()
		} else {
			v.current = Snapshot{
				View:   v.name,
				Status: StatusError,
				Rows:   []T{},
				Filter: filter,
				Error:  err.Error(),
			}
		}
	} else {
		if rows == nil {
			rows = []T{}
		}
		v.rows = rows
		v.loaded = true
		v.current = Snapshot{
			View:     v.name,
			Status:   StatusOK,
			Rows:     rows,
			Count:    len(rows),
			Filter:   filter,
			LoadedAt: v.now(),
		}
	}
	snap := v.current
	v.mu.Unlock()

	v.sink.Render(snap)
	return err
}

func (v *View[T]) Snapshot() Snapshot {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.current
}

// Rows returns the rows of the last successful load.
func (v *View[T]) Rows() []T {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]T, len(v.rows))
	copy(out, v.rows)
	return out
}

func (v *View[T]) Refresher() live.Refresher {
	return live.Refresher{Name: v.name, Refresh: v.Refresh}
}
