package panel

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"adspanel/internal/accounts"
	"adspanel/internal/catalog"
	"adspanel/internal/history"
	"adspanel/internal/live"
	"adspanel/internal/views"
)

const (
	ViewVideos  = "videos"
	ViewUsers   = "users"
	ViewHistory = "history"
)

// Sources loads the data behind the three panel views.
type Sources struct {
	Videos  func(ctx context.Context) ([]catalog.Group, error)
	Users   func(ctx context.Context) ([]accounts.User, error)
	History func(ctx context.Context, date string) ([]history.Row, error)
}

type Options struct {
	Channel  string
	Debounce time.Duration
	Settle   time.Duration
	Retry    live.RetryPolicy
	Clock    live.Clock
}

// Session is one open page: its views, the coordinator that reloads them
// and the subscription that feeds the coordinator.
type Session struct {
	ID string

	filter      *views.Filter
	videos      *views.View[catalog.Group]
	users       *views.View[accounts.User]
	history     *views.View[history.Row]
	coordinator *live.Coordinator
	manager     *live.Manager
	log         zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

func newSession(broker live.Broker, src Sources, opts Options, sink views.Sink, log zerolog.Logger) *Session {
	id := uuid.NewString()
	log = log.With().Str("session", id).Logger()
	filter := &views.Filter{}
	s := &Session{ID: id, filter: filter, log: log}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.videos = views.New[catalog.Group](ViewVideos, src.Videos, sink)
	s.users = views.New[accounts.User](ViewUsers, src.Users, sink)
	s.history = views.New[history.Row](ViewHistory, func(ctx context.Context) ([]history.Row, error) {
		return src.History(ctx, filter.Date())
	}, sink, views.WithFilter(filter))

	s.coordinator = live.NewCoordinator(opts.Debounce, opts.Clock, log,
		s.videos.Refresher(), s.history.Refresher(), s.users.Refresher())
	s.manager = live.NewManager(broker, s.coordinator, live.ManagerOptions{
		Channel:     opts.Channel,
		Retry:       opts.Retry,
		SettleDelay: opts.Settle,
		Clock:       opts.Clock,
	}, log)
	return s
}

// Start renders every view once and subscribes for changes.
func (s *Session) Start() {
	s.coordinator.RefreshNow(s.ctx)
	s.manager.EnsureSubscribed(s.ctx)
}

func (s *Session) SetVisible(visible bool) {
	s.manager.SetVisible(visible)
}

// ApplyVisibility records the change in order and rechecks the subscription
// in the background, since that may sit in the retry loop.
func (s *Session) ApplyVisibility(visible bool) {
	if s.manager.RecordVisible(visible) {
		go s.manager.EnsureSubscribed(s.ctx)
	}
}

func (s *Session) Visible() bool { return s.manager.Visible() }

// SetFilter validates date and reloads the history view with it.
func (s *Session) SetFilter(ctx context.Context, date string) error {
	date, err := history.ParseDate(date)
	if err != nil {
		return err
	}
	s.filter.Set(date)
	_ = s.history.Refresh(ctx)
	return nil
}

func (s *Session) ResetFilter(ctx context.Context) {
	s.filter.Clear()
	_ = s.history.Refresh(ctx)
}

// Poke is the periodic presence check: recover a dropped subscription and
// schedule a reload so offline detection is re-evaluated.
func (s *Session) Poke(ctx context.Context) {
	s.manager.EnsureSubscribed(ctx)
	s.coordinator.Notify()
}

func (s *Session) Filter() string { return s.filter.Date() }

func (s *Session) Subscription() live.State { return s.manager.State() }

func (s *Session) Pending() bool { return s.coordinator.Pending() }

func (s *Session) Snapshots() []views.Snapshot {
	return []views.Snapshot{s.videos.Snapshot(), s.history.Snapshot(), s.users.Snapshot()}
}

func (s *Session) Close() {
	s.cancel()
	s.manager.Close()
	s.coordinator.Close()
}
