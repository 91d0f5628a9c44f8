package history

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/gocql/gocql"
	"github.com/rs/zerolog"

	"adspanel/internal/live"
)

const (
	ChangeLogin  = "login"
	ChangePing   = "ping"
	ChangeLogout = "logout"
)

// Service records device sessions and announces each change on the live
// channel so open pages reload their history.
type Service struct {
	store     Store
	announcer *live.Announcer
	presenter Presenter
	log       zerolog.Logger
	now       func() time.Time
}

func NewService(store Store, announcer *live.Announcer, presenter Presenter, log zerolog.Logger) *Service {
	return &Service{
		store:     store,
		announcer: announcer,
		presenter: presenter,
		log:       log.With().Str("component", "history").Logger(),
		now:       time.Now,
	}
}

func (s *Service) Login(ctx context.Context, userName, deviceModel, userAgent string) (Entry, error) {
	at := s.now().UTC()
	e := Entry{
		ID:          gocql.UUIDFromTime(at),
		UserName:    strings.TrimSpace(userName),
		LoginAt:     at,
		DeviceModel: strings.TrimSpace(deviceModel),
		UserAgent:   userAgent,
	}
	if err := s.store.RecordLogin(ctx, e); err != nil {
		return Entry{}, err
	}
	s.log.Info().Str("user", e.UserName).Str("session", e.ID.String()).Msg("device login")
	s.announcer.Announce(ctx, ChangeLogin, e.ID.String())
	return e, nil
}

func (s *Service) Ping(ctx context.Context, id gocql.UUID) error {
	if err := s.store.Touch(ctx, id, s.now().UTC()); err != nil {
		return err
	}
	s.announcer.Announce(ctx, ChangePing, id.String())
	return nil
}

func (s *Service) Logout(ctx context.Context, id gocql.UUID) error {
	if err := s.store.Close(ctx, id, s.now().UTC()); err != nil {
		return err
	}
	s.log.Info().Str("session", id.String()).Msg("device logout")
	s.announcer.Announce(ctx, ChangeLogout, id.String())
	return nil
}

func (s *Service) Entries(ctx context.Context, date string) ([]Entry, error) {
	date, err := ParseDate(date)
	if err != nil {
		return nil, err
	}
	all, err := s.store.List(ctx, date)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(all))
	for _, e := range all {
		if visible(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

// Rows lists entries formatted for display.
func (s *Service) Rows(ctx context.Context, date string) ([]Row, error) {
	entries, err := s.Entries(ctx, date)
	if err != nil {
		return nil, err
	}
	return s.presenter.Rows(entries), nil
}

// Export writes the CSV for date, or every day when date is empty.
func (s *Service) Export(ctx context.Context, w io.Writer, date string) error {
	entries, err := s.Entries(ctx, date)
	if err != nil {
		return err
	}
	return WriteCSV(w, entries, s.presenter.Location)
}
