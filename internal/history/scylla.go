package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
)

// ScyllaStore keeps sessions in login_history, with login_sessions mapping a
// session id to its day partition and login_days indexing the partitions.
type ScyllaStore struct {
	session  *gocql.Session
	keyspace string
	loc      *time.Location
}

func NewScyllaStore(session *gocql.Session, keyspace string, loc *time.Location) *ScyllaStore {
	if loc == nil {
		loc = time.UTC
	}
	return &ScyllaStore{session: session, keyspace: keyspace, loc: loc}
}

func (s *ScyllaStore) RecordLogin(ctx context.Context, e Entry) error {
	day := DayOf(e.LoginAt, s.loc)
	b := s.session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	b.Query(fmt.Sprintf(`INSERT INTO %s.login_history (day,id,user_name,login_at,device_model,user_agent)
		VALUES (?,?,?,?,?,?)`, s.keyspace), day, e.ID, e.UserName, e.LoginAt, e.DeviceModel, e.UserAgent)
	b.Query(fmt.Sprintf(`INSERT INTO %s.login_sessions (id,day) VALUES (?,?)`, s.keyspace), e.ID, day)
	b.Query(fmt.Sprintf(`INSERT INTO %s.login_days (bucket,day) VALUES (0,?)`, s.keyspace), day)
	return s.session.ExecuteBatch(b)
}

func (s *ScyllaStore) Touch(ctx context.Context, id gocql.UUID, at time.Time) error {
	day, err := s.dayOf(ctx, id)
	if err != nil {
		return err
	}
	return s.session.Query(fmt.Sprintf(`UPDATE %s.login_history SET last_ping=? WHERE day=? AND id=?`, s.keyspace),
		at, day, id).WithContext(ctx).Exec()
}

func (s *ScyllaStore) Close(ctx context.Context, id gocql.UUID, at time.Time) error {
	day, err := s.dayOf(ctx, id)
	if err != nil {
		return err
	}
	return s.session.Query(fmt.Sprintf(`UPDATE %s.login_history SET logout_at=?, last_ping=? WHERE day=? AND id=?`, s.keyspace),
		at, at, day, id).WithContext(ctx).Exec()
}

func (s *ScyllaStore) List(ctx context.Context, date string) ([]Entry, error) {
	date, err := ParseDate(date)
	if err != nil {
		return nil, err
	}
	days := []string{date}
	if date == "" {
		if days, err = s.days(ctx); err != nil {
			return nil, err
		}
	}
	out := []Entry{}
	for _, day := range days {
		rows, err := s.listDay(ctx, day)
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)
	}
	return out, nil
}

func (s *ScyllaStore) dayOf(ctx context.Context, id gocql.UUID) (string, error) {
	var day string
	err := s.session.Query(fmt.Sprintf(`SELECT day FROM %s.login_sessions WHERE id=?`, s.keyspace), id).
		WithContext(ctx).Scan(&day)
	if errors.Is(err, gocql.ErrNotFound) {
		return "", ErrNotFound
	}
	return day, err
}

func (s *ScyllaStore) days(ctx context.Context) ([]string, error) {
	iter := s.session.Query(fmt.Sprintf(`SELECT day FROM %s.login_days WHERE bucket=0`, s.keyspace)).
		WithContext(ctx).Iter()
	var days []string
	var day string
	for iter.Scan(&day) {
		days = append(days, day)
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}
	return days, nil
}

func (s *ScyllaStore) listDay(ctx context.Context, day string) ([]Entry, error) {
	iter := s.session.Query(fmt.Sprintf(`SELECT id,user_name,login_at,logout_at,last_ping,device_model,user_agent
		FROM %s.login_history WHERE day=?`, s.keyspace), day).WithContext(ctx).Iter()
	var out []Entry
	var e Entry
	for iter.Scan(&e.ID, &e.UserName, &e.LoginAt, &e.LogoutAt, &e.LastPing, &e.DeviceModel, &e.UserAgent) {
		out = append(out, e)
		e = Entry{}
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}
	return out, nil
}
