package history

import (
	"context"
	"errors"
	"strings"
	"time"

	_ "time/tzdata"

	"github.com/gocql/gocql"
)

var (
	ErrInvalidDate = errors.New("invalid date, expected YYYY-MM-DD")
	ErrNotFound    = errors.New("login session not found")
)

const (
	DateLayout    = "2006-01-02"
	DisplayLayout = "02/01/2006 15:04:05"

	DefaultTimezone     = "Asia/Kolkata"
	DefaultOfflineAfter = 70 * time.Second

	// history rows of this account are never listed
	hiddenUser = "admin"
)

// Entry is one device login session.
type Entry struct {
	ID          gocql.UUID
	UserName    string
	LoginAt     time.Time
	LogoutAt    time.Time
	LastPing    time.Time
	DeviceModel string
	UserAgent   string
}

func (e Entry) LoggedOut() bool { return !e.LogoutAt.IsZero() }

// Store persists login sessions. List returns newest first; an empty date
// lists every day.
type Store interface {
	RecordLogin(ctx context.Context, e Entry) error
	Touch(ctx context.Context, id gocql.UUID, at time.Time) error
	Close(ctx context.Context, id gocql.UUID, at time.Time) error
	List(ctx context.Context, date string) ([]Entry, error)
}

// LoadLocation falls back to the panel default for an empty name.
func LoadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = DefaultTimezone
	}
	return time.LoadLocation(name)
}

// ParseDate validates a YYYY-MM-DD filter. The empty string means no filter.
func ParseDate(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", nil
	}
	if _, err := time.Parse(DateLayout, s); err != nil {
		return "", ErrInvalidDate
	}
	return s, nil
}

// DayOf is the partition day of t in loc.
func DayOf(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(DateLayout)
}

func visible(e Entry) bool {
	return e.UserName != hiddenUser
}
