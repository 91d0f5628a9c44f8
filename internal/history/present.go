package history

import "time"

// Row is an entry formatted for the history table.
type Row struct {
	ID        string `json:"id"`
	UserName  string `json:"user_name"`
	Login     string `json:"login"`
	Logout    string `json:"logout"`
	Online    bool   `json:"online"`
	Device    string `json:"device"`
	UserAgent string `json:"user_agent"`
}

type Presenter struct {
	Location     *time.Location
	OfflineAfter time.Duration
	Now          func() time.Time
}

func NewPresenter(loc *time.Location, offlineAfter time.Duration) Presenter {
	if loc == nil {
		loc = time.UTC
	}
	if offlineAfter <= 0 {
		offlineAfter = DefaultOfflineAfter
	}
	return Presenter{Location: loc, OfflineAfter: offlineAfter, Now: time.Now}
}

func (p Presenter) Format(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.In(p.Location).Format(DisplayLayout)
}

// Row renders the logout column as the logout time, "Active", or the last
// ping followed by "(detected offline)" once pings stopped arriving.
func (p Presenter) Row(e Entry) Row {
	r := Row{
		ID:        e.ID.String(),
		UserName:  e.UserName,
		Login:     p.Format(e.LoginAt),
		Device:    e.DeviceModel,
		UserAgent: e.UserAgent,
	}
	switch {
	case e.LoggedOut():
		r.Logout = p.Format(e.LogoutAt)
	case p.offline(e):
		r.Logout = p.Format(e.LastPing) + " (detected offline)"
	default:
		r.Logout = "Active"
		r.Online = true
	}
	return r
}

func (p Presenter) Rows(entries []Entry) []Row {
	out := make([]Row, 0, len(entries))
	for _, e := range entries {
		out = append(out, p.Row(e))
	}
	return out
}

// A session that never pinged stays Active.
func (p Presenter) offline(e Entry) bool {
	if e.LastPing.IsZero() {
		return false
	}
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	return now().Sub(e.LastPing) > p.OfflineAfter
}
