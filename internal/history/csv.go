package history

import (
	"bufio"
	"io"
	"strings"
	"time"
)

const csvHeader = "Username,Login(IST),Logout(IST),Device,UserAgent\n"

// ExportFilename names the download for a date filter.
func ExportFilename(date string) string {
	if date == "" {
		return "history-all.csv"
	}
	return "history-" + date + ".csv"
}

// WriteCSV writes entries with every data field quoted. The logout column holds
// the logout time, otherwise the last ping marked offline, otherwise nothing.
func WriteCSV(w io.Writer, entries []Entry, loc *time.Location) error {
	p := Presenter{Location: loc}
	if loc == nil {
		p.Location = time.UTC
	}
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(csvHeader); err != nil {
		return err
	}
	for _, e := range entries {
		logout := ""
		switch {
		case e.LoggedOut():
			logout = p.Format(e.LogoutAt)
		case !e.LastPing.IsZero():
			logout = p.Format(e.LastPing) + " (offline)"
		}
		rec := []string{e.UserName, p.Format(e.LoginAt), logout, e.DeviceModel, e.UserAgent}
		if err := writeRecord(bw, rec); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func writeRecord(w *bufio.Writer, fields []string) error {
	for i, f := range fields {
		if i > 0 {
			if err := w.WriteByte(','); err != nil {
				return err
			}
		}
		if _, err := w.WriteString(`"` + strings.ReplaceAll(f, `"`, `""`) + `"`); err != nil {
			return err
		}
	}
	_, err := w.WriteString("\n")
	return err
}
