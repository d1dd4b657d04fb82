package app

import (
	"fmt"
	"io"
	"time"

	"github.com/gosuri/uitable"

	"github.com/autopeer-io/lockagent/internal/lockagent"
	"github.com/autopeer-io/lockagent/internal/lockagent/module"
)

const maxColWidth = 80

func renderStatus(w io.Writer, st *lockagent.Status) {
	table := uitable.New()
	table.MaxColWidth = maxColWidth
	table.Wrap = true

	sup := st.Supervision
	table.AddRow("DEVICE:", st.DeviceID)
	if st.Revision != "" {
		table.AddRow("REVISION:", st.Revision)
	}
	table.AddRow("SUPERVISION:", fmt.Sprintf("%s since %s", sup.State, since(sup.Since, st.Time)))
	if sup.PID != 0 {
		table.AddRow("PID:", sup.PID)
	}
	table.AddRow("RESTARTS:", sup.Restarts)
	if sup.LastExit != "" {
		table.AddRow("LAST EXIT:", sup.LastExit)
	}
	table.AddRow("CONNECTIVITY:", st.Connectivity)
	if s := st.Session; s != nil {
		table.AddRow("SETUP AP:", fmt.Sprintf("%s on %s", s.APSSID, s.Interface))
		table.AddRow("SETUP ATTEMPTS:", s.Attempts)
		if s.LastError != "" {
			table.AddRow("SETUP ERROR:", s.LastError)
		}
	}
	fmt.Fprintln(w, table)

	if st.ActiveModule != nil {
		fmt.Fprintln(w)
		renderModule(w, st.ActiveModule)
	}
}

func renderModule(w io.Writer, m *module.ControlModule) {
	table := uitable.New()
	table.MaxColWidth = maxColWidth
	table.AddRow("SOURCE", "STATUS", "DIGEST", "SIZE", "PATH", "LOCATION")
	location := m.Location
	if location == "" {
		location = "-"
	}
	table.AddRow(m.Source, m.Status, m.ShortDigest(), m.Size, m.Path, location)
	fmt.Fprintln(w, table)
}

func since(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	if now.IsZero() {
		now = time.Now()
	}
	return now.Sub(t).Round(time.Second).String()
}
