package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/srg/tagwatch/internal/session"
)

// deviceTable renders session snapshots as a text table
type deviceTable struct {
	out     io.Writer
	colored bool
}

func newDeviceTable(out io.Writer, colored bool) *deviceTable {
	return &deviceTable{out: out, colored: colored}
}

func (t *deviceTable) paint(attr color.Attribute, s string) string {
	c := color.New(attr)
	if t.colored {
		c.EnableColor()
	} else {
		c.DisableColor()
	}
	return c.Sprint(s)
}

func (t *deviceTable) stateText(state session.LinkState) string {
	switch state {
	case session.Subscribed:
		return t.paint(color.FgGreen, state.String())
	case session.Lost:
		return t.paint(color.FgRed, state.String())
	default:
		return t.paint(color.FgYellow, state.String())
	}
}

// Render writes the status line, the optional notice and one row per device
func (t *deviceTable) Render(snap session.Snapshot, notice string) error {
	status := snap.Status
	if status == "" {
		status = "Idle."
	}
	scanning := "off"
	if snap.Scanning {
		scanning = "on"
	}
	fmt.Fprintf(t.out, "%s  (scan: %s)\n", status, scanning)
	if notice != "" {
		fmt.Fprintln(t.out, t.paint(color.FgRed, "! "+notice))
	}
	fmt.Fprintln(t.out)

	if len(snap.Devices) == 0 {
		fmt.Fprintln(t.out, "No devices discovered")
		return nil
	}

	w := tabwriter.NewWriter(t.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tTEMP (C)\tRH (%)\tUPDATED\tSTATE")
	fmt.Fprintln(w, "----\t-------\t--------\t------\t-------\t-----")
	for _, rec := range snap.Devices {
		name := rec.DisplayName()
		if len(name) > 20 {
			name = name[:17] + "..."
		}
		updated := session.Placeholder
		if !rec.UpdatedAt.IsZero() {
			updated = rec.UpdatedAt.Local().Format(time.TimeOnly)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			name, rec.ID, rec.TemperatureText(), rec.HumidityText(), updated, t.stateText(rec.State))
	}
	return w.Flush()
}
