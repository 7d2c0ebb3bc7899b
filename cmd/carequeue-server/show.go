package main

import (
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"

	"github.com/carequeue/carequeue/internal/domain/queue"
	"github.com/carequeue/carequeue/internal/platform/db"
)

var (
	headerColor = color.New(color.Bold)
	calledColor = color.New(color.FgGreen, color.Bold)
	urgentColor = color.New(color.FgRed)
)

// printQueue writes active entries as a table, one block per specialty.
func printQueue(w io.Writer, hospital string, entries []*queue.Entry, now time.Time) {
	headerColor.Fprintf(w, "%s: %d active\n", hospital, len(entries))
	if len(entries) == 0 {
		return
	}

	specialty := ""
	for _, e := range entries {
		if e.Specialty != specialty {
			specialty = e.Specialty
			fmt.Fprintln(w)
			headerColor.Fprintf(w, "%s\n", specialty)
			fmt.Fprintf(w, "%-4s %-8s %-24s %-8s %-8s %s\n", "POS", "TICKET", "PATIENT", "STATUS", "PRIORITY", "WAITED")
		}

		line := fmt.Sprintf("%-4d %-8s %-24s %-8s %-8s %s",
			e.Position, e.QueueNumber, truncate(e.PatientName, 24), e.Status, e.Priority, waited(e.JoinedAt, now))
		switch {
		case e.Status == queue.StatusCalled:
			calledColor.Fprintln(w, line)
		case e.Priority == queue.PriorityUrgent:
			urgentColor.Fprintln(w, line)
		default:
			fmt.Fprintln(w, line)
		}
	}
}

func waited(since, now time.Time) string {
	d := now.Sub(since).Round(time.Minute)
	if d < time.Minute {
		return "<1m"
	}
	return d.String()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

var pendingColor = color.New(color.FgYellow)

// printMigrations lists known migrations, pending ones highlighted.
func printMigrations(w io.Writer, statuses []db.MigrationStatus) {
	headerColor.Fprintf(w, "%-8s %-36s %s\n", "VERSION", "NAME", "APPLIED")
	for _, st := range statuses {
		if !st.Applied() {
			pendingColor.Fprintf(w, "%-8d %-36s %s\n", st.Version, st.Name, "pending")
			continue
		}
		fmt.Fprintf(w, "%-8d %-36s %s\n", st.Version, st.Name, st.AppliedAt.UTC().Format(time.RFC3339))
	}
}
