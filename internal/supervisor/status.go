package supervisor

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/kolkov/cronsv/internal/process"
)

// PrintStatus writes a colored status table of every app to w.
func (s *Supervisor) PrintStatus(w io.Writer) {
	WriteStatus(w, s.Status(), time.Now())
}

// WriteStatus renders statuses as the supervisor status table.
func WriteStatus(w io.Writer, statuses []ProcessInfo, now time.Time) {
	cyan := color.New(color.FgCyan).SprintFunc()
	magenta := color.New(color.FgMagenta, color.Bold).SprintFunc()

	maxNameLen := 8
	maxPidLen := 3
	for _, info := range statuses {
		if len(info.Name) > maxNameLen {
			maxNameLen = len(info.Name)
		}
		if n := len(fmt.Sprint(info.PID)); info.PID > 0 && n > maxPidLen {
			maxPidLen = n
		}
	}

	nameFormat := fmt.Sprintf("%%-%ds", maxNameLen)
	pidFormat := fmt.Sprintf("%%-%ds", maxPidLen)
	rule := strings.Repeat("-", maxNameLen+maxPidLen+62)

	fmt.Fprintln(w)
	fmt.Fprintln(w, magenta("PROCESS SUPERVISOR STATUS"))
	fmt.Fprintln(w, rule)
	fmt.Fprintf(w, "%s | %s | %s | %s | %s | %s\n",
		cyan(fmt.Sprintf(nameFormat, "Process")),
		cyan(fmt.Sprintf(pidFormat, "PID")),
		cyan(fmt.Sprintf("%-8s", "Status")),
		cyan(fmt.Sprintf("%-9s", "Uptime")),
		cyan(fmt.Sprintf("%-8s", "Restarts")),
		cyan("Next restart"),
	)
	fmt.Fprintln(w, rule)

	running, failed, active := 0, 0, 0
	for _, info := range statuses {
		pidStr := "N/A"
		if info.PID > 0 {
			pidStr = fmt.Sprint(info.PID)
		}
		uptime := "N/A"
		if !info.StartTime.IsZero() {
			uptime = formatUptime(now.Sub(info.StartTime))
		}

		switch info.Status {
		case process.Running:
			running++
			active++
		case process.Starting, process.Stopping:
			active++
		case process.Failed:
			failed++
		}

		fmt.Fprintf(w, "%s | %s | %s | %-9s | %-8d | %s\n",
			fmt.Sprintf(nameFormat, info.Name),
			fmt.Sprintf(pidFormat, pidStr),
			statusColor(info.Status)(fmt.Sprintf("%-8s", info.Status)),
			uptime,
			info.Restarts,
			formatNext(info.NextRestart, info.CronRestart),
		)
	}

	fmt.Fprintln(w, rule)
	fmt.Fprintf(w, "Processes: %d | %s | %s | %s\n\n",
		len(statuses),
		color.GreenString("Running: %d", running),
		color.RedString("Failed: %d", failed),
		color.YellowString("Active: %d", active),
	)
}

func statusColor(st process.Status) func(a ...interface{}) string {
	switch st {
	case process.Running:
		return color.New(color.FgGreen).SprintFunc()
	case process.Starting, process.Stopping:
		return color.New(color.FgYellow).SprintFunc()
	case process.Failed:
		return color.New(color.FgRed).SprintFunc()
	case process.Stopped:
		return color.New(color.FgBlue).SprintFunc()
	default:
		return color.New(color.FgCyan).SprintFunc()
	}
}

func formatNext(next time.Time, expr string) string {
	if next.IsZero() {
		return "-"
	}
	return fmt.Sprintf("%s (%s)", next.Format("2006-01-02 15:04 MST"), expr)
}

func formatUptime(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	m := (d - h*time.Hour) / time.Minute
	s := (d - h*time.Hour - m*time.Minute) / time.Second
	if h > 0 {
		return fmt.Sprintf("%dh%02dm%02ds", h, m, s)
	}
	return fmt.Sprintf("%02dm%02ds", m, s)
}
