package supervisor

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/kolkov/cronsv/internal/process"
)

// TUI is a terminal dashboard: a process table on top and a log pane below.
// Keys: r restart, s stop, t start the selected app; Tab switches focus.
type TUI struct {
	app     *tview.Application
	table   *tview.Table
	logView *tview.TextView
}

func NewTUI() *TUI {
	t := &TUI{app: tview.NewApplication()}

	t.table = tview.NewTable().
		SetBorders(true).
		SetFixed(1, 1).
		SetSelectable(true, false)

	t.logView = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetChangedFunc(func() {
			t.app.Draw()
		})
	t.logView.SetBorder(true).SetTitle("Logs")

	headerStyle := tcell.Style{}.
		Foreground(tcell.ColorYellow).
		Background(tcell.ColorBlack).
		Bold(true)
	for col, title := range []string{"Process", "PID", "Status", "Uptime", "Restarts", "Next restart"} {
		t.table.SetCell(0, col, tview.NewTableCell(title).SetStyle(headerStyle).SetSelectable(false))
	}
	return t
}

// LogWriter returns a writer that appends to the log pane, translating ANSI colors.
func (t *TUI) LogWriter() io.Writer {
	return tview.ANSIWriter(t.logView)
}

func (t *TUI) update(statuses []ProcessInfo) {
	now := time.Now()
	row := 1
	for _, info := range statuses {
		pidStr := "N/A"
		if info.PID > 0 {
			pidStr = fmt.Sprint(info.PID)
		}
		uptime := "N/A"
		if !info.StartTime.IsZero() {
			uptime = formatUptime(now.Sub(info.StartTime))
		}

		var c tcell.Color
		switch info.Status {
		case process.Running:
			c = tcell.ColorGreen
		case process.Starting, process.Stopping:
			c = tcell.ColorYellow
		case process.Failed:
			c = tcell.ColorRed
		case process.Stopped:
			c = tcell.ColorBlue
		default:
			c = tcell.ColorWhite
		}

		t.table.SetCell(row, 0, tview.NewTableCell(info.Name))
		t.table.SetCell(row, 1, tview.NewTableCell(pidStr))
		t.table.SetCell(row, 2, tview.NewTableCell(string(info.Status)).SetTextColor(c))
		t.table.SetCell(row, 3, tview.NewTableCell(uptime))
		t.table.SetCell(row, 4, tview.NewTableCell(fmt.Sprint(info.Restarts)))
		t.table.SetCell(row, 5, tview.NewTableCell(formatNext(info.NextRestart, info.CronRestart)))
		row++
	}

	for i := t.table.GetRowCount() - 1; i >= row; i-- {
		t.table.RemoveRow(i)
	}
}

func (t *TUI) selected() string {
	row, _ := t.table.GetSelection()
	if row < 1 || row >= t.table.GetRowCount() {
		return ""
	}
	return t.table.GetCell(row, 0).Text
}

// Run blocks until ctx is done or the user presses Ctrl+C.
func (t *TUI) Run(ctx context.Context, sv *Supervisor) error {
	flex := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(t.table, 0, 1, true).
		AddItem(t.logView, 12, 1, false)

	t.update(sv.Status())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				t.app.Stop()
				return
			case <-ticker.C:
				statuses := sv.Status()
				t.app.QueueUpdateDraw(func() { t.update(statuses) })
			}
		}
	}()

	act := func(fn func(name string) error) {
		name := t.selected()
		if name == "" {
			return
		}
		go func() {
			if err := fn(name); err != nil {
				fmt.Fprintf(t.LogWriter(), "[red]%s: %v[-]\n", name, err)
			}
		}()
	}

	t.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyCtrlC:
			cancel()
			return nil
		case tcell.KeyTab:
			if t.app.GetFocus() == t.table {
				t.app.SetFocus(t.logView)
			} else {
				t.app.SetFocus(t.table)
			}
			return nil
		case tcell.KeyRune:
			switch event.Rune() {
			case 'r':
				act(func(name string) error { return sv.RestartProcess(context.Background(), name) })
				return nil
			case 's':
				act(func(name string) error { return sv.StopProcess(context.Background(), name) })
				return nil
			case 't':
				act(sv.StartProcess)
				return nil
			}
		}
		return event
	})

	return t.app.SetRoot(flex, true).SetFocus(t.table).Run()
}
