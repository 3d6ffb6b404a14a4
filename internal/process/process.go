package process

import (
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/kolkov/cronsv/internal/config"
)

type Status string

const (
	Stopped  Status = "stopped"
	Starting Status = "starting"
	Running  Status = "running"
	Stopping Status = "stopping"
	Failed   Status = "failed"
)

var (
	ErrNotFound       = errors.New("process not found")
	ErrAlreadyRunning = errors.New("process already running")
	ErrExists         = errors.New("process already registered")
)

// Info is a point-in-time view of a managed process.
type Info struct {
	Name      string
	PID       int
	Status    Status
	StartTime time.Time
	Restarts  int
	ExitCode  int
	LastError string
}

type EventKind string

const (
	EventStart   EventKind = "start"
	EventExit    EventKind = "exit"
	EventStop    EventKind = "stop"
	EventRestart EventKind = "restart"
	EventFailed  EventKind = "failed"
)

// Event describes one lifecycle transition of a process.
type Event struct {
	App      string
	Kind     EventKind
	PID      int
	ExitCode int
	Reason   string
	At       time.Time
}

// Command builds the command line for app: the interpreter (which may carry
// its own flags, e.g. "python3 -u") followed by the script and args, or the
// script itself when no interpreter is set. The app environment is layered
// over the supervisor's own.
func Command(app config.App) *exec.Cmd {
	script := app.ScriptPath()

	var cmd *exec.Cmd
	if parts := strings.Fields(app.Interpreter); len(parts) > 0 {
		args := append([]string{}, parts[1:]...)
		args = append(args, script)
		args = append(args, app.Args...)
		cmd = exec.Command(parts[0], args...)
	} else {
		cmd = exec.Command(script, app.Args...)
	}

	cmd.Dir = app.Cwd
	cmd.Env = append(os.Environ(), app.Env.Pairs()...)
	setProcAttr(cmd)
	return cmd
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}
