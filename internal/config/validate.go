package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kolkov/cronsv/internal/logx"
	"github.com/kolkov/cronsv/internal/schedule"
)

// Signals a process may be stopped with.
var StopSignals = []string{"SIGTERM", "SIGINT", "SIGKILL", "SIGHUP", "SIGQUIT", "SIGUSR1", "SIGUSR2"}

// Problem is one schema violation.
type Problem struct {
	Field   string
	Message string
}

func (p Problem) String() string { return p.Field + ": " + p.Message }

// ValidationError lists every problem found in a config.
type ValidationError struct {
	Problems []Problem
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "invalid config (%d problem", len(e.Problems))
	if len(e.Problems) != 1 {
		b.WriteString("s")
	}
	b.WriteString(")")
	for _, p := range e.Problems {
		b.WriteString("\n  - ")
		b.WriteString(p.String())
	}
	return b.String()
}

func (e *ValidationError) add(field, format string, args ...any) {
	e.Problems = append(e.Problems, Problem{Field: field, Message: fmt.Sprintf(format, args...)})
}

// Validate checks cfg against the schema and returns a *ValidationError
// listing all problems, or nil.
func Validate(cfg *Config) error {
	verr := &ValidationError{}

	if !logx.ValidLevel(cfg.LogLevel) {
		verr.add("log_level", "unknown level %q", cfg.LogLevel)
	}
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			verr.add("timezone", "unknown location %q", tz)
		}
	}

	seen := make(map[string]int, len(cfg.Apps))
	for i, a := range cfg.Apps {
		field := fmt.Sprintf("apps[%d]", i)
		if a.Name != "" {
			field = fmt.Sprintf("apps[%d](%s)", i, a.Name)
		}

		if strings.TrimSpace(a.Name) == "" {
			verr.add(field+".name", "required")
		} else if prev, dup := seen[a.Name]; dup {
			verr.add(field+".name", "duplicate of apps[%d]", prev)
		} else {
			seen[a.Name] = i
		}

		if strings.TrimSpace(a.Script) == "" {
			verr.add(field+".script", "required")
		}

		if a.CronRestart != "" {
			if _, err := schedule.ParseRestart(a.CronRestart); err != nil {
				verr.add(field+".cron_restart", "%v", err)
			}
		}

		for k := range a.Env {
			if k == "" || strings.ContainsAny(k, "=\x00") {
				verr.add(field+".env", "invalid variable name %q", k)
			}
		}

		switch a.Autorestart {
		case "", AutorestartAlways, AutorestartOnFailure, AutorestartNever:
		default:
			verr.add(field+".autorestart", "must be one of %s, %s, %s", AutorestartAlways, AutorestartOnFailure, AutorestartNever)
		}

		if a.StopSignal != "" && !validSignal(a.StopSignal) {
			verr.add(field+".stop_signal", "unsupported signal %q", a.StopSignal)
		}
		if a.StopWait < 0 {
			verr.add(field+".stop_wait", "must not be negative")
		}
		if a.RestartDelay < 0 {
			verr.add(field+".restart_delay", "must not be negative")
		}
		if a.MaxRestarts < 0 {
			verr.add(field+".max_restarts", "must not be negative")
		}
	}

	if len(verr.Problems) > 0 {
		return verr
	}
	return nil
}

func validSignal(s string) bool {
	s = NormalizeSignal(s)
	for _, sig := range StopSignals {
		if s == sig {
			return true
		}
	}
	return false
}
