package config

import (
	"path/filepath"
	"reflect"
	"strings"
	"time"
)

const (
	AutorestartAlways    = "always"
	AutorestartOnFailure = "on-failure"
	AutorestartNever     = "never"

	DefaultStopSignal   = "SIGTERM"
	DefaultStopWait     = 10 * time.Second
	DefaultRestartDelay = time.Second
	DefaultAPIListen    = "127.0.0.1:50051"
)

// Config is a loaded ecosystem file. A loaded Config is treated as immutable;
// reloading produces a new value.
type Config struct {
	LogLevel string        `yaml:"log_level,omitempty" json:"log_level,omitempty"`
	Timezone string        `yaml:"timezone,omitempty" json:"timezone,omitempty"`
	API      APIConfig     `yaml:"api,omitempty" json:"api,omitempty"`
	History  HistoryConfig `yaml:"history,omitempty" json:"history,omitempty"`
	Apps     []App         `yaml:"apps,omitempty" json:"apps,omitempty"`

	// Processes is accepted as an alias of Apps.
	Processes []App `yaml:"processes,omitempty" json:"processes,omitempty"`

	// Path is the absolute path the config was loaded from, if any.
	Path string `yaml:"-" json:"-"`
}

type APIConfig struct {
	Listen string `yaml:"listen,omitempty" json:"listen,omitempty"`
}

type HistoryConfig struct {
	Path string `yaml:"path,omitempty" json:"path,omitempty"`
}

// App describes how to launch and restart one process.
type App struct {
	Name        string   `yaml:"name" json:"name"`
	Script      string   `yaml:"script" json:"script"`
	Interpreter string   `yaml:"interpreter,omitempty" json:"interpreter,omitempty"`
	CronRestart string   `yaml:"cron_restart,omitempty" json:"cron_restart,omitempty"`
	Env         Env      `yaml:"env,omitempty" json:"env,omitempty"`
	Args        []string `yaml:"args,omitempty" json:"args,omitempty"`
	Cwd         string   `yaml:"cwd,omitempty" json:"cwd,omitempty"`

	Autostart    *bool    `yaml:"autostart,omitempty" json:"autostart,omitempty"`
	Autorestart  string   `yaml:"autorestart,omitempty" json:"autorestart,omitempty"`
	StopSignal   string   `yaml:"stop_signal,omitempty" json:"stop_signal,omitempty"`
	StopWait     Duration `yaml:"stop_wait,omitempty" json:"stop_wait,omitempty"`
	RestartDelay Duration `yaml:"restart_delay,omitempty" json:"restart_delay,omitempty"`
	MaxRestarts  int      `yaml:"max_restarts,omitempty" json:"max_restarts,omitempty"`
}

// ShouldAutostart reports whether the app starts with the supervisor.
func (a App) ShouldAutostart() bool {
	return a.Autostart == nil || *a.Autostart
}

// ScriptPath returns the script resolved against the working directory.
func (a App) ScriptPath() string {
	if a.Script == "" || filepath.IsAbs(a.Script) || a.Cwd == "" {
		return a.Script
	}
	return filepath.Join(a.Cwd, a.Script)
}

// Equal reports whether two apps would launch the same process.
func (a App) Equal(b App) bool {
	return reflect.DeepEqual(a, b)
}

// App returns the app with the given name.
func (c *Config) App(name string) (App, bool) {
	for _, a := range c.Apps {
		if a.Name == name {
			return a, true
		}
	}
	return App{}, false
}

// Location returns the timezone cron restarts are evaluated in.
func (c *Config) Location() *time.Location {
	tz := strings.TrimSpace(c.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Local
	}
	return loc
}

func (c *Config) applyDefaults(baseDir string) {
	if len(c.Processes) > 0 {
		c.Apps = append(c.Apps, c.Processes...)
		c.Processes = nil
	}

	for i := range c.Apps {
		a := &c.Apps[i]
		a.Name = strings.TrimSpace(a.Name)

		switch {
		case a.Cwd == "":
			a.Cwd = baseDir
		case !filepath.IsAbs(a.Cwd) && baseDir != "":
			a.Cwd = filepath.Join(baseDir, a.Cwd)
		}
		if a.Cwd != "" {
			if abs, err := filepath.Abs(a.Cwd); err == nil {
				a.Cwd = abs
			}
		}

		if a.Autorestart == "" {
			a.Autorestart = AutorestartAlways
		}
		a.StopSignal = NormalizeSignal(a.StopSignal)
		if a.StopSignal == "" {
			a.StopSignal = DefaultStopSignal
		}
		if a.StopWait == 0 {
			a.StopWait = Duration(DefaultStopWait)
		}
		if a.RestartDelay == 0 {
			a.RestartDelay = Duration(DefaultRestartDelay)
		}
	}

	if c.History.Path != "" && !filepath.IsAbs(c.History.Path) && baseDir != "" {
		c.History.Path = filepath.Join(baseDir, c.History.Path)
	}
}

// NormalizeSignal upper-cases a signal name and adds the SIG prefix.
func NormalizeSignal(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s != "" && !strings.HasPrefix(s, "SIG") {
		s = "SIG" + s
	}
	return s
}
