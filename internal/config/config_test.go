package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/kolkov/cronsv/internal/logx"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadSample(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeFile(t, dir, "ecosystem.yaml", Sample)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Apps) != 1 {
		t.Fatalf("apps = %d, want 1", len(cfg.Apps))
	}

	got := cfg.Apps[0]
	if got.Name != "discord-reports" || got.Script != "bot.py" || got.Interpreter != "python3" || got.CronRestart != "30 4 * * *" {
		t.Fatalf("unexpected app: %+v", got)
	}
	if diff := cmp.Diff(Env{"PYTHONUNBUFFERED": "1"}, got.Env); diff != "" {
		t.Fatalf("env mismatch (-want +got):\n%s", diff)
	}

	absDir, _ := filepath.Abs(dir)
	if got.Cwd != absDir {
		t.Errorf("Cwd = %q, want %q", got.Cwd, absDir)
	}
	if got.ScriptPath() != filepath.Join(absDir, "bot.py") {
		t.Errorf("ScriptPath = %q", got.ScriptPath())
	}
	if !got.ShouldAutostart() {
		t.Error("autostart should default to true")
	}
	if got.Autorestart != AutorestartAlways || got.StopSignal != "SIGTERM" {
		t.Errorf("defaults not applied: autorestart=%q stop_signal=%q", got.Autorestart, got.StopSignal)
	}
	if got.StopWait.Std() != DefaultStopWait || got.RestartDelay.Std() != DefaultRestartDelay {
		t.Errorf("duration defaults: stop_wait=%v restart_delay=%v", got.StopWait, got.RestartDelay)
	}
	if cfg.API.Listen != "127.0.0.1:50051" {
		t.Errorf("api.listen = %q", cfg.API.Listen)
	}
	if cfg.History.Path != filepath.Join(absDir, "cronsv.db") {
		t.Errorf("history.path = %q", cfg.History.Path)
	}
	if cfg.Path != path && cfg.Path != filepath.Join(absDir, "ecosystem.yaml") {
		t.Errorf("Path = %q", cfg.Path)
	}
}

func TestParseJSON(t *testing.T) {
	t.Parallel()

	data := `{
  "apps": [{
    "name": "discord-reports",
    "script": "bot.py",
    "interpreter": "python3",
    "cron_restart": "30 4 * * *",
    "env": {"PYTHONUNBUFFERED": "1", "WORKERS": 4, "DEBUG": false},
    "stop_wait": "3s",
    "restart_delay": 2
  }]
}`
	cfg, err := Parse([]byte(data), FormatJSON, "/srv/bot")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	a := cfg.Apps[0]
	want := Env{"PYTHONUNBUFFERED": "1", "WORKERS": "4", "DEBUG": "false"}
	if diff := cmp.Diff(want, a.Env); diff != "" {
		t.Fatalf("env mismatch (-want +got):\n%s", diff)
	}
	if a.StopWait.Std() != 3*time.Second || a.RestartDelay.Std() != 2*time.Second {
		t.Fatalf("durations: stop_wait=%v restart_delay=%v", a.StopWait, a.RestartDelay)
	}
	if a.Cwd != "/srv/bot" {
		t.Fatalf("Cwd = %q", a.Cwd)
	}
}

func TestParseOptionalFields(t *testing.T) {
	t.Parallel()

	data := `
timezone: UTC
processes:
  - name: worker
    script: /usr/local/bin/worker
    args: ["--once", "-v"]
    cwd: work
    autostart: false
    autorestart: on-failure
    stop_signal: int
    stop_wait: 500ms
    max_restarts: 3
    env:
      RETRIES: 5
      RATIO: 0.5
`
	cfg, err := Parse([]byte(data), FormatYAML, "/srv")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(cfg.Apps) != 1 || len(cfg.Processes) != 0 {
		t.Fatalf("processes alias not folded into apps: %+v", cfg)
	}
	a := cfg.Apps[0]
	if a.Interpreter != "" || a.CronRestart != "" {
		t.Errorf("optional fields should stay empty: %+v", a)
	}
	if a.ShouldAutostart() {
		t.Error("autostart: false ignored")
	}
	if a.StopSignal != "SIGINT" {
		t.Errorf("StopSignal = %q, want SIGINT", a.StopSignal)
	}
	if a.Cwd != filepath.Join("/srv", "work") {
		t.Errorf("Cwd = %q", a.Cwd)
	}
	if a.ScriptPath() != "/usr/local/bin/worker" {
		t.Errorf("absolute script rewritten: %q", a.ScriptPath())
	}
	if diff := cmp.Diff(Env{"RETRIES": "5", "RATIO": "0.5"}, a.Env); diff != "" {
		t.Errorf("env mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"RATIO=0.5", "RETRIES=5"}, a.Env.Pairs()); diff != "" {
		t.Errorf("Pairs mismatch (-want +got):\n%s", diff)
	}
	if cfg.Location() != time.UTC && cfg.Location().String() != "UTC" {
		t.Errorf("Location = %v", cfg.Location())
	}
}

func TestParseRejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		format Format
		data   string
		want   []string
	}{
		{
			name: "missing name and script",
			data: "apps:\n  - interpreter: python3\n",
			want: []string{"apps[0].name: required", "apps[0].script: required"},
		},
		{
			name: "blank name",
			data: "apps:\n  - name: '  '\n    script: bot.py\n",
			want: []string{"apps[0].name: required"},
		},
		{
			name: "six field cron",
			data: "apps:\n  - name: a\n    script: a.py\n    cron_restart: '0 30 4 * * *'\n",
			want: []string{"apps[0](a).cron_restart"},
		},
		{
			name: "descriptor cron",
			data: "apps:\n  - name: a\n    script: a.py\n    cron_restart: '@daily'\n",
			want: []string{"apps[0](a).cron_restart"},
		},
		{
			name: "out of range cron",
			data: "apps:\n  - name: a\n    script: a.py\n    cron_restart: '99 4 * * *'\n",
			want: []string{"apps[0](a).cron_restart"},
		},
		{
			name: "duplicate names",
			data: "apps:\n  - {name: a, script: a.py}\n  - {name: a, script: b.py}\n",
			want: []string{"apps[1](a).name: duplicate of apps[0]"},
		},
		{
			name: "bad enums",
			data: "log_level: loud\ntimezone: Mars/Base\napps:\n  - {name: a, script: a.py, autorestart: sometimes, stop_signal: SIGSTOP, max_restarts: -1}\n",
			want: []string{"log_level", "timezone", "apps[0](a).autorestart", "apps[0](a).stop_signal", "apps[0](a).max_restarts"},
		},
		{
			name: "env key with equals",
			data: "apps:\n  - name: a\n    script: a.py\n    env:\n      'A=B': x\n",
			want: []string{"apps[0](a).env: invalid variable name"},
		},
		{
			name: "env nested mapping",
			data: "apps:\n  - name: a\n    script: a.py\n    env:\n      NESTED:\n        X: y\n",
			want: []string{"env value for \"NESTED\" must be a string"},
		},
		{
			name: "env null value",
			data: "apps:\n  - name: a\n    script: a.py\n    env:\n      EMPTY:\n",
			want: []string{"env value for \"EMPTY\" must be a string"},
		},
		{
			name: "env duplicate key",
			data: "apps:\n  - name: a\n    script: a.py\n    env:\n      TOKEN: one\n      TOKEN: two\n",
			want: []string{"env key \"TOKEN\" already defined"},
		},
		{
			name: "env sequence",
			data: "apps:\n  - name: a\n    script: a.py\n    env: [A, B]\n",
			want: []string{"env must be a mapping"},
		},
		{
			name: "unknown key",
			data: "apps:\n  - name: a\n    script: a.py\n    cron: '* * * * *'\n",
			want: []string{"field cron not found"},
		},
		{
			name: "apps and processes",
			data: "apps:\n  - {name: a, script: a.py}\nprocesses:\n  - {name: b, script: b.py}\n",
			want: []string{"either apps or processes"},
		},
		{
			name:   "json env array value",
			format: FormatJSON,
			data:   `{"apps":[{"name":"a","script":"a.py","env":{"X":[1]}}]}`,
			want:   []string{"env value for \"X\" must be a string"},
		},
		{
			name:   "json unknown key",
			format: FormatJSON,
			data:   `{"apps":[{"name":"a","script":"a.py","bogus":1}]}`,
			want:   []string{"bogus"},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			format := tt.format
			if format == "" {
				format = FormatYAML
			}
			_, err := Parse([]byte(tt.data), format, "/srv")
			if err == nil {
				t.Fatal("expected error")
			}
			for _, w := range tt.want {
				if !strings.Contains(err.Error(), w) {
					t.Errorf("error %q does not mention %q", err, w)
				}
			}
		})
	}
}

func TestValidationErrorListsAllProblems(t *testing.T) {
	t.Parallel()

	_, err := Parse([]byte("apps:\n  - {}\n  - {name: b}\n"), FormatYAML, "")
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error %T is not a *ValidationError", err)
	}
	want := []Problem{
		{Field: "apps[0].name", Message: "required"},
		{Field: "apps[0].script", Message: "required"},
		{Field: "apps[1](b).script", Message: "required"},
	}
	if diff := cmp.Diff(want, verr.Problems); diff != "" {
		t.Fatalf("problems mismatch (-want +got):\n%s", diff)
	}
	if !strings.HasPrefix(verr.Error(), "invalid config (3 problems)") {
		t.Fatalf("Error() = %q", verr.Error())
	}
}

func TestEmptyFile(t *testing.T) {
	t.Parallel()

	cfg, err := Parse(nil, FormatYAML, "")
	if err != nil {
		t.Fatalf("Parse(empty): %v", err)
	}
	if len(cfg.Apps) != 0 {
		t.Fatalf("apps = %d", len(cfg.Apps))
	}
}

func TestAppEqual(t *testing.T) {
	t.Parallel()

	a := App{Name: "a", Script: "a.py", Env: Env{"X": "1"}}
	b := App{Name: "a", Script: "a.py", Env: Env{"X": "1"}}
	if !a.Equal(b) {
		t.Fatal("identical apps reported unequal")
	}
	b.Env = Env{"X": "2"}
	if a.Equal(b) {
		t.Fatal("env change not detected")
	}
}

func TestWriteSample(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "ecosystem.yaml")
	created, err := WriteSample(path)
	if err != nil || !created {
		t.Fatalf("WriteSample = %v, %v", created, err)
	}
	created, err = WriteSample(path)
	if err != nil || created {
		t.Fatalf("second WriteSample = %v, %v", created, err)
	}
}

func TestWatcherPublishesValidChanges(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeFile(t, dir, "ecosystem.yaml", Sample)

	w := NewWatcher(path, logx.Nop())
	w.debounce = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	// give the watcher time to register
	time.Sleep(200 * time.Millisecond)

	writeFile(t, dir, "ecosystem.yaml", "apps:\n  - name: broken\n    cron_restart: nope\n")
	writeFile(t, dir, "ecosystem.yaml", strings.Replace(Sample, "30 4 * * *", "0 5 * * *", 1))

	select {
	case cfg := <-w.Updates():
		if got := cfg.Apps[0].CronRestart; got != "0 5 * * *" {
			t.Fatalf("cron_restart = %q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no config update published")
	}
}

func TestWatcherSilentAfterRunReturns(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeFile(t, dir, "ecosystem.yaml", Sample)

	w := NewWatcher(path, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = w.Run(ctx)
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}

	// a debounced reload firing late
	writeFile(t, dir, "ecosystem.yaml", strings.Replace(Sample, "30 4 * * *", "0 5 * * *", 1))
	w.reload()

	select {
	case cfg := <-w.Updates():
		t.Fatalf("update published after Run returned: %+v", cfg.Apps)
	default:
	}
}
