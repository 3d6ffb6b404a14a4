package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/kolkov/cronsv/internal/config"
	"github.com/kolkov/cronsv/internal/logx"
	"github.com/kolkov/cronsv/internal/process"
	"github.com/kolkov/cronsv/internal/schedule"
)

const (
	ReasonCron   = "cron"
	ReasonManual = "manual"
)

// ProcessInfo is the status of one app together with its launch config summary.
type ProcessInfo struct {
	process.Info
	Script      string
	Interpreter string
	CronRestart string
	NextRestart time.Time
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithEventSink forwards process lifecycle events, e.g. to the history store.
func WithEventSink(sink process.EventSink) Option {
	return func(s *Supervisor) { s.sink = sink }
}

type Supervisor struct {
	mu      sync.Mutex
	config  *config.Config
	manager *process.Manager
	sched   *schedule.Scheduler
	log     logx.Logger
	sink    process.EventSink
	started bool
}

func New(cfg *config.Config, opts ...Option) (*Supervisor, error) {
	s := &Supervisor{config: cfg}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}

	s.manager = process.NewManager(process.WithLogger(s.log), process.WithEventSink(s.sink))
	s.sched = schedule.New(cfg.Location(), s.log)

	for _, app := range cfg.Apps {
		if err := s.manager.Add(app); err != nil {
			return nil, err
		}
		if err := s.registerCron(s.sched, app); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Supervisor) registerCron(sched *schedule.Scheduler, app config.App) error {
	if app.CronRestart == "" {
		sched.Remove(app.Name)
		return nil
	}
	name := app.Name
	return errors.Wrapf(sched.Set(name, app.CronRestart, func() { s.cronRestart(sched, name) }), "app %s", name)
}

// cronRestart force-restarts name unless an operator stopped it.
func (s *Supervisor) cronRestart(sched *schedule.Scheduler, name string) {
	log := s.log.With(logx.String("app", name))
	if s.manager.OperatorStopped(name) {
		log.Info("cron restart skipped; stopped by operator")
		return
	}
	app, ok := s.manager.App(name)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), app.StopWait.Std()+5*time.Second)
	defer cancel()
	if err := s.manager.Restart(ctx, name, ReasonCron); err != nil {
		log.Error("cron restart failed", logx.Err(err))
		return
	}
	log.Info("cron restart done", logx.Time("next", sched.Next(name)))
}

func (s *Supervisor) currentScheduler() *schedule.Scheduler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sched
}

// StartAll starts every autostart app and the cron scheduler. It keeps going
// past failures and returns the first one.
func (s *Supervisor) StartAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var first error
	for _, app := range s.config.Apps {
		if !app.ShouldAutostart() {
			continue
		}
		if err := s.manager.Start(app.Name); err != nil && !errors.Is(err, process.ErrAlreadyRunning) {
			s.log.Error("start failed", logx.String("app", app.Name), logx.Err(err))
			if first == nil {
				first = err
			}
		}
	}
	s.sched.Start()
	s.started = true
	return first
}

// StopAll stops the scheduler and every process.
func (s *Supervisor) StopAll(ctx context.Context) {
	s.mu.Lock()
	sched := s.sched
	s.started = false
	s.mu.Unlock()

	sched.Stop(ctx)
	s.manager.StopAll(ctx)
}

func (s *Supervisor) StartProcess(name string) error {
	return s.manager.Start(name)
}

func (s *Supervisor) StopProcess(ctx context.Context, name string) error {
	return s.manager.Stop(ctx, name)
}

func (s *Supervisor) RestartProcess(ctx context.Context, name string) error {
	return s.manager.Restart(ctx, name, ReasonManual)
}

func (s *Supervisor) GetProcessStatus(name string) process.Status {
	info, err := s.manager.Info(name)
	if err != nil {
		return ""
	}
	return info.Status
}

func (s *Supervisor) Config() *config.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config
}

// Status returns every app sorted by name.
func (s *Supervisor) Status() []ProcessInfo {
	sched := s.currentScheduler()
	infos := s.manager.Status()
	out := make([]ProcessInfo, 0, len(infos))
	for _, info := range infos {
		pi := ProcessInfo{Info: info}
		if app, ok := s.manager.App(info.Name); ok {
			pi.Script = app.Script
			pi.Interpreter = app.Interpreter
			pi.CronRestart = app.CronRestart
		}
		pi.NextRestart = sched.Next(info.Name)
		out = append(out, pi)
	}
	return out
}

// ReloadResult names the apps touched by a reload.
type ReloadResult struct {
	Added     []string
	Removed   []string
	Changed   []string
	Unchanged []string
}

// Reload applies newCfg: removed apps are stopped, added apps are registered
// (and started when autostart), changed apps are replaced and restarted, and
// unchanged apps keep running untouched.
func (s *Supervisor) Reload(ctx context.Context, newCfg *config.Config) (ReloadResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res ReloadResult
	old := s.config

	sched := s.sched
	if newCfg.Location().String() != old.Location().String() {
		sched = schedule.New(newCfg.Location(), s.log)
		for _, app := range newCfg.Apps {
			if err := s.registerCron(sched, app); err != nil {
				return res, err
			}
		}
	}

	for _, app := range old.Apps {
		if _, ok := newCfg.App(app.Name); ok {
			continue
		}
		if err := s.manager.Remove(ctx, app.Name); err != nil && !errors.Is(err, process.ErrNotFound) {
			return res, err
		}
		sched.Remove(app.Name)
		res.Removed = append(res.Removed, app.Name)
	}

	for _, app := range newCfg.Apps {
		prev, existed := old.App(app.Name)
		switch {
		case !existed:
			if err := s.manager.Add(app); err != nil {
				return res, err
			}
			if err := s.registerCron(sched, app); err != nil {
				return res, err
			}
			if s.started && app.ShouldAutostart() {
				if err := s.manager.Start(app.Name); err != nil {
					return res, err
				}
			}
			res.Added = append(res.Added, app.Name)

		case !prev.Equal(app):
			info, _ := s.manager.Info(app.Name)
			wasActive := info.Status == process.Running || info.Status == process.Starting
			operatorStopped := s.manager.OperatorStopped(app.Name)

			if err := s.manager.Remove(ctx, app.Name); err != nil && !errors.Is(err, process.ErrNotFound) {
				return res, err
			}
			if err := s.manager.Add(app); err != nil {
				return res, err
			}
			if err := s.registerCron(sched, app); err != nil {
				return res, err
			}
			switch {
			case s.started && (wasActive || (app.ShouldAutostart() && !operatorStopped)):
				if err := s.manager.Start(app.Name); err != nil {
					return res, err
				}
			case operatorStopped:
				// keep the operator's stop across the replacement
				_ = s.manager.Stop(ctx, app.Name)
			}
			res.Changed = append(res.Changed, app.Name)

		default:
			res.Unchanged = append(res.Unchanged, app.Name)
		}
	}

	if sched != s.sched {
		s.sched.Stop(ctx)
		s.sched = sched
		if s.started {
			s.sched.Start()
		}
	}
	s.config = newCfg

	s.log.Info("config reloaded",
		logx.Any("added", res.Added),
		logx.Any("removed", res.Removed),
		logx.Any("changed", res.Changed),
	)
	return res, nil
}
