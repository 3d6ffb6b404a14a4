package process

import (
	"bytes"
	"context"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/kolkov/cronsv/internal/config"
	"github.com/kolkov/cronsv/internal/logx"
)

const maxLogLine = 64 * 1024

// outputWaitDelay bounds how long Wait keeps copying output after the process
// exits, for children that inherited stdout or stderr.
var outputWaitDelay = 2 * time.Second

// EventSink receives lifecycle events. It is called synchronously from the
// process goroutine and must not block for long.
type EventSink func(Event)

type Option func(*Manager)

func WithLogger(log logx.Logger) Option {
	return func(m *Manager) { m.log = log }
}

func WithEventSink(sink EventSink) Option {
	return func(m *Manager) { m.sink = sink }
}

type Manager struct {
	processes map[string]*Process
	mu        sync.RWMutex
	log       logx.Logger
	sink      EventSink
}

func NewManager(opts ...Option) *Manager {
	m := &Manager{
		processes: make(map[string]*Process),
	}
	for _, o := range opts {
		o(m)
	}
	if m.log.IsZero() {
		m.log = logx.Nop()
	}
	return m
}

func (m *Manager) Add(app config.App) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.processes[app.Name]; exists {
		return errors.Wrap(ErrExists, app.Name)
	}
	m.processes[app.Name] = newProcess(app, m.log.With(logx.String("app", app.Name)), m.emit)
	return nil
}

// Remove stops the process if needed and forgets it.
func (m *Manager) Remove(ctx context.Context, name string) error {
	p, err := m.get(name)
	if err != nil {
		return err
	}
	if err := p.stop(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.processes, name)
	m.mu.Unlock()
	return nil
}

func (m *Manager) Start(name string) error {
	p, err := m.get(name)
	if err != nil {
		return err
	}
	return p.start()
}

func (m *Manager) Stop(ctx context.Context, name string) error {
	p, err := m.get(name)
	if err != nil {
		return err
	}
	return p.stop(ctx)
}

// Restart stops the process (if running) and starts it again.
func (m *Manager) Restart(ctx context.Context, name, reason string) error {
	p, err := m.get(name)
	if err != nil {
		return err
	}
	return p.restart(ctx, reason)
}

// StopAll stops every process concurrently and waits for them.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.RLock()
	procs := make([]*Process, 0, len(m.processes))
	for _, p := range m.processes {
		procs = append(procs, p)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, p := range procs {
		wg.Add(1)
		go func(p *Process) {
			defer wg.Done()
			if err := p.stop(ctx); err != nil {
				m.log.Warn("stop failed", logx.String("app", p.name), logx.Err(err))
			}
		}(p)
	}
	wg.Wait()
}

func (m *Manager) Info(name string) (Info, error) {
	p, err := m.get(name)
	if err != nil {
		return Info{}, err
	}
	return p.info(), nil
}

// App returns the launch config registered under name.
func (m *Manager) App(name string) (config.App, bool) {
	p, err := m.get(name)
	if err != nil {
		return config.App{}, false
	}
	return p.app, true
}

// OperatorStopped reports whether the last stop came from Stop rather than
// the process exiting on its own.
func (m *Manager) OperatorStopped(name string) bool {
	p, err := m.get(name)
	if err != nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.operatorStop
}

// Status returns all processes sorted by name.
func (m *Manager) Status() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()

	statuses := make([]Info, 0, len(m.processes))
	for _, proc := range m.processes {
		statuses = append(statuses, proc.info())
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	return statuses
}

func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.processes))
	for name := range m.processes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Manager) get(name string) (*Process, error) {
	m.mu.RLock()
	p, exists := m.processes[name]
	m.mu.RUnlock()
	if !exists {
		return nil, errors.Wrap(ErrNotFound, name)
	}
	return p, nil
}

func (m *Manager) emit(ev Event) {
	if m.sink != nil {
		m.sink(ev)
	}
}

type Process struct {
	name string
	app  config.App
	log  logx.Logger
	emit EventSink

	mu           sync.Mutex
	status       Status
	cmd          *exec.Cmd
	startTime    time.Time
	restarts     int
	exitCode     int
	lastError    string
	operatorStop bool

	// quit is closed to ask the run loop to stop; done is closed when it returns.
	// Both are nil while no loop is active.
	quit chan struct{}
	done chan struct{}

	limiter *rate.Limiter
}

func newProcess(app config.App, log logx.Logger, emit EventSink) *Process {
	p := &Process{
		name:   app.Name,
		app:    app,
		log:    log,
		emit:   emit,
		status: Stopped,
	}
	if app.MaxRestarts > 0 {
		p.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(app.MaxRestarts)), app.MaxRestarts)
	}
	return p
}

func (p *Process) info() Info {
	p.mu.Lock()
	defer p.mu.Unlock()

	info := Info{
		Name:      p.name,
		Status:    p.status,
		Restarts:  p.restarts,
		ExitCode:  p.exitCode,
		LastError: p.lastError,
	}
	if p.status == Running || p.status == Stopping {
		info.StartTime = p.startTime
		if p.cmd != nil && p.cmd.Process != nil {
			info.PID = p.cmd.Process.Pid
		}
	}
	return info
}

func (p *Process) start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.done != nil {
		return errors.Wrap(ErrAlreadyRunning, p.name)
	}
	p.startLocked()
	return nil
}

func (p *Process) startLocked() {
	p.status = Starting
	p.operatorStop = false
	p.lastError = ""
	p.quit = make(chan struct{})
	p.done = make(chan struct{})
	go p.run(p.quit, p.done)
}

func (p *Process) stop(ctx context.Context) error {
	p.mu.Lock()
	if p.done == nil {
		p.operatorStop = true
		p.mu.Unlock()
		return nil
	}
	done := p.done
	select {
	case <-p.quit:
	default:
		p.status = Stopping
		p.operatorStop = true
		close(p.quit)
	}
	p.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrapf(ctx.Err(), "stop %s", p.name)
	}
}

func (p *Process) restart(ctx context.Context, reason string) error {
	if err := p.stop(ctx); err != nil {
		return err
	}

	p.log.Info("restarting", logx.String("reason", reason))
	p.emit(Event{App: p.name, Kind: EventRestart, Reason: reason, At: time.Now()})

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done != nil {
		return errors.Wrap(ErrAlreadyRunning, p.name)
	}
	p.restarts++
	p.startLocked()
	return nil
}

func (p *Process) finish(done chan struct{}, status Status) {
	p.mu.Lock()
	p.status = status
	if p.done == done {
		p.quit = nil
		p.done = nil
	}
	p.mu.Unlock()
	close(done)
}

func (p *Process) shouldRestart(err error) bool {
	switch p.app.Autorestart {
	case config.AutorestartNever:
		return false
	case config.AutorestartOnFailure:
		return err != nil
	default:
		return true
	}
}

func (p *Process) run(quit, done chan struct{}) {
	for {
		cmd := Command(p.app)
		exitCh, err := p.spawn(cmd)
		if err != nil {
			p.mu.Lock()
			p.lastError = err.Error()
			p.mu.Unlock()
			p.log.Error("failed to start", logx.String("cmd", cmd.String()), logx.Err(err))
			p.emit(Event{App: p.name, Kind: EventFailed, Reason: err.Error(), At: time.Now()})
			p.finish(done, Failed)
			return
		}
		pid := cmd.Process.Pid

		var waitErr error
		select {
		case <-quit:
			p.log.Info("stopping", logx.Int("pid", pid), logx.String("signal", p.app.StopSignal))
			waitErr = p.terminate(cmd, exitCh)
			p.mu.Lock()
			p.exitCode = exitCode(waitErr)
			p.mu.Unlock()
			p.emit(Event{App: p.name, Kind: EventStop, PID: pid, ExitCode: exitCode(waitErr), At: time.Now()})
			p.finish(done, Stopped)
			return

		case waitErr = <-exitCh:
		}

		code := exitCode(waitErr)
		p.mu.Lock()
		p.exitCode = code
		if waitErr != nil {
			p.lastError = waitErr.Error()
		}
		p.mu.Unlock()
		if waitErr != nil {
			p.log.Warn("exited with error", logx.Int("pid", pid), logx.Int("code", code), logx.Err(waitErr))
		} else {
			p.log.Info("exited normally", logx.Int("pid", pid))
		}
		p.emit(Event{App: p.name, Kind: EventExit, PID: pid, ExitCode: code, At: time.Now()})

		if !p.shouldRestart(waitErr) {
			if waitErr != nil {
				p.finish(done, Failed)
			} else {
				p.finish(done, Stopped)
			}
			return
		}

		if p.limiter != nil && !p.limiter.Allow() {
			reason := "too many restarts"
			p.mu.Lock()
			p.lastError = reason
			p.mu.Unlock()
			p.log.Error("giving up", logx.Int("max_restarts_per_minute", p.app.MaxRestarts))
			p.emit(Event{App: p.name, Kind: EventFailed, PID: pid, ExitCode: code, Reason: reason, At: time.Now()})
			p.finish(done, Failed)
			return
		}

		p.mu.Lock()
		if p.status != Stopping {
			p.status = Starting
		}
		p.mu.Unlock()

		select {
		case <-quit:
			p.finish(done, Stopped)
			return
		case <-time.After(p.app.RestartDelay.Std()):
		}

		p.mu.Lock()
		p.restarts++
		p.mu.Unlock()
		p.emit(Event{App: p.name, Kind: EventRestart, PID: pid, ExitCode: code, Reason: "exit", At: time.Now()})
	}
}

// spawn starts cmd with its output logged line by line and returns a channel
// that yields the Wait result once the process has exited. Output still held
// open by leftover children is abandoned after outputWaitDelay.
func (p *Process) spawn(cmd *exec.Cmd) (<-chan error, error) {
	stdout := &lineWriter{}
	stderr := &lineWriter{}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = outputWaitDelay
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	pid := cmd.Process.Pid
	out := p.log.With(logx.Int("pid", pid))
	stdout.setFunc(func(line string) { out.Info(line, logx.String("stream", "stdout")) })
	stderr.setFunc(func(line string) { out.Warn(line, logx.String("stream", "stderr")) })

	p.mu.Lock()
	p.cmd = cmd
	if p.status != Stopping {
		p.status = Running
	}
	p.startTime = time.Now()
	p.exitCode = 0
	p.mu.Unlock()
	p.log.Info("started", logx.Int("pid", pid), logx.String("cmd", cmd.String()))
	p.emit(Event{App: p.name, Kind: EventStart, PID: pid, At: time.Now()})

	exitCh := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		if errors.Is(err, exec.ErrWaitDelay) {
			p.log.Debug("output still open after exit; detached", logx.Int("pid", pid))
			err = nil
		}
		stdout.Flush()
		stderr.Flush()
		exitCh <- err
	}()
	return exitCh, nil
}

// terminate sends the stop signal and escalates to SIGKILL after stop_wait.
func (p *Process) terminate(cmd *exec.Cmd, exitCh <-chan error) error {
	if err := signalGroup(cmd, p.app.StopSignal); err != nil {
		p.log.Warn("signal failed", logx.Err(err))
	}
	select {
	case err := <-exitCh:
		return err
	case <-time.After(p.app.StopWait.Std()):
		p.log.Warn("did not exit in time; killing", logx.Duration("stop_wait", p.app.StopWait.Std()))
		_ = killGroup(cmd)
		return <-exitCh
	}
}

// lineWriter hands complete lines to fn. Lines longer than maxLogLine are
// split. Writes before fn is set are held until it is.
type lineWriter struct {
	mu  sync.Mutex
	buf []byte
	fn  func(string)
}

func (w *lineWriter) setFunc(fn func(string)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.fn = fn
	w.emitLocked()
}

func (w *lineWriter) Write(b []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, b...)
	w.emitLocked()
	return len(b), nil
}

func (w *lineWriter) emitLocked() {
	if w.fn == nil {
		return
	}
	rest := w.buf
	for {
		i := bytes.IndexByte(rest, '\n')
		if i < 0 {
			break
		}
		w.fn(string(bytes.TrimSuffix(rest[:i], []byte{'\r'})))
		rest = rest[i+1:]
	}
	for len(rest) >= maxLogLine {
		w.fn(string(rest[:maxLogLine]))
		rest = rest[maxLogLine:]
	}
	w.buf = append(w.buf[:0], rest...)
}

// Flush emits a trailing line that had no newline.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.emitLocked()
	if len(w.buf) > 0 && w.fn != nil {
		w.fn(string(bytes.TrimSuffix(w.buf, []byte{'\r'})))
	}
	w.buf = w.buf[:0]
}
