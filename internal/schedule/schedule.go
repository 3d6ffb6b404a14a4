package schedule

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"

	"github.com/kolkov/cronsv/internal/logx"
)

// restartParser accepts standard crontab expressions only: minute, hour,
// day of month, month, day of week. No seconds field, no descriptors.
var restartParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseRestart parses a five-field cron restart expression.
func ParseRestart(expr string) (cron.Schedule, error) {
	s := strings.TrimSpace(expr)
	if s == "" {
		return nil, errors.New("cron expression is empty")
	}
	if n := len(strings.Fields(s)); n != 5 {
		return nil, errors.Errorf("cron expression %q has %d fields, want 5", expr, n)
	}
	fields := strings.Fields(s)
	fields[4] = sundaySeven(fields[4])
	sched, err := restartParser.Parse(strings.Join(fields, " "))
	if err != nil {
		return nil, errors.Wrapf(err, "cron expression %q", expr)
	}
	return sched, nil
}

var dowNames = map[string]int{"sun": 0, "mon": 1, "tue": 2, "wed": 3, "thu": 4, "fri": 5, "sat": 6}

// sundaySeven rewrites 7 in a day-of-week field to 0, as crontab allows both
// for Sunday: "7" becomes "0" and "5-7" becomes "5-6,0".
func sundaySeven(field string) string {
	parts := strings.Split(field, ",")
	out := make([]string, 0, len(parts)+1)
	for _, part := range parts {
		base, step, hasStep := strings.Cut(part, "/")
		lo, hi, isRange := strings.Cut(base, "-")
		if !isRange {
			if dowValue(base) == 7 && !hasStep {
				part = "0"
			}
			out = append(out, part)
			continue
		}
		if dowValue(hi) != 7 {
			out = append(out, part)
			continue
		}
		from := dowValue(lo)
		if from < 0 || from > 7 {
			out = append(out, part)
			continue
		}
		if from == 7 {
			out = append(out, "0")
			continue
		}
		n := 1
		if hasStep {
			var err error
			if n, err = strconv.Atoi(step); err != nil || n <= 0 {
				out = append(out, part)
				continue
			}
		}
		if from <= 6 {
			r := lo + "-6"
			if hasStep {
				r += "/" + step
			}
			out = append(out, r)
		}
		if (7-from)%n == 0 {
			out = append(out, "0")
		}
	}
	return strings.Join(out, ",")
}

// dowValue returns the numeric day for a number or three-letter name, or -1.
func dowValue(s string) int {
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	if n, ok := dowNames[strings.ToLower(s)]; ok {
		return n
	}
	return -1
}

type entry struct {
	id    cron.EntryID
	expr  string
	sched cron.Schedule
}

// Scheduler fires named jobs on cron restart expressions.
type Scheduler struct {
	mu      sync.Mutex
	c       *cron.Cron
	loc     *time.Location
	entries map[string]entry
	log     logx.Logger
	running bool
}

func New(loc *time.Location, log logx.Logger) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	cl := cronLogger{log: log}
	return &Scheduler{
		c: cron.New(
			cron.WithParser(restartParser),
			cron.WithLocation(loc),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		loc:     loc,
		entries: map[string]entry{},
		log:     log,
	}
}

func (s *Scheduler) Location() *time.Location { return s.loc }

// Set registers fn under name, replacing any previous entry with that name.
func (s *Scheduler) Set(name, expr string, fn func()) error {
	sched, err := ParseRestart(expr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.entries[name]; ok {
		s.c.Remove(old.id)
	}
	id := s.c.Schedule(sched, cron.FuncJob(fn))
	s.entries[name] = entry{id: id, expr: strings.TrimSpace(expr), sched: sched}
	s.log.Debug("cron restart registered", logx.String("app", name), logx.String("expr", expr))
	return nil
}

func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[name]; ok {
		s.c.Remove(e.id)
		delete(s.entries, name)
		s.log.Debug("cron restart removed", logx.String("app", name))
	}
}

// Expr returns the registered expression for name, or "".
func (s *Scheduler) Expr(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[name].expr
}

// Next returns the next fire time for name, or the zero time if none.
func (s *Scheduler) Next(name string) time.Time {
	return s.NextAfter(name, time.Now())
}

func (s *Scheduler) NextAfter(name string, after time.Time) time.Time {
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}
	}
	return e.sched.Next(after.In(s.loc))
}

func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.c.Start()
	s.log.Info("cron scheduler started", logx.String("tz", s.loc.String()), logx.Int("entries", len(s.entries)))
}

// Stop halts triggering and waits for running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	select {
	case <-s.c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("cron scheduler stopped")
}

type cronLogger struct {
	log logx.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug(msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error(msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	fields := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			continue
		}
		fields = append(fields, logx.Any(k, kv[i+1]))
	}
	return fields
}
