package config

import (
	"context"
	"hash/fnv"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kolkov/cronsv/internal/logx"
)

const (
	watchDebounce      = 250 * time.Millisecond
	restartBackoffBase = 250 * time.Millisecond
	restartBackoffMax  = 5 * time.Second
)

// Watcher reloads a config file when it changes on disk and publishes
// each new valid config on Updates().
type Watcher struct {
	path string
	log  logx.Logger

	mu       sync.Mutex
	lastHash uint64
	stopped  bool
	updates  chan *Config
	debounce time.Duration
}

func NewWatcher(path string, log logx.Logger) *Watcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	w := &Watcher{
		path:     abs,
		log:      log.With(logx.String("path", abs)),
		updates:  make(chan *Config, 1),
		debounce: watchDebounce,
	}
	if data, err := os.ReadFile(abs); err == nil {
		w.lastHash = hashBytes(data)
	}
	return w
}

// Updates delivers the newest valid config. Slow readers only see the latest.
func (w *Watcher) Updates() <-chan *Config { return w.updates }

// Run watches until ctx is done. The underlying fsnotify watcher is recreated
// with jittered backoff if it breaks.
func (w *Watcher) Run(ctx context.Context) error {
	dir := filepath.Dir(w.path)
	file := filepath.Base(w.path)

	backoff := restartBackoffBase
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	nextWait := func() time.Duration {
		wait := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
		if backoff < restartBackoffMax {
			backoff *= 2
			if backoff > restartBackoffMax {
				backoff = restartBackoffMax
			}
		}
		return wait
	}

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	schedule := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(w.debounce, w.reload)
	}
	w.mu.Lock()
	w.stopped = false
	w.mu.Unlock()
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
		// a reload already in flight must not publish after Run returns
		w.mu.Lock()
		w.stopped = true
		w.mu.Unlock()
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}

		fw, err := fsnotify.NewWatcher()
		if err == nil {
			if err = fw.Add(dir); err != nil {
				_ = fw.Close()
			}
		}
		if err != nil {
			w.log.Warn("config watch init failed", logx.Err(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(nextWait()):
				continue
			}
		}

		backoff = restartBackoffBase
		w.log.Debug("config watcher started")

		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = fw.Close()
				return nil
			case ev, ok := <-fw.Events:
				if !ok {
					broken = true
					break
				}
				if strings.EqualFold(filepath.Base(ev.Name), file) &&
					ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					schedule()
				}
			case err, ok := <-fw.Errors:
				if !ok {
					broken = true
					break
				}
				if err == fsnotify.ErrEventOverflow {
					w.log.Warn("config watch overflow; forcing reload")
					schedule()
					continue
				}
				w.log.Warn("config watch error", logx.Err(err))
			}
		}

		_ = fw.Close()
		wait := nextWait()
		w.log.Warn("config watcher stopped; restarting", logx.Duration("backoff", wait))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (w *Watcher) reload() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		w.log.Warn("config read failed", logx.Err(err))
		return
	}
	h := hashBytes(data)

	w.mu.Lock()
	unchanged := h == w.lastHash
	w.mu.Unlock()
	if unchanged {
		w.log.Debug("config unchanged; skipping reload")
		return
	}

	cfg, err := Parse(data, FormatOf(w.path), filepath.Dir(w.path))
	if err != nil {
		w.log.Warn("config rejected", logx.Err(err))
		return
	}
	cfg.Path = w.path

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.lastHash = h

	// drop a stale pending update so the reader sees the newest config
	select {
	case w.updates <- cfg:
	default:
		select {
		case <-w.updates:
		default:
		}
		select {
		case w.updates <- cfg:
		default:
		}
	}
	w.log.Info("config change detected", logx.Int("apps", len(cfg.Apps)))
}

func hashBytes(b []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
