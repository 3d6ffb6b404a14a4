package cli

import (
	"context"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/kolkov/cronsv/internal/api"
	"github.com/kolkov/cronsv/internal/config"
	"github.com/kolkov/cronsv/internal/history"
	"github.com/kolkov/cronsv/internal/logx"
	"github.com/kolkov/cronsv/internal/process"
	"github.com/kolkov/cronsv/internal/supervisor"
)

const (
	shutdownTimeout = 60 * time.Second
	statusInterval  = 5 * time.Second
)

type runOptions struct {
	tui     bool
	noWatch bool
	quiet   bool
}

func newRunCmd(o *options) *cobra.Command {
	var ro runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the supervisor in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSupervisor(cmd.Context(), o, ro)
		},
	}
	f := cmd.Flags()
	f.BoolVar(&ro.tui, "tui", false, "show the terminal dashboard")
	f.BoolVar(&ro.noWatch, "no-watch", false, "do not reload when the config file changes")
	f.BoolVarP(&ro.quiet, "quiet", "q", false, "do not print the status table periodically")
	return cmd
}

func runSupervisor(ctx context.Context, o *options, ro runOptions) error {
	cfg, err := o.load()
	if err != nil {
		return err
	}

	var (
		tui    *supervisor.TUI
		logOut io.Writer = o.errOut
	)
	if ro.tui {
		tui = supervisor.NewTUI()
		logOut = tui.LogWriter()
	}
	log := logx.New(logOut, o.level(cfg))

	var sink process.EventSink
	if cfg.History.Path != "" {
		store, err := history.Open(cfg.History.Path)
		if err != nil {
			return err
		}
		defer store.Close()
		sink = store.Sink(func(err error) {
			log.Warn("history append failed", logx.Err(err))
		})
	}

	sv, err := supervisor.New(cfg, supervisor.WithLogger(log), supervisor.WithEventSink(sink))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sv.StartAll(); err != nil {
		log.Error("some processes failed to start", logx.Err(err))
	}

	listen := o.addr
	if listen == "" {
		listen = cfg.API.Listen
	}
	if listen != "" {
		lis, err := net.Listen("tcp", listen)
		if err != nil {
			stopAll(sv)
			return errors.Wrapf(err, "listen %s", listen)
		}
		srv := api.NewGRPCServer(sv, log.With(logx.String("component", "api")))
		go func() {
			if err := api.Serve(ctx, srv, lis); err != nil {
				log.Error("api server stopped", logx.Err(err))
			}
		}()
		log.Info("api listening", logx.String("addr", lis.Addr().String()))
	}

	var updates <-chan *config.Config
	if !ro.noWatch {
		w := config.NewWatcher(o.configPath, log.With(logx.String("component", "watch")))
		updates = w.Updates()
		go func() {
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Warn("config watcher stopped", logx.Err(err))
			}
		}()
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	notify(log, daemon.SdNotifyReady)

	loop := func(ctx context.Context) {
		var tick <-chan time.Time
		if tui == nil && !ro.quiet {
			ticker := time.NewTicker(statusInterval)
			defer ticker.Stop()
			tick = ticker.C
			sv.PrintStatus(o.out)
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				next, err := o.load()
				if err != nil {
					log.Error("reload failed", logx.String("source", "SIGHUP"), logx.Err(err))
					continue
				}
				applyReload(ctx, sv, log, next, "SIGHUP")
			case next := <-updates:
				applyReload(ctx, sv, log, next, "watch")
			case <-tick:
				sv.PrintStatus(o.out)
			}
		}
	}

	if tui != nil {
		loopCtx, cancel := context.WithCancel(ctx)
		go loop(loopCtx)
		err = tui.Run(ctx, sv)
		cancel()
		stop()
	} else {
		loop(ctx)
	}

	log.Info("shutting down")
	notify(log, daemon.SdNotifyStopping)
	stopAll(sv)
	return err
}

// applyReload hands next to the supervisor, which logs the outcome.
func applyReload(ctx context.Context, sv *supervisor.Supervisor, log logx.Logger, next *config.Config, source string) {
	notify(log, daemon.SdNotifyReloading)
	defer notify(log, daemon.SdNotifyReady)

	log.Debug("reload requested", logx.String("source", source))
	if _, err := sv.Reload(ctx, next); err != nil {
		log.Error("reload failed", logx.String("source", source), logx.Err(err))
	}
}

func stopAll(sv *supervisor.Supervisor) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	sv.StopAll(ctx)
}

// notify is a no-op unless NOTIFY_SOCKET is set.
func notify(log logx.Logger, state string) {
	if _, err := daemon.SdNotify(false, state); err != nil {
		log.Debug("sd_notify failed", logx.String("state", state), logx.Err(err))
	}
}
