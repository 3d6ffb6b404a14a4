package cli

import (
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kolkov/cronsv/internal/config"
)

type options struct {
	configPath string
	logLevel   string
	addr       string
	out        io.Writer
	errOut     io.Writer
}

// NewRoot builds the cronsv command tree writing to out and errOut.
func NewRoot(out, errOut io.Writer) *cobra.Command {
	opts := &options{out: out, errOut: errOut}

	root := &cobra.Command{
		Use:           "cronsv",
		Short:         "Run scripts from an ecosystem file and restart them on a cron schedule",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.SetErr(errOut)

	pf := root.PersistentFlags()
	pf.StringVarP(&opts.configPath, "config", "c", "ecosystem.yaml", "path to the ecosystem file (.yaml or .json)")
	pf.StringVar(&opts.logLevel, "log-level", "", "log level: trace, debug, info, warn, error (overrides log_level)")
	pf.StringVar(&opts.addr, "addr", "", "supervisor API address (defaults to api.listen)")

	root.AddCommand(
		newInitCmd(opts),
		newValidateCmd(opts),
		newListCmd(opts),
		newRunCmd(opts),
		newStatusCmd(opts),
		newControlCmd(opts, "start", "Start a process on a running supervisor"),
		newControlCmd(opts, "stop", "Stop a process on a running supervisor"),
		newControlCmd(opts, "restart", "Restart a process on a running supervisor"),
		newHistoryCmd(opts),
	)
	return root
}

// Execute runs the CLI against os.Args.
func Execute() error {
	return NewRoot(os.Stdout, os.Stderr).Execute()
}

func (o *options) load() (*config.Config, error) {
	return config.Load(o.configPath)
}

// apiAddr picks the API address: --addr, then api.listen from the config
// file if it loads, then the default.
func (o *options) apiAddr() string {
	if a := strings.TrimSpace(o.addr); a != "" {
		return a
	}
	if cfg, err := o.load(); err == nil && cfg.API.Listen != "" {
		return cfg.API.Listen
	}
	return config.DefaultAPIListen
}

func (o *options) level(cfg *config.Config) string {
	if o.logLevel != "" {
		return o.logLevel
	}
	if cfg != nil && cfg.LogLevel != "" {
		return cfg.LogLevel
	}
	return "info"
}
