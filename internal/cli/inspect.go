package cli

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/kolkov/cronsv/internal/config"
	"github.com/kolkov/cronsv/internal/history"
	"github.com/kolkov/cronsv/internal/schedule"
)

func newInitCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a sample ecosystem file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			created, err := config.WriteSample(o.configPath)
			if err != nil {
				return err
			}
			if created {
				fmt.Fprintf(o.out, "Created %s\n", o.configPath)
			} else {
				fmt.Fprintf(o.out, "%s already exists\n", o.configPath)
			}
			return nil
		},
	}
}

func newValidateCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check an ecosystem file and report every problem",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := o.load()
			if err != nil {
				return err
			}
			fmt.Fprintf(o.out, "%s: ok (%d apps)\n", o.configPath, len(cfg.Apps))
			return nil
		},
	}
}

type appRow struct {
	Name        string            `json:"name"`
	Script      string            `json:"script"`
	Interpreter string            `json:"interpreter,omitempty"`
	CronRestart string            `json:"cron_restart,omitempty"`
	NextRestart *time.Time        `json:"next_restart,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Autostart   bool              `json:"autostart"`
	Autorestart string            `json:"autorestart"`
}

func appRows(cfg *config.Config, now time.Time) []appRow {
	loc := cfg.Location()
	rows := make([]appRow, 0, len(cfg.Apps))
	for _, a := range cfg.Apps {
		r := appRow{
			Name:        a.Name,
			Script:      a.Script,
			Interpreter: a.Interpreter,
			CronRestart: a.CronRestart,
			Env:         a.Env,
			Autostart:   a.ShouldAutostart(),
			Autorestart: a.Autorestart,
		}
		if a.CronRestart != "" {
			if sched, err := schedule.ParseRestart(a.CronRestart); err == nil {
				next := sched.Next(now.In(loc))
				r.NextRestart = &next
			}
		}
		rows = append(rows, r)
	}
	return rows
}

func newListCmd(o *options) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List configured apps and their next cron restart",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := o.load()
			if err != nil {
				return err
			}
			rows := appRows(cfg, time.Now())

			if asJSON {
				enc := json.NewEncoder(o.out)
				enc.SetIndent("", "  ")
				return enc.Encode(rows)
			}

			table := tablewriter.NewWriter(o.out)
			table.Header("Name", "Command", "Cron restart", "Next restart", "Env", "Autostart")
			for _, r := range rows {
				next := "-"
				if r.NextRestart != nil {
					next = r.NextRestart.Format("2006-01-02 15:04 MST")
				}
				cron := r.CronRestart
				if cron == "" {
					cron = "-"
				}
				if err := table.Append([]string{
					r.Name,
					strings.TrimSpace(r.Interpreter + " " + r.Script),
					cron,
					next,
					envKeys(r.Env),
					fmt.Sprint(r.Autostart),
				}); err != nil {
					return err
				}
			}
			return table.Render()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func envKeys(env map[string]string) string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, ",")
}

func newHistoryCmd(o *options) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history [name]",
		Short: "Show recorded lifecycle events",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := o.load()
			if err != nil {
				return err
			}
			if cfg.History.Path == "" {
				return history.ErrDisabled
			}
			store, err := history.Open(cfg.History.Path)
			if err != nil {
				return err
			}
			defer store.Close()

			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			events, err := store.List(cmd.Context(), name, limit)
			if err != nil {
				return err
			}

			table := tablewriter.NewWriter(o.out)
			table.Header("Time", "App", "Event", "PID", "Exit", "Reason")
			for _, ev := range events {
				if err := table.Append([]string{
					ev.At.Local().Format(time.DateTime),
					ev.App,
					string(ev.Kind),
					fmt.Sprint(ev.PID),
					fmt.Sprint(ev.ExitCode),
					ev.Reason,
				}); err != nil {
					return err
				}
			}
			return table.Render()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "number of events to show")
	return cmd
}
