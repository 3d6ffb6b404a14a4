package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/kolkov/cronsv/internal/api"
	"github.com/kolkov/cronsv/internal/process"
	"github.com/kolkov/cronsv/internal/supervisor"
)

const remoteTimeout = 30 * time.Second

func (o *options) dial() (*api.Client, error) {
	addr := o.apiAddr()
	c, err := api.Dial(addr)
	if err != nil {
		return nil, errors.Wrap(err, "supervisor API")
	}
	return c, nil
}

func newControlCmd(o *options, verb, short string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <name>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := o.dial()
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), remoteTimeout)
			defer cancel()

			var call func(context.Context, string) (string, error)
			switch verb {
			case "start":
				call = client.Start
			case "stop":
				call = client.Stop
			default:
				call = client.Restart
			}
			msg, err := call(ctx, args[0])
			if err != nil {
				return errors.Wrapf(err, "%s %s", verb, args[0])
			}
			fmt.Fprintln(o.out, msg)
			return nil
		},
	}
}

func newStatusCmd(o *options) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show process status from a running supervisor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := o.dial()
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), remoteTimeout)
			defer cancel()
			statuses, err := client.Status(ctx)
			if err != nil {
				return errors.Wrap(err, "status")
			}

			if asJSON {
				enc := json.NewEncoder(o.out)
				enc.SetIndent("", "  ")
				return enc.Encode(statuses)
			}
			supervisor.WriteStatus(o.out, toProcessInfos(statuses), time.Now())
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func toProcessInfos(statuses []api.ProcessStatus) []supervisor.ProcessInfo {
	infos := make([]supervisor.ProcessInfo, 0, len(statuses))
	for _, st := range statuses {
		infos = append(infos, supervisor.ProcessInfo{
			Info: process.Info{
				Name:      st.Name,
				PID:       st.PID,
				Status:    process.Status(st.Status),
				StartTime: st.StartTime,
				Restarts:  st.Restarts,
				ExitCode:  st.ExitCode,
				LastError: st.Error,
			},
			Script:      st.Script,
			Interpreter: st.Interpreter,
			CronRestart: st.CronRestart,
			NextRestart: st.NextRestart,
		})
	}
	return infos
}
