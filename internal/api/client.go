package api

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ProcessStatus is one row of a remote status listing.
type ProcessStatus struct {
	Name        string    `json:"name"`
	Status      string    `json:"status"`
	PID         int       `json:"pid"`
	Restarts    int       `json:"restarts"`
	ExitCode    int       `json:"exit_code"`
	Error       string    `json:"error,omitempty"`
	Script      string    `json:"script"`
	Interpreter string    `json:"interpreter,omitempty"`
	CronRestart string    `json:"cron_restart,omitempty"`
	StartTime   time.Time `json:"start_time,omitempty"`
	NextRestart time.Time `json:"next_restart,omitempty"`
}

type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to a supervisor API. The connection is plaintext.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "connect %s", addr)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) call(ctx context.Context, method, name string) (string, error) {
	out := &wrapperspb.StringValue{}
	if err := c.conn.Invoke(ctx, "/"+serviceName+"/"+method, wrapperspb.String(name), out); err != nil {
		return "", err
	}
	return out.GetValue(), nil
}

func (c *Client) Start(ctx context.Context, name string) (string, error) {
	return c.call(ctx, "StartProcess", name)
}

func (c *Client) Stop(ctx context.Context, name string) (string, error) {
	return c.call(ctx, "StopProcess", name)
}

func (c *Client) Restart(ctx context.Context, name string) (string, error) {
	return c.call(ctx, "RestartProcess", name)
}

func (c *Client) Status(ctx context.Context) ([]ProcessStatus, error) {
	out := &structpb.ListValue{}
	if err := c.conn.Invoke(ctx, "/"+serviceName+"/GetStatus", &emptypb.Empty{}, out); err != nil {
		return nil, err
	}

	statuses := make([]ProcessStatus, 0, len(out.GetValues()))
	for _, v := range out.GetValues() {
		f := v.GetStructValue().GetFields()
		statuses = append(statuses, ProcessStatus{
			Name:        f["name"].GetStringValue(),
			Status:      f["status"].GetStringValue(),
			PID:         int(f["pid"].GetNumberValue()),
			Restarts:    int(f["restarts"].GetNumberValue()),
			ExitCode:    int(f["exit_code"].GetNumberValue()),
			Error:       f["error"].GetStringValue(),
			Script:      f["script"].GetStringValue(),
			Interpreter: f["interpreter"].GetStringValue(),
			CronRestart: f["cron_restart"].GetStringValue(),
			StartTime:   parseTime(f["start_time"].GetStringValue()),
			NextRestart: parseTime(f["next_restart"].GetStringValue()),
		})
	}
	return statuses, nil
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
