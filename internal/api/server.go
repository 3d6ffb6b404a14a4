package api

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/kolkov/cronsv/internal/logx"
	"github.com/kolkov/cronsv/internal/process"
	"github.com/kolkov/cronsv/internal/service"
)

const serviceName = "cronsv.Supervisor"

// supervisorServer is the handler type of the cronsv.Supervisor service.
// Messages are protobuf well-known types, so no generated code is needed.
type supervisorServer interface {
	StartProcess(context.Context, *wrapperspb.StringValue) (*wrapperspb.StringValue, error)
	StopProcess(context.Context, *wrapperspb.StringValue) (*wrapperspb.StringValue, error)
	RestartProcess(context.Context, *wrapperspb.StringValue) (*wrapperspb.StringValue, error)
	GetStatus(context.Context, *emptypb.Empty) (*structpb.ListValue, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*supervisorServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("StartProcess", newName, func(s *Server, ctx context.Context, in *wrapperspb.StringValue) (proto.Message, error) {
			return s.StartProcess(ctx, in)
		}),
		unary("StopProcess", newName, func(s *Server, ctx context.Context, in *wrapperspb.StringValue) (proto.Message, error) {
			return s.StopProcess(ctx, in)
		}),
		unary("RestartProcess", newName, func(s *Server, ctx context.Context, in *wrapperspb.StringValue) (proto.Message, error) {
			return s.RestartProcess(ctx, in)
		}),
		unary("GetStatus", func() *emptypb.Empty { return &emptypb.Empty{} }, func(s *Server, ctx context.Context, in *emptypb.Empty) (proto.Message, error) {
			return s.GetStatus(ctx, in)
		}),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "cronsv/supervisor",
}

func newName() *wrapperspb.StringValue { return &wrapperspb.StringValue{} }

func unary[Req proto.Message](method string, newReq func() Req, call func(*Server, context.Context, Req) (proto.Message, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := newReq()
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(*Server)
			if interceptor == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/" + method}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(s, ctx, req.(Req))
			})
		},
	}
}

type Server struct {
	sv  service.SupervisorService
	log logx.Logger
}

func NewServer(sv service.SupervisorService, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{sv: sv, log: log}
}

func (s *Server) StartProcess(ctx context.Context, req *wrapperspb.StringValue) (*wrapperspb.StringValue, error) {
	if err := s.sv.StartProcess(req.GetValue()); err != nil {
		return nil, toStatus(err)
	}
	return wrapperspb.String("process '" + req.GetValue() + "' started"), nil
}

func (s *Server) StopProcess(ctx context.Context, req *wrapperspb.StringValue) (*wrapperspb.StringValue, error) {
	if err := s.sv.StopProcess(ctx, req.GetValue()); err != nil {
		return nil, toStatus(err)
	}
	return wrapperspb.String("process '" + req.GetValue() + "' stopped"), nil
}

func (s *Server) RestartProcess(ctx context.Context, req *wrapperspb.StringValue) (*wrapperspb.StringValue, error) {
	if err := s.sv.RestartProcess(ctx, req.GetValue()); err != nil {
		return nil, toStatus(err)
	}
	return wrapperspb.String("process '" + req.GetValue() + "' restarted"), nil
}

func (s *Server) GetStatus(ctx context.Context, _ *emptypb.Empty) (*structpb.ListValue, error) {
	statuses := s.sv.Status()
	items := make([]any, 0, len(statuses))
	for _, info := range statuses {
		items = append(items, map[string]any{
			"name":         info.Name,
			"status":       string(info.Status),
			"pid":          info.PID,
			"restarts":     info.Restarts,
			"exit_code":    info.ExitCode,
			"error":        info.LastError,
			"script":       info.Script,
			"interpreter":  info.Interpreter,
			"cron_restart": info.CronRestart,
			"start_time":   formatTime(info.StartTime),
			"next_restart": formatTime(info.NextRestart),
		})
	}
	list, err := structpb.NewList(items)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return list, nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, process.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, process.ErrAlreadyRunning):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}

func logUnary(log logx.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		log.Debug("rpc",
			logx.String("method", info.FullMethod),
			logx.Duration("took", time.Since(start)),
			logx.String("code", status.Code(err).String()),
		)
		return resp, err
	}
}

// NewGRPCServer builds a gRPC server exposing sv.
func NewGRPCServer(sv service.SupervisorService, log logx.Logger) *grpc.Server {
	srv := NewServer(sv, log)
	s := grpc.NewServer(grpc.ChainUnaryInterceptor(logUnary(srv.log)))
	s.RegisterService(&serviceDesc, srv)
	reflection.Register(s)
	return s
}

// Serve runs s on lis until ctx is done, then stops gracefully.
func Serve(ctx context.Context, s *grpc.Server, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		s.GracefulStop()
	}()
	if err := s.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return errors.Wrap(err, "grpc serve")
	}
	return nil
}
