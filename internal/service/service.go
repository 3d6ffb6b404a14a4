package service

import (
	"context"

	"github.com/kolkov/cronsv/internal/supervisor"
)

// SupervisorService is what remote control surfaces need from a supervisor.
type SupervisorService interface {
	StartProcess(name string) error
	StopProcess(ctx context.Context, name string) error
	RestartProcess(ctx context.Context, name string) error
	Status() []supervisor.ProcessInfo
}

var _ SupervisorService = (*supervisor.Supervisor)(nil)
