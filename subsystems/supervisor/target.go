package supervisor

import (
	"context"

	"github.com/medicam/agent/subsystems"
	"github.com/medicam/agent/utils/systemd"
)

// Target is what the controller starts while offline.
type Target interface {
	Name() string
	IsActive(ctx context.Context) (bool, error)
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// UnitTarget drives a systemd unit through systemctl.
type UnitTarget struct {
	executor systemd.SystemdExecutor
	unit     string
}

func NewUnitTarget(executor systemd.SystemdExecutor, unit string) *UnitTarget {
	return &UnitTarget{executor: executor, unit: unit}
}

func (u *UnitTarget) Name() string {
	return u.unit
}

func (u *UnitTarget) IsActive(ctx context.Context) (bool, error) {
	return u.executor.IsActive(ctx, u.unit)
}

func (u *UnitTarget) Start(ctx context.Context) error {
	return u.executor.Start(ctx, u.unit)
}

func (u *UnitTarget) Stop(ctx context.Context) error {
	return u.executor.Stop(ctx, u.unit)
}

// SubsystemTarget drives an in-process subsystem, for running the provisioning service embedded in the
// supervisor instead of as its own unit.
type SubsystemTarget struct {
	name string
	sub  subsystems.Subsystem
}

func NewSubsystemTarget(name string, sub subsystems.Subsystem) *SubsystemTarget {
	return &SubsystemTarget{name: name, sub: sub}
}

func (s *SubsystemTarget) Name() string {
	return s.name
}

// IsActive treats a failing health check as inactive, so a broken service gets restarted on the next tick.
func (s *SubsystemTarget) IsActive(ctx context.Context) (bool, error) {
	return s.sub.HealthCheck(ctx) == nil, nil
}

func (s *SubsystemTarget) Start(ctx context.Context) error {
	// clears a running-but-unhealthy instance, no-op otherwise
	if err := s.sub.Stop(ctx); err != nil {
		return err
	}
	// the subsystem outlives the tick that starts it
	return s.sub.Start(context.WithoutCancel(ctx))
}

func (s *SubsystemTarget) Stop(ctx context.Context) error {
	return s.sub.Stop(ctx)
}
