package systemd

import (
	"context"
	"os/exec"
	"strings"

	"github.com/pkg/errors"
)

// SystemdExecutor executes various systemd commands as subprocess. It
// primarily exists to enable testing of higher level systemd manipulation via
// mocks or fakes.
type SystemdExecutor interface {
	// IsAvailable checks if systemd is available on the system. Currently it does
	// this by executing `systemctl --version` and checking the output. It returns
	// nil if systemd is available and an error describing why it is unavailable
	// otherwise.
	IsAvailable(ctx context.Context) error

	// DaemonReload executes `systemctl daemon-reload`.
	DaemonReload(ctx context.Context) error

	// Enable calls `systemctl enable` with the provided unit name.
	Enable(ctx context.Context, unit string) error

	// IsActive calls `systemctl is-active`. A non-zero exit is reported as
	// false with a nil error; only failures to run systemctl at all are errors.
	IsActive(ctx context.Context, unit string) (bool, error)

	// Start calls `systemctl start` with the provided unit name.
	Start(ctx context.Context, unit string) error

	// Stop calls `systemctl stop` with the provided unit name.
	Stop(ctx context.Context, unit string) error

	// SystemdSearchPaths gets the unit search paths by calling `systemd-path
	// systemd-search-system-unit`. It automatically splits the result around
	// `:`.
	SystemdSearchPaths(ctx context.Context) ([]string, error)
}

// NewExecutor returns a SystemdExecutor that shells out to systemctl.
func NewExecutor() SystemdExecutor {
	return realSystemdExecutor{}
}

type realSystemdExecutor struct{}

func (s realSystemdExecutor) run(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, "systemctl", args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "running 'systemctl %s' output: %s", strings.Join(args, " "), output)
	}
	return nil
}

func (s realSystemdExecutor) IsAvailable(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "systemctl", "--version")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "systemctl --version returned errors: %s", output)
	}
	return nil
}

func (s realSystemdExecutor) Enable(ctx context.Context, unit string) error {
	return s.run(ctx, "enable", unit)
}

func (s realSystemdExecutor) DaemonReload(ctx context.Context) error {
	return s.run(ctx, "daemon-reload")
}

func (s realSystemdExecutor) Start(ctx context.Context, unit string) error {
	return s.run(ctx, "start", unit)
}

func (s realSystemdExecutor) Stop(ctx context.Context, unit string) error {
	return s.run(ctx, "stop", unit)
}

func (s realSystemdExecutor) IsActive(ctx context.Context, unit string) (bool, error) {
	cmd := exec.CommandContext(ctx, "systemctl", "is-active", "--quiet", unit)
	err := cmd.Run()
	if err == nil {
		return true, nil
	}
	if e := (&exec.ExitError{}); errors.As(err, &e) {
		// inactive, failed, activating, unknown...
		return false, nil
	}
	return false, errors.Wrapf(err, "running 'systemctl is-active %s'", unit)
}

func (s realSystemdExecutor) SystemdSearchPaths(ctx context.Context) ([]string, error) {
	cmd := exec.CommandContext(ctx, "systemd-path", "systemd-search-system-unit")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, errors.Wrapf(err, "running 'systemd-path systemd-search-system-unit' output: %s", output)
	}
	return strings.Split(strings.TrimSpace(string(output)), ":"), nil
}
