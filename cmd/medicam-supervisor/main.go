package main

import (
	"context"
	"os"
	"time"

	"github.com/medicam/agent"
	"github.com/medicam/agent/internal/daemon"
	"github.com/medicam/agent/subsystems/provisioning"
	"github.com/medicam/agent/subsystems/supervisor"
	"github.com/medicam/agent/utils"
	"github.com/medicam/agent/utils/systemd"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

const serviceName = "medicam-supervisor"

// only changed/set at startup, so no mutex.
var globalLogger = logging.NewLogger(serviceName)

//nolint:lll
type supervisorOpts struct {
	daemon.Options
	Embedded bool `description:"Run the provisioning service in this process instead of driving its systemd unit" env:"MEDICAM_SUPERVISOR_EMBEDDED" long:"embedded"`
}

func main() {
	ctx, cancel, signalWorkers := daemon.SetupExitSignalHandling(globalLogger)
	defer func() {
		cancel()
		signalWorkers.Wait()
	}()

	var opts supervisorOpts
	run, err := daemon.ParseArgs(os.Args[1:],
		"starts the provisioning service while the device is offline and stops it once online.", &opts)
	exitIfError(err)
	if !run {
		return
	}

	if opts.Debug {
		globalLogger.SetLevel(logging.DEBUG)
	}

	exitIfError(daemon.RequireRoot(serviceName, opts.DevMode))

	if opts.Install {
		sm := systemd.NewSystemdManager(globalLogger)
		exitIfError(agent.Install(ctx, globalLogger, sm, systemd.SupervisorUnitName, opts.Config))
		return
	}

	exitIfError(daemon.RequireInstalled(systemd.SupervisorUnitName, opts.DevMode))
	exitIfError(utils.InitPaths())

	pidFile, err := daemon.GetLock(globalLogger, serviceName)
	exitIfError(err)
	defer daemon.Unlock(globalLogger, pidFile)

	cfg := daemon.LoadConfig(globalLogger, opts.Config)
	globalLogger.Infof("Medicam Supervisor Version: %s Git Revision: %s", utils.GetVersion(), utils.GetRevision())

	nm, err := provisioning.NewNetworkManager(globalLogger.Sublogger("nm"), cfg.Provisioning.Backend, cfg.Provisioning.WifiInterface)
	exitIfError(errors.Wrap(err, "initializing network backend"))
	defer func() {
		if err := nm.Close(); err != nil {
			globalLogger.Warn(err)
		}
	}()

	var target supervisor.Target
	var embedded *provisioning.Service
	if opts.Embedded {
		embedded = provisioning.NewService(globalLogger.Sublogger(provisioning.SubsysName), cfg)
		target = supervisor.NewSubsystemTarget(provisioning.SubsysName, embedded)
	} else {
		target = supervisor.NewUnitTarget(systemd.NewExecutor(), cfg.Supervisor.UnitName)
	}

	manager := agent.NewManager(globalLogger, cfg, opts.Config, cancel)
	manager.Register(supervisor.SubsysName, supervisor.NewController(globalLogger.Sublogger(supervisor.SubsysName), cfg, nm, target))
	exitIfError(manager.StartSubsystems(ctx))

	manager.StartBackgroundChecks(ctx)
	<-ctx.Done()
	manager.CloseAll()

	// the controller only starts and stops the embedded service, so it's still ours to shut down
	if embedded != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Minute)
		defer stopCancel()
		if err := embedded.Stop(stopCtx); err != nil {
			globalLogger.Warn(err)
		}
	}
}

// helper to log.Fatal if error is non-nil.
func exitIfError(err error) {
	if err != nil {
		globalLogger.Fatal(err)
	}
}
