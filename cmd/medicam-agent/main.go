package main

import (
	"os"

	"github.com/medicam/agent"
	"github.com/medicam/agent/internal/daemon"
	"github.com/medicam/agent/subsystems/provisioning"
	"github.com/medicam/agent/utils"
	"github.com/medicam/agent/utils/systemd"
	"go.viam.com/rdk/logging"
)

const serviceName = "medicam-agent"

// only changed/set at startup, so no mutex.
var globalLogger = logging.NewLogger(serviceName)

type agentOpts struct {
	daemon.Options
}

func main() {
	ctx, cancel, signalWorkers := daemon.SetupExitSignalHandling(globalLogger)
	defer func() {
		cancel()
		signalWorkers.Wait()
	}()

	var opts agentOpts
	run, err := daemon.ParseArgs(os.Args[1:], "runs the Wi-Fi provisioning service (BLE and line transports).", &opts)
	exitIfError(err)
	if !run {
		return
	}

	if opts.Debug {
		globalLogger.SetLevel(logging.DEBUG)
	}

	// need to be root to go any further than this
	exitIfError(daemon.RequireRoot(serviceName, opts.DevMode))

	if opts.Install {
		sm := systemd.NewSystemdManager(globalLogger)
		exitIfError(agent.Install(ctx, globalLogger, sm, systemd.ProvisioningUnitName, opts.Config))
		return
	}

	exitIfError(daemon.RequireInstalled(systemd.ProvisioningUnitName, opts.DevMode))
	exitIfError(utils.InitPaths())

	// use a lockfile to prevent running two provisioning services on the same machine
	pidFile, err := daemon.GetLock(globalLogger, serviceName)
	exitIfError(err)
	defer daemon.Unlock(globalLogger, pidFile)

	cfg := daemon.LoadConfig(globalLogger, opts.Config)
	globalLogger.Infof("Medicam Agent Version: %s Git Revision: %s", utils.GetVersion(), utils.GetRevision())

	manager := agent.NewManager(globalLogger, cfg, opts.Config, cancel)
	manager.Register(provisioning.SubsysName, provisioning.NewService(globalLogger.Sublogger(provisioning.SubsysName), cfg))

	// a transport that can't open (no adapter, port in use) is fatal, systemd and the supervisor retry
	if err := manager.StartSubsystems(ctx); err != nil {
		manager.CloseAll()
		globalLogger.Fatal(err)
	}

	manager.StartBackgroundChecks(ctx)
	<-ctx.Done()
	manager.CloseAll()
}

// helper to log.Fatal if error is non-nil.
func exitIfError(err error) {
	if err != nil {
		globalLogger.Fatal(err)
	}
}
