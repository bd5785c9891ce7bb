package main

import (
	"os"

	"github.com/medicam/agent"
	"github.com/medicam/agent/internal/daemon"
	"github.com/medicam/agent/subsystems/provisioning"
	"github.com/medicam/agent/subsystems/recorder"
	"github.com/medicam/agent/utils"
	"github.com/medicam/agent/utils/systemd"
	"go.viam.com/rdk/logging"
)

const serviceName = "medicam-camera"

// only changed/set at startup, so no mutex.
var globalLogger = logging.NewLogger(serviceName)

type cameraOpts struct {
	daemon.Options
}

func main() {
	ctx, cancel, signalWorkers := daemon.SetupExitSignalHandling(globalLogger)
	defer func() {
		cancel()
		signalWorkers.Wait()
	}()

	var opts cameraOpts
	run, err := daemon.ParseArgs(os.Args[1:], "records from the camera and serves recordings over HTTP once provisioned.", &opts)
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
		exitIfError(agent.Install(ctx, globalLogger, sm, systemd.CameraUnitName, opts.Config))
		return
	}

	exitIfError(daemon.RequireInstalled(systemd.CameraUnitName, opts.DevMode))
	exitIfError(utils.InitPaths())

	pidFile, err := daemon.GetLock(globalLogger, serviceName)
	exitIfError(err)
	defer daemon.Unlock(globalLogger, pidFile)

	cfg := daemon.LoadConfig(globalLogger, opts.Config)
	globalLogger.Infof("Medicam Camera Version: %s Git Revision: %s", utils.GetVersion(), utils.GetRevision())

	// read only: the provisioning service is the writer
	store := provisioning.NewStore(globalLogger.Sublogger("store"), cfg.Provisioning.StateFile)

	manager := agent.NewManager(globalLogger, cfg, opts.Config, cancel)
	manager.Register(recorder.SubsysName, recorder.NewServer(globalLogger.Sublogger(recorder.SubsysName), cfg, store))
	exitIfError(manager.StartSubsystems(ctx))

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
