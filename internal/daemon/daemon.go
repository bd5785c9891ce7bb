// Package daemon holds the startup plumbing shared by the medicam service binaries: option parsing, signal
// handling, and the single instance lock.
package daemon

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/signal"
	"os/user"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/medicam/agent/utils"
	"github.com/nightlyone/lockfile"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

// Options are the flags every service binary accepts. Binaries embed it in their own options struct.
//
//nolint:lll
type Options struct {
	Config  string `default:"/etc/medicam/agent.json"      description:"Path to config file"           long:"config"   short:"c"`
	Debug   bool   `description:"Enable debug logging"     env:"MEDICAM_AGENT_DEBUG"                   long:"debug"    short:"d"`
	Help    bool   `description:"Show this help message"   long:"help"                                 short:"h"`
	Version bool   `description:"Show version"             long:"version"                              short:"v"`
	Install bool   `description:"Install systemd service"  long:"install"`
	DevMode bool   `description:"Allow non-root and non-service" env:"MEDICAM_AGENT_DEVMODE"           long:"dev-mode"`
}

// Common returns the embedded options.
func (o *Options) Common() *Options {
	return o
}

type commonOptions interface {
	Common() *Options
}

// ParseArgs parses args into opts. It returns false when the process should exit without running, after
// printing help or the version.
func ParseArgs(args []string, usage string, opts commonOptions) (bool, error) {
	parser := flags.NewParser(opts, flags.IgnoreUnknown)
	parser.Usage = usage

	if _, err := parser.ParseArgs(args); err != nil {
		return false, err
	}

	common := opts.Common()
	if common.Help {
		var b bytes.Buffer
		parser.WriteHelp(&b)
		//nolint:forbidigo
		fmt.Println(b.String())
		return false, nil
	}

	if common.Version {
		//nolint:forbidigo
		fmt.Printf("Version: %s\nGit Revision: %s\n", utils.GetVersion(), utils.GetRevision())
		return false, nil
	}

	utils.CLIDebug = common.Debug
	if path, err := filepath.Abs(common.Config); err == nil {
		common.Config = path
	}
	utils.ConfigFilePath = common.Config
	return true, nil
}

// LoadConfig reads the config file, logging (but otherwise ignoring) any problems with it.
func LoadConfig(logger logging.Logger, path string) utils.AgentConfig {
	cfg, err := utils.LoadConfig(path)
	if err != nil {
		logger.Warn(errors.Wrap(err, "config problems, using corrected values"))
	}
	return cfg
}

// RequireRoot reports an error unless running as root (or in dev mode).
func RequireRoot(name string, devMode bool) error {
	curUser, err := user.Current()
	if err != nil {
		return err
	}
	if runtime.GOOS != "windows" && curUser.Uid != "0" && !devMode {
		return errors.Errorf("%s must be run as root (uid 0), but current user is %s (uid %s)", name, curUser.Username, curUser.Uid)
	}
	return nil
}

// RequireInstalled reports an error unless the running binary lives in the medicam bin directory (or in dev mode).
func RequireInstalled(name string, devMode bool) error {
	if devMode || runtime.GOOS == "windows" {
		return nil
	}
	if strings.HasPrefix(os.Args[0], utils.MedicamDirs.Medicam) {
		return nil
	}
	return errors.Errorf("%s is intended to be run as a system service and installed in %s.\n"+
		"Please install with '%s --install' and then start the service with 'systemctl start %s'\n"+
		"Note you may need to preface the above commands with 'sudo' if you are not currently root.",
		name, utils.MedicamDirs.Medicam, os.Args[0], name)
}

// SetupExitSignalHandling returns a context that is cancelled on SIGINT/SIGTERM/SIGABRT. The WaitGroup tracks the
// signal goroutine.
func SetupExitSignalHandling(logger logging.Logger) (context.Context, context.CancelFunc, *sync.WaitGroup) {
	var workers sync.WaitGroup
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 16)
	workers.Add(1)
	go func() {
		defer workers.Done()
		defer cancel()
		for {
			var sig os.Signal
			select {
			case <-ctx.Done():
				return
			case sig = <-sigChan:
			}

			switch sig {
			// things we exit for
			case os.Interrupt, syscall.SIGQUIT, syscall.SIGABRT, syscall.SIGTERM:
				logger.Info("exiting")
				signal.Ignore(os.Interrupt, syscall.SIGTERM, syscall.SIGABRT) // keeping SIGQUIT for stack trace debugging
				return
			default:
				logger.Debugw("received unknown signal", "signal", sig)
			}
		}
	}()

	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGABRT)
	return ctx, cancel, &workers
}

// GetLock takes the pid lock for name, so two copies of the same service can't run at once.
func GetLock(logger logging.Logger, name string) (lockfile.Lockfile, error) {
	pidFile, err := lockfile.New(filepath.Join(utils.MedicamDirs.State, name+".pid"))
	if err != nil {
		return "", errors.Wrap(err, "init lockfile")
	}
	err = pidFile.TryLock()
	if err == nil {
		return pidFile, nil
	}

	logger.Warn(errors.Wrapf(err, "locking %s", pidFile))

	// if it's a potentially temporary error, retry
	if errors.Is(err, lockfile.ErrBusy) || errors.Is(err, lockfile.ErrNotExist) {
		time.Sleep(2 * time.Second)
		logger.Warn("retrying lock")
		err = pidFile.TryLock()
		if err == nil {
			return pidFile, nil
		}

		// pids get reused after a reboot, so make sure the owner really is another copy of this service
		if errors.Is(err, lockfile.ErrBusy) {
			var staleFile bool
			proc, err := pidFile.GetOwner()
			if err != nil {
				logger.Error(errors.Wrap(err, "getting lockfile owner"))
				staleFile = true
			} else {
				runPath, err := filepath.EvalSymlinks(fmt.Sprintf("/proc/%d/exe", proc.Pid))
				if err != nil {
					logger.Error(errors.Wrap(err, "cannot get info on lockfile owner"))
					staleFile = true
				} else if !strings.Contains(runPath, name) {
					logger.Warnf("lockfile owner isn't %s", name)
					staleFile = true
				}
			}
			if staleFile {
				logger.Warnf("deleting lockfile %s", pidFile)
				if err := os.RemoveAll(string(pidFile)); err != nil {
					return "", errors.Wrap(err, "removing lockfile")
				}
				return pidFile, pidFile.TryLock()
			}
			return "", errors.Errorf("other instance of %s is already running with PID: %d", name, proc.Pid)
		}
	}
	return "", err
}

// Unlock releases a lock from GetLock, logging failures.
func Unlock(logger logging.Logger, pidFile lockfile.Lockfile) {
	if err := pidFile.Unlock(); err != nil {
		logger.Error(errors.Wrapf(err, "unlocking %s", pidFile))
	}
}
