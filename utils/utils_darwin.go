package utils

import (
	"os/exec"
	"syscall"

	"go.viam.com/rdk/logging"
)

// PlatformSubprocessSettings sets platform-specific subprocess settings.
func PlatformSubprocessSettings(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// PlatformKill does SIGKILL if available for the platform.
func PlatformKill(logger logging.Logger, cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		logger.Error(err)
	}
}

// On Darwin, we use fsync on the directory instead of syncfs.
func syncfs(fd uintptr) error {
	return syscall.Fsync(int(fd))
}
