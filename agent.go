// Package agent contains what the medicam binaries share: the subsystem manager, self install, and subprocess
// log handling.
package agent

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/medicam/agent/utils"
	"github.com/medicam/agent/utils/systemd"
	errw "github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

// UnitInstaller is the part of [systemd.SystemdManager] used by Install.
type UnitInstaller interface {
	IsAvailable(ctx context.Context) error
	InstallUnit(ctx context.Context, unit systemd.Unit) (string, error)
}

// Install is directly executed from main() when --install is passed. It copies the running binary into the
// medicam bin directory and installs the named unit, enabling it on a fresh install when the unit asks for it.
func Install(ctx context.Context, logger logging.Logger, sm UnitInstaller, unitName, configPath string) error {
	if err := sm.IsAvailable(ctx); err != nil {
		return errw.Wrap(err, "can only install on systems using systemd")
	}

	// Create/check required folder structure exists.
	if err := utils.InitPaths(); err != nil {
		return err
	}

	var unit *systemd.Unit
	for _, u := range systemd.AgentUnits(configPath) {
		if u.Name == unitName {
			unit = &u
			break
		}
	}
	if unit == nil {
		return errw.Errorf("no unit named %s", unitName)
	}

	curPath, err := os.Executable()
	if err != nil {
		return errw.Wrap(err, "getting path to self")
	}
	binPath := unit.ExecStart[0]
	if err := installBinary(logger, curPath, binPath); err != nil {
		return err
	}

	servicePath, err := sm.InstallUnit(ctx, *unit)
	if err != nil {
		return err
	}

	if _, err := os.Stat(configPath); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return errw.Wrapf(err, "reading %s", configPath)
		}
		logger.Warnf("No config file found at %s, defaults will be used.", configPath)
	}

	logger.Info("Install complete.")
	errOut := utils.SyncFS(binPath)
	if servicePath != "" {
		errOut = errors.Join(errOut, utils.SyncFS(servicePath))
	}
	return errOut
}

// installBinary copies src to dst unless dst already is (or matches) src.
func installBinary(logger logging.Logger, src, dst string) error {
	srcInfo, err := os.Stat(src)
	if err != nil {
		return errw.Wrapf(err, "reading %s", src)
	}
	if dstInfo, err := os.Stat(dst); err == nil && os.SameFile(srcInfo, dstInfo) {
		return nil
	}

	//nolint:gosec
	data, err := os.ReadFile(src)
	if err != nil {
		return errw.Wrapf(err, "reading %s", src)
	}
	//nolint:gosec
	if cur, err := os.ReadFile(dst); err == nil && bytes.Equal(cur, data) {
		return nil
	}

	logger.Infof("installing %s to %s", filepath.Base(src), dst)
	if err := utils.WriteFileAtomic(dst, data, 0o755); err != nil {
		return errw.Wrapf(err, "installing %s", dst)
	}
	return nil
}
