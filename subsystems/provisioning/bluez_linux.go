package provisioning

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"time"

	semver "github.com/Masterminds/semver/v3"
	dbus "github.com/godbus/dbus/v5"
	errw "github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

const (
	bluezDBusService = "org.bluez"
	minBluetoothd    = "5.66"
)

// AdapterStatus is the result of probing for a BlueZ adapter.
type AdapterStatus struct {
	Found   bool
	Address string
}

// ProbeAdapter asks BlueZ for the adapter's address. An adapter BlueZ doesn't know about is reported as not found,
// other failures (no system bus, bluetoothd not running) are errors.
func ProbeAdapter(adapterName string) (AdapterStatus, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return AdapterStatus{}, errw.Wrap(err, "failed to connect to system DBus")
	}
	adapter := conn.Object(bluezDBusService, dbus.ObjectPath("/org/bluez/"+adapterName))
	addr, err := adapter.GetProperty("org.bluez.Adapter1.Address")
	if err != nil {
		dErr := dbus.Error{}
		if errors.As(err, &dErr) && dErr.Name == "org.freedesktop.DBus.Error.UnknownObject" {
			return AdapterStatus{}, nil
		}
		return AdapterStatus{}, errw.Wrapf(err, "getting bluetooth adapter %s", adapterName)
	}
	status := AdapterStatus{Found: true}
	if s, ok := addr.Value().(string); ok {
		status.Address = s
	}
	return status, nil
}

// prepareAdapter confirms the adapter exists, warns about old bluetoothd versions, and clears services left behind
// by a previous run.
func prepareAdapter(ctx context.Context, logger logging.Logger, adapterName string) error {
	status, err := ProbeAdapter(adapterName)
	if err != nil {
		return err
	}
	if !status.Found {
		return errw.Wrapf(ErrNoAdapter, "%s", adapterName)
	}
	logger.Infof("Using bluetooth adapter %s (%s)", adapterName, status.Address)

	if err := checkBluetoothdVersion(ctx, logger); err != nil {
		logger.Warn(err)
	}

	removeStaleServices(logger, adapterName)
	return nil
}

func checkBluetoothdVersion(ctx context.Context, logger logging.Logger) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, time.Second*15)
	defer cancel()
	cmd := exec.CommandContext(timeoutCtx, "bluetoothctl", "version")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return errw.Wrapf(err, "running 'bluetoothctl version' failed and returned: %s", string(output))
	}

	version, ok := parseBluetoothctlVersion(output)
	if !ok {
		logger.Warnf("cannot parse output (%s) returned from 'bluetoothctl version'", output)
		return nil
	}

	sv, err := semver.NewVersion(version)
	if err != nil {
		logger.Warn(err)
		return nil
	}

	if !sv.GreaterThanEqual(semver.MustParse(minBluetoothd)) {
		logger.Warnf("bluetooth version %s is less than %s, functionality may be limited", version, minBluetoothd)
	}
	return nil
}

var bluetoothctlVersionRe = regexp.MustCompile(`Version\s+([0-9]+\.[0-9]+)`)

func parseBluetoothctlVersion(output []byte) (string, bool) {
	matches := bluetoothctlVersionRe.FindSubmatch(output)
	if len(matches) != 2 {
		return "", false
	}
	return string(matches[1]), true
}

// removeStaleServices unregisters GATT applications from an earlier run of this process.
// tinygo/bluetooth has no RemoveService() and names services sequentially, so walk the first few paths.
func removeStaleServices(logger logging.Logger, adapterName string) {
	conn, err := dbus.SystemBus()
	if err != nil {
		logger.Debug(err)
		return
	}
	adapter := conn.Object(bluezDBusService, dbus.ObjectPath("/org/bluez/"+adapterName))
	for id := range 64 {
		path := dbus.ObjectPath(fmt.Sprintf("/org/tinygo/bluetooth/service%d", id))
		if err := adapter.Call("org.bluez.GattManager1.UnregisterApplication", 0, path).Err; err == nil {
			logger.Debugf("removed gatt service %s", path)
		}
	}
}
