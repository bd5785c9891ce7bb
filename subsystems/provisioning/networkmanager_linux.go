package provisioning

import (
	"context"
	"time"

	semver "github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	errw "github.com/pkg/errors"
	gnm "github.com/viamrobotics/gonetworkmanager/v2"
	"go.viam.com/rdk/logging"
	goutils "go.viam.com/utils"
)

// profileSettings is the part of gnm.Settings used to manage saved wifi profiles.
type profileSettings interface {
	ListConnections() ([]gnm.Connection, error)
	AddConnection(settings gnm.ConnectionSettings) (gnm.Connection, error)
}

// dbusNetworkManager talks to NetworkManager directly over the system bus.
type dbusNetworkManager struct {
	logger   logging.Logger
	iface    string
	nm       gnm.NetworkManager
	settings profileSettings
}

func newDBusNetworkManager(logger logging.Logger, iface string) (NetworkManager, error) {
	nm, err := gnm.NewNetworkManager()
	if err != nil {
		return nil, errw.Wrap(ErrNM, err.Error())
	}

	ver, err := nm.GetPropertyVersion()
	if err != nil {
		return nil, errw.Wrap(ErrNM, err.Error())
	}
	logger.Infof("Found NetworkManager version: %s", ver)

	sv, err := semver.NewVersion(ver)
	if err != nil {
		return nil, errw.Wrapf(ErrNM, "parsing version %q: %s", ver, err)
	}
	if !sv.GreaterThanEqual(semver.MustParse("1.30.0")) {
		return nil, errw.Wrapf(ErrNM, "version %s is older than 1.30", ver)
	}

	// Bail out early if there's no wifi radio. Older versions will fail later when no wifi device is found.
	if sv.GreaterThanEqual(semver.MustParse("1.38.0")) {
		flags, err := nm.GetPropertyRadioFlags()
		if err != nil {
			return nil, errw.Wrap(ErrNoWifi, err.Error())
		}
		if flags&gnm.NmRadioFlagsWlanAvailable != gnm.NmRadioFlagsWlanAvailable {
			return nil, ErrNoWifi
		}
	}

	settings, err := gnm.NewSettings()
	if err != nil {
		return nil, errw.Wrap(ErrNM, err.Error())
	}

	return &dbusNetworkManager{logger: logger, iface: iface, nm: nm, settings: settings}, nil
}

// wifiDevice returns the configured interface, or the first wifi device when none is configured.
func (d *dbusNetworkManager) wifiDevice() (gnm.DeviceWireless, error) {
	devices, err := d.nm.GetDevices()
	if err != nil {
		return nil, errw.Wrap(err, "getting NetworkManager devices")
	}
	for _, device := range devices {
		devType, err := device.GetPropertyDeviceType()
		if err != nil {
			d.logger.Warn(errw.Wrap(err, "getting device type"))
			continue
		}
		if devType != gnm.NmDeviceTypeWifi {
			continue
		}
		if d.iface != "" {
			ifName, err := device.GetPropertyInterface()
			if err != nil || ifName != d.iface {
				continue
			}
		}
		wifiDev, ok := device.(gnm.DeviceWireless)
		if ok {
			return wifiDev, nil
		}
	}
	if d.iface != "" {
		return nil, errw.Wrapf(ErrNoWifi, "interface %s", d.iface)
	}
	return nil, ErrNoWifi
}

func (d *dbusNetworkManager) Scan(ctx context.Context) ([]WifiNetwork, error) {
	wifiDev, err := d.wifiDevice()
	if err != nil {
		return nil, err
	}

	prevScan, err := wifiDev.GetPropertyLastScan()
	if err != nil {
		return nil, errw.Wrap(err, "getting last wifi scan")
	}

	if err := wifiDev.RequestScan(); err != nil {
		return nil, errw.Wrap(err, "requesting wifi scan")
	}

	for {
		lastScan, err := wifiDev.GetPropertyLastScan()
		if err != nil {
			return nil, errw.Wrap(err, "getting last wifi scan")
		}
		if lastScan > prevScan {
			break
		}
		if !goutils.SelectContextOrWait(ctx, time.Second) {
			if errw.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, ErrScanTimeout
			}
			return nil, ctx.Err()
		}
	}

	aps, err := wifiDev.GetAccessPoints()
	if err != nil {
		return nil, errw.Wrap(err, "scanning wifi")
	}

	networks := make([]WifiNetwork, 0, len(aps))
	for _, ap := range aps {
		ssid, err := ap.GetPropertySSID()
		if err != nil {
			d.logger.Warn(errw.Wrap(err, "getting ssid of discovered wifi network"))
			continue
		}
		signal, err := ap.GetPropertyStrength()
		if err != nil {
			d.logger.Warn(errw.Wrap(err, "getting signal strength of discovered wifi network"))
			continue
		}
		networks = append(networks, WifiNetwork{SSID: ssid, Signal: int(signal)})
	}
	return networks, nil
}

func profileID(ssid string) string {
	return "medicam-" + ssid
}

func generateWifiSettings(ssid, psk, iface string) gnm.ConnectionSettings {
	settings := gnm.ConnectionSettings{
		"connection": map[string]any{
			"id":          profileID(ssid),
			"uuid":        uuid.New().String(),
			"type":        "802-11-wireless",
			"autoconnect": true,
		},
		"802-11-wireless": map[string]any{
			"mode": "infrastructure",
			"ssid": []byte(ssid),
		},
		"ipv4": map[string]any{"method": "auto"},
		"ipv6": map[string]any{"method": "auto"},
	}
	if iface != "" {
		settings["connection"]["interface-name"] = iface
	}
	if psk != "" {
		settings["802-11-wireless-security"] = map[string]any{"key-mgmt": "wpa-psk", "psk": psk}
	}
	return settings
}

func (d *dbusNetworkManager) Connect(ctx context.Context, ssid, psk string) error {
	wifiDev, err := d.wifiDevice()
	if err != nil {
		return err
	}

	conn, err := d.addOrUpdateProfile(ssid, psk)
	if err != nil {
		return err
	}

	if err := d.activate(ctx, wifiDev, conn, ssid); err != nil {
		// a profile that never came up (wrong psk, out of range) must not keep autoconnecting
		if derr := conn.Delete(); derr != nil {
			d.logger.Warn(errw.Wrapf(derr, "removing profile for %s", ssid))
		}
		return err
	}
	return nil
}

// addOrUpdateProfile rewrites the saved profile for ssid, or adds one if there is none.
// Extra profiles with the same id are removed.
func (d *dbusNetworkManager) addOrUpdateProfile(ssid, psk string) (gnm.Connection, error) {
	id := profileID(ssid)
	conns, err := d.settings.ListConnections()
	if err != nil {
		return nil, errw.Wrap(err, "listing connections")
	}

	var existing gnm.Connection
	var existingUUID any
	for _, c := range conns {
		cur, err := c.GetSettings()
		if err != nil {
			d.logger.Warn(errw.Wrap(err, "getting connection settings"))
			continue
		}
		if curID, _ := cur["connection"]["id"].(string); curID != id {
			continue
		}
		if existing != nil {
			d.logger.Debugf("removing duplicate profile %s", id)
			if err := c.Delete(); err != nil {
				d.logger.Warn(errw.Wrapf(err, "removing duplicate profile %s", id))
			}
			continue
		}
		existing = c
		existingUUID = cur["connection"]["uuid"]
	}

	settings := generateWifiSettings(ssid, psk, d.iface)
	if existing == nil {
		d.logger.Infof("Adding settings for network %s", id)
		conn, err := d.settings.AddConnection(settings)
		if err != nil {
			return nil, errw.Wrap(err, "adding new connection")
		}
		return conn, nil
	}

	d.logger.Infof("Updating settings for network %s", id)
	if existingUUID != nil {
		settings["connection"]["uuid"] = existingUUID
	}
	if err := existing.Update(settings); err != nil {
		return nil, errw.Wrapf(err, "updating connection %s", id)
	}
	return existing, nil
}

func (d *dbusNetworkManager) activate(ctx context.Context, wifiDev gnm.DeviceWireless, conn gnm.Connection, ssid string) error {
	changeChan := make(chan gnm.DeviceStateChange, 32)
	exitChan := make(chan struct{})
	defer close(exitChan)

	if err := wifiDev.SubscribeState(changeChan, exitChan); err != nil {
		return errw.Wrap(err, "monitoring connection activation")
	}

	if _, err := d.nm.ActivateConnection(conn, wifiDev, nil); err != nil {
		return errw.Wrapf(err, "activating connection for %s", ssid)
	}
	return waitForActivation(ctx, d.logger, changeChan, ssid)
}

// waitForActivation follows device state changes until the device comes up or fails.
func waitForActivation(ctx context.Context, logger logging.Logger, changeChan <-chan gnm.DeviceStateChange, ssid string) error {
	for {
		select {
		case update := <-changeChan:
			logger.Debugf("%s->%s (%s)", update.OldState, update.NewState, update.Reason)
			//nolint:exhaustive
			switch update.NewState {
			case gnm.NmDeviceStateActivated:
				return nil
			case gnm.NmDeviceStateFailed:
				if update.Reason == gnm.NmDeviceStateReasonNoSecrets {
					return errw.Wrapf(ErrBadPassword, "activating connection for %s", ssid)
				}
				return errw.Errorf("connection failed: %s", update.Reason)
			default:
			}
		case <-ctx.Done():
			return errw.Wrap(ctx.Err(), "waiting for network activation")
		}
	}
}

func (d *dbusNetworkManager) Connectivity(ctx context.Context) (ConnState, error) {
	state, err := d.nm.State()
	if err != nil {
		return ConnState{}, err
	}

	out := ConnState{Connectivity: "unknown"}
	//nolint:exhaustive
	switch state {
	case gnm.NmStateConnectedGlobal:
		out.State = "connected"
		out.Connectivity = "full"
	case gnm.NmStateConnectedSite:
		out.State = "connected (site only)"
		out.Connectivity = "limited"
	case gnm.NmStateConnectedLocal:
		out.State = "connected (local only)"
		out.Connectivity = "limited"
	case gnm.NmStateConnecting:
		out.State = "connecting"
	case gnm.NmStateDisconnecting:
		out.State = "disconnecting"
	case gnm.NmStateDisconnected, gnm.NmStateAsleep:
		out.State = "disconnected"
		out.Connectivity = "none"
	default:
		out.State = "unknown"
	}
	return out, nil
}

func (d *dbusNetworkManager) Close() error {
	return nil
}
