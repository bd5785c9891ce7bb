package utils

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	errw "github.com/pkg/errors"
	"github.com/tidwall/jsonc"
)

const (
	BackendNMCLI = "nmcli"
	BackendDBus  = "dbus"

	TransportBLE    = "ble"
	TransportTCP    = "tcp"
	TransportUnix   = "unix"
	TransportSerial = "serial"
)

var (
	DefaultConfiguration = AgentConfig{
		Provisioning: ProvisioningConfig{
			DeviceName:         "medicam",
			StateFile:          "",
			Backend:            BackendNMCLI,
			WifiInterface:      "",
			MinSignal:          30,
			MaxNetworks:        10,
			ScanTimeout:        Timeout(time.Second * 15),
			ConnectTimeout:     Timeout(time.Second * 60),
			Transports:         []TransportConfig{{Type: TransportBLE}},
			BLEChunkSize:       180,
			MaxPayloadBytes:    4096,
			BluetoothAdapter:   "hci0",
			SessionReadTimeout: Timeout(time.Second * 60),
		},
		Supervisor: SupervisorConfig{
			UnitName:     "medicam-ble.service",
			PollInterval: Timeout(time.Second * 10),
			MaxBackoff:   Timeout(time.Minute),
		},
		Recorder: RecorderConfig{
			VideoDir:   "",
			Device:     "/dev/video0",
			Resolution: "FHD",
			FPS:        30,
			HTTPBind:   ":8080",
		},
		AdvancedSettings: AdvancedSettings{
			Debug: Tribool(0),
		},
	}

	// ErrConfigUnreadable marks a config file that exists but could not be read or parsed.
	ErrConfigUnreadable = errors.New("config file unreadable")

	// Can be overwritten via cli arguments.
	ConfigFilePath = "/etc/medicam/agent.json"
	CLIDebug       = false
)

//nolint:recvcheck
type Tribool int

func (b Tribool) Get() bool {
	return b > 0
}

func (b Tribool) IsSet() bool {
	return b != 0
}

func (b Tribool) MarshalJSON() ([]byte, error) {
	if b == 1 {
		return []byte("true"), nil
	}
	return []byte("false"), nil
}

func (b *Tribool) UnmarshalJSON(data []byte) error {
	switch string(data) {
	case "true":
		*b = 1
	case "false":
		*b = -1
	default:
		*b = 0
	}
	return nil
}

type AgentConfig struct {
	Provisioning     ProvisioningConfig `json:"provisioning,omitempty"`
	Supervisor       SupervisorConfig   `json:"supervisor,omitempty"`
	Recorder         RecorderConfig     `json:"recorder,omitempty"`
	AdvancedSettings AdvancedSettings   `json:"advanced_settings,omitempty"`
}

type AdvancedSettings struct {
	Debug Tribool `json:"debug,omitempty"`
}

type ProvisioningConfig struct {
	// Advertised BLE local name.
	DeviceName string `json:"device_name,omitempty"`

	// Location of provision.json, defaults to <state dir>/provision.json
	StateFile string `json:"state_file,omitempty"`

	// "nmcli" or "dbus"
	Backend string `json:"backend,omitempty"`

	// Ex: "wlan0". Empty lets the backend pick the first wifi device.
	WifiInterface string `json:"wifi_interface,omitempty"`

	// Networks weaker than this (0-100) are not reported by scans.
	MinSignal   int `json:"min_signal,omitempty"`
	MaxNetworks int `json:"max_networks,omitempty"`

	ScanTimeout    Timeout `json:"scan_timeout,omitempty"`
	ConnectTimeout Timeout `json:"connect_timeout,omitempty"`

	Transports []TransportConfig `json:"transports,omitempty"`

	BLEChunkSize     int    `json:"ble_chunk_size,omitempty"`
	MaxPayloadBytes  int    `json:"max_payload_bytes,omitempty"`
	BluetoothAdapter string `json:"bluetooth_adapter,omitempty"`

	// Idle read deadline for line sessions.
	SessionReadTimeout Timeout `json:"session_read_timeout,omitempty"`
}

type TransportConfig struct {
	// "ble", "tcp", "unix", "serial"
	Type string `json:"type,omitempty"`

	// tcp: host:port, unix: socket path, serial: device path
	Address string `json:"address,omitempty"`

	BaudRate int `json:"baud_rate,omitempty"`

	// Keep a line session open after the first command completes.
	KeepOpen Tribool `json:"keep_open,omitempty"`
}

type SupervisorConfig struct {
	UnitName     string  `json:"unit_name,omitempty"`
	PollInterval Timeout `json:"poll_interval,omitempty"`
	MaxBackoff   Timeout `json:"max_backoff,omitempty"`
}

type RecorderConfig struct {
	VideoDir   string `json:"video_dir,omitempty"`
	Device     string `json:"device,omitempty"`
	Resolution string `json:"resolution,omitempty"`
	FPS        int    `json:"fps,omitempty"`
	HTTPBind   string `json:"http_bind,omitempty"`
}

func DefaultConfig() AgentConfig {
	cfg := AgentConfig{}
	// round-trip to get a deep copy of the default config
	defBytes, err := json.Marshal(DefaultConfiguration)
	if err != nil {
		panic(err)
	}
	err = json.Unmarshal(defBytes, &cfg)
	if err != nil {
		panic(err)
	}
	return cfg
}

func ApplyCLIArgs(cfg AgentConfig) AgentConfig {
	if CLIDebug {
		cfg.AdvancedSettings.Debug = 1
	}
	return cfg
}

// LoadConfig reads the (json with comments) config file at path and stacks it over the defaults.
// A missing file is not an error. The returned config is always usable, even when errors are returned.
// Errors that left the file unused match ErrConfigUnreadable.
func LoadConfig(path string) (AgentConfig, error) {
	cfg := DefaultConfig()
	var errOut error

	//nolint:gosec
	jsonBytes, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			errOut = errors.Join(errOut, ErrConfigUnreadable, errw.Wrapf(err, "reading %s", path))
		}
	} else {
		fileCfg := AgentConfig{}
		if err := json.Unmarshal(jsonc.ToJSON(jsonBytes), &fileCfg); err != nil {
			errOut = errors.Join(errOut, ErrConfigUnreadable, errw.Wrapf(err, "parsing %s", path))
		} else {
			cfgTmp, err := StackConfigs(cfg, fileCfg)
			if err != nil {
				errOut = errors.Join(errOut, ErrConfigUnreadable, err)
			} else {
				cfg = cfgTmp
			}
		}
	}

	validatedCfg, err := validateConfig(cfg)
	return ApplyCLIArgs(validatedCfg), errors.Join(errOut, err)
}

// StackConfigs merges nextCfg over startCfg.
func StackConfigs(startCfg, nextCfg AgentConfig) (AgentConfig, error) {
	cfg := startCfg
	var errOut error

	jsonBytes, err := json.Marshal(nextCfg)
	if err != nil {
		errOut = errors.Join(errOut, err)
	} else {
		// lists replace rather than merge
		if len(nextCfg.Provisioning.Transports) > 0 {
			cfg.Provisioning.Transports = nil
		}
		if err := json.Unmarshal(jsonBytes, &cfg); err != nil {
			errOut = errors.Join(errOut, err)
		}
	}
	return cfg, errOut
}

// validateConfig enforces min/max values, returning a "corrected" config and error(s) for each issue encountered.
// Should only be called where input will NEVER be reused due to direct modification of struct fields.
func validateConfig(cfg AgentConfig) (AgentConfig, error) {
	var errOut error
	def := DefaultConfiguration

	// Provisioning
	if cfg.Provisioning.DeviceName == "" {
		cfg.Provisioning.DeviceName = def.Provisioning.DeviceName
		errOut = errors.Join(errOut, errw.New("provisioning.device_name should not be empty, please omit empty fields entirely"))
	}
	// leave room for the 0x09 AD header within a 31 byte advertisement
	if len(cfg.Provisioning.DeviceName) > 29 {
		errOut = errors.Join(errOut, errw.New("provisioning.device_name is being truncated to 29 characters"))
		cfg.Provisioning.DeviceName = cfg.Provisioning.DeviceName[:29]
	}

	if cfg.Provisioning.StateFile == "" {
		cfg.Provisioning.StateFile = filepath.Join(MedicamDirs.State, "provision.json")
	}

	if cfg.Provisioning.Backend != BackendNMCLI && cfg.Provisioning.Backend != BackendDBus {
		errOut = errors.Join(errOut, errw.Errorf("provisioning.backend can only be '%s' or '%s' (was: %s)",
			BackendNMCLI, BackendDBus, cfg.Provisioning.Backend))
		cfg.Provisioning.Backend = def.Provisioning.Backend
	}

	if len(cfg.Provisioning.WifiInterface) > 15 || regexp.MustCompile(`\s`).MatchString(cfg.Provisioning.WifiInterface) {
		errOut = errors.Join(errOut, errw.Errorf("provisioning.wifi_interface (%s) must be 15 characters or less, without spaces",
			cfg.Provisioning.WifiInterface))
		cfg.Provisioning.WifiInterface = def.Provisioning.WifiInterface
	}

	if cfg.Provisioning.MinSignal < 0 || cfg.Provisioning.MinSignal > 100 {
		errOut = errors.Join(errOut, errw.Errorf("provisioning.min_signal must be between 0 and 100 (was: %d)",
			cfg.Provisioning.MinSignal))
		cfg.Provisioning.MinSignal = def.Provisioning.MinSignal
	}

	if cfg.Provisioning.MaxNetworks <= 0 {
		cfg.Provisioning.MaxNetworks = def.Provisioning.MaxNetworks
	}

	if time.Duration(cfg.Provisioning.ScanTimeout) < time.Second {
		errOut = errors.Join(errOut, errw.Errorf("provisioning.scan_timeout must be >= 1s (was: %s)",
			time.Duration(cfg.Provisioning.ScanTimeout)))
		cfg.Provisioning.ScanTimeout = def.Provisioning.ScanTimeout
	}
	if time.Duration(cfg.Provisioning.ConnectTimeout) < time.Second {
		errOut = errors.Join(errOut, errw.Errorf("provisioning.connect_timeout must be >= 1s (was: %s)",
			time.Duration(cfg.Provisioning.ConnectTimeout)))
		cfg.Provisioning.ConnectTimeout = def.Provisioning.ConnectTimeout
	}
	if time.Duration(cfg.Provisioning.SessionReadTimeout) <= 0 {
		cfg.Provisioning.SessionReadTimeout = def.Provisioning.SessionReadTimeout
	}

	// 20 bytes is the smallest usable ATT payload (23 byte default MTU)
	if cfg.Provisioning.BLEChunkSize < 20 || cfg.Provisioning.BLEChunkSize > 512 {
		errOut = errors.Join(errOut, errw.Errorf("provisioning.ble_chunk_size must be between 20 and 512 (was: %d)",
			cfg.Provisioning.BLEChunkSize))
		cfg.Provisioning.BLEChunkSize = def.Provisioning.BLEChunkSize
	}
	if cfg.Provisioning.MaxPayloadBytes <= 0 {
		cfg.Provisioning.MaxPayloadBytes = def.Provisioning.MaxPayloadBytes
	}
	if !regexp.MustCompile(`^hci[0-9]+$`).MatchString(cfg.Provisioning.BluetoothAdapter) {
		errOut = errors.Join(errOut, errw.Errorf("provisioning.bluetooth_adapter must look like hciN (was: %s)",
			cfg.Provisioning.BluetoothAdapter))
		cfg.Provisioning.BluetoothAdapter = def.Provisioning.BluetoothAdapter
	}

	var transports []TransportConfig
	for _, tc := range cfg.Provisioning.Transports {
		tc.Type = strings.ToLower(tc.Type)
		switch tc.Type {
		case TransportBLE:
		case TransportTCP, TransportUnix, TransportSerial:
			if tc.Address == "" {
				errOut = errors.Join(errOut, errw.Errorf("transport %s requires an address", tc.Type))
				continue
			}
			if tc.Type == TransportSerial && tc.BaudRate <= 0 {
				tc.BaudRate = 115200
			}
		default:
			errOut = errors.Join(errOut, errw.Errorf("transport has invalid type (%s), must be one of "+
				"ble, tcp, unix, or serial", tc.Type))
			continue
		}
		transports = append(transports, tc)
	}
	if len(transports) == 0 {
		errOut = errors.Join(errOut, errw.New("no valid provisioning transports configured, falling back to ble"))
		transports = []TransportConfig{{Type: TransportBLE}}
	}
	cfg.Provisioning.Transports = transports

	// Supervisor
	if cfg.Supervisor.UnitName == "" {
		cfg.Supervisor.UnitName = def.Supervisor.UnitName
	}
	if time.Duration(cfg.Supervisor.PollInterval) < time.Second {
		errOut = errors.Join(errOut, errw.Errorf("supervisor.poll_interval must be >= 1s (was: %s)",
			time.Duration(cfg.Supervisor.PollInterval)))
		cfg.Supervisor.PollInterval = def.Supervisor.PollInterval
	}
	if cfg.Supervisor.MaxBackoff < cfg.Supervisor.PollInterval {
		cfg.Supervisor.MaxBackoff = cfg.Supervisor.PollInterval
	}

	// Recorder
	if cfg.Recorder.VideoDir == "" {
		cfg.Recorder.VideoDir = filepath.Join(MedicamDirs.State, "videos")
	}
	if cfg.Recorder.Device == "" {
		cfg.Recorder.Device = def.Recorder.Device
	}
	if cfg.Recorder.FPS <= 0 || cfg.Recorder.FPS > 120 {
		errOut = errors.Join(errOut, errw.Errorf("recorder.fps must be between 1 and 120 (was: %d)", cfg.Recorder.FPS))
		cfg.Recorder.FPS = def.Recorder.FPS
	}
	if cfg.Recorder.HTTPBind == "" {
		cfg.Recorder.HTTPBind = def.Recorder.HTTPBind
	}

	return cfg, errOut
}

// Timeout allows parsing golang-style durations (1h20m30s) OR minutes-as-float from/to json.
type Timeout time.Duration

func (t Timeout) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(t).String())
}

func (t *Timeout) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		*t = Timeout(value * float64(time.Minute))
		return nil
	case string:
		tmp, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		*t = Timeout(tmp)
		return nil
	default:
		return errw.Errorf("invalid duration: %#v", v)
	}
}
