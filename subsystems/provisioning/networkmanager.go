package provisioning

import (
	"context"
	"os/exec"
	"strconv"
	"strings"

	"github.com/medicam/agent/utils"
	errw "github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

// NetworkManager is the backend the executor and the supervisor drive.
type NetworkManager interface {
	// Scan returns the visible networks as reported by the backend, unfiltered.
	Scan(ctx context.Context) ([]WifiNetwork, error)
	// Connect joins ssid. Success is decided by the backend alone.
	Connect(ctx context.Context, ssid, psk string) error
	Connectivity(ctx context.Context) (ConnState, error)
	Close() error
}

// ConnState is NetworkManager's overall state ("connected", "disconnected", "connecting"...) and connectivity
// ("full", "limited", "portal", "none", "unknown").
type ConnState struct {
	State        string
	Connectivity string
}

// Connected is true for any of NetworkManager's connected states, including local and site only.
func (c ConnState) Connected() bool {
	return strings.HasPrefix(c.State, "connected")
}

// Online is true when NetworkManager has confirmed internet access.
func (c ConnState) Online() bool {
	return c.Connected() && c.Connectivity == "full"
}

// CommandRunner runs a command and returns its combined output.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	//nolint:gosec
	cmd := exec.CommandContext(ctx, name, args...)
	utils.PlatformSubprocessSettings(cmd)
	return cmd.CombinedOutput()
}

// NewNetworkManager returns the configured backend.
func NewNetworkManager(logger logging.Logger, backend, iface string) (NetworkManager, error) {
	switch backend {
	case utils.BackendNMCLI, "":
		return NewNMCLI(logger, iface, execRunner{}), nil
	case utils.BackendDBus:
		return newDBusNetworkManager(logger, iface)
	default:
		return nil, errw.Errorf("unknown network backend %q", backend)
	}
}

// NMCLI drives NetworkManager through its command line client.
type NMCLI struct {
	logger logging.Logger
	iface  string
	runner CommandRunner
}

func NewNMCLI(logger logging.Logger, iface string, runner CommandRunner) *NMCLI {
	return &NMCLI{logger: logger, iface: iface, runner: runner}
}

func (n *NMCLI) withIface(args ...string) []string {
	if n.iface != "" {
		args = append(args, "ifname", n.iface)
	}
	return args
}

func (n *NMCLI) Scan(ctx context.Context) ([]WifiNetwork, error) {
	// a failed rescan (e.g. "scanning not allowed while already scanning") still leaves a usable cached list
	if out, err := n.runner.Run(ctx, "nmcli", n.withIface("device", "wifi", "rescan")...); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		n.logger.Debugf("nmcli rescan failed, using cached results: %s", strings.TrimSpace(string(out)))
	}

	out, err := n.runner.Run(ctx, "nmcli", n.withIface("-t", "-f", "SSID,SIGNAL", "device", "wifi", "list")...)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errw.Wrapf(err, "listing wifi networks: %s", strings.TrimSpace(string(out)))
	}
	return parseNMCLIWifiList(out), nil
}

func (n *NMCLI) Connect(ctx context.Context, ssid, psk string) error {
	args := []string{"device", "wifi", "connect", ssid}
	if psk != "" {
		args = append(args, "password", psk)
	}
	out, err := n.runner.Run(ctx, "nmcli", n.withIface(args...)...)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msg := strings.TrimSpace(string(out))
		if strings.Contains(msg, "Secrets were required") || strings.Contains(msg, "802-11-wireless-security.psk") {
			return errw.Wrap(ErrBadPassword, msg)
		}
		return errw.Errorf("nmcli connect failed: %s", msg)
	}
	return nil
}

func (n *NMCLI) Connectivity(ctx context.Context) (ConnState, error) {
	out, err := n.runner.Run(ctx, "nmcli", "-t", "-f", "STATE,CONNECTIVITY", "general")
	if err != nil {
		return ConnState{}, errw.Wrapf(err, "checking network state: %s", strings.TrimSpace(string(out)))
	}
	fields := splitTerse(strings.TrimSpace(string(out)))
	state := ConnState{State: "unknown", Connectivity: "unknown"}
	if len(fields) > 0 && fields[0] != "" {
		state.State = fields[0]
	}
	if len(fields) > 1 && fields[1] != "" {
		state.Connectivity = fields[1]
	}
	return state, nil
}

func (n *NMCLI) Close() error {
	return nil
}

// parseNMCLIWifiList parses `nmcli -t -f SSID,SIGNAL` output. Unparsable signals become 0.
func parseNMCLIWifiList(out []byte) []WifiNetwork {
	var networks []WifiNetwork
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := splitTerse(line)
		nw := WifiNetwork{SSID: fields[0]}
		if len(fields) > 1 {
			signal, err := strconv.Atoi(strings.TrimSpace(fields[len(fields)-1]))
			if err == nil {
				nw.Signal = signal
			}
		}
		networks = append(networks, nw)
	}
	return networks
}

// splitTerse splits one line of nmcli terse output on unescaped colons, unescaping `\:` and `\\`.
func splitTerse(line string) []string {
	var fields []string
	var cur strings.Builder
	escaped := false
	for _, r := range line {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
		case r == ':':
			fields = append(fields, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	return append(fields, cur.String())
}
