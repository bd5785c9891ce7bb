package systemd

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/medicam/agent/utils"
	sysd "github.com/sergeymakinen/go-systemdconf/v2"
	"github.com/sergeymakinen/go-systemdconf/v2/unit"
)

const (
	ProvisioningUnitName = "medicam-ble"
	SupervisorUnitName   = "medicam-supervisor"
	CameraUnitName       = "medicam-camera"
)

// Unit is the subset of a systemd service unit the agent generates.
type Unit struct {
	Name        string
	Description string
	ExecStart   []string
	After       []string
	Wants       []string
	Restart     string
	RestartSec  time.Duration
	// WantedBy is left empty for units that are only started on demand.
	WantedBy []string
	Enable   bool
}

// Marshal renders the unit file.
func (u Unit) Marshal() ([]byte, error) {
	if u.Name == "" || len(u.ExecStart) == 0 {
		return nil, fmt.Errorf("unit requires a name and ExecStart")
	}
	file := &unit.ServiceFile{}
	file.Unit.Description = sysd.Value{u.Description}
	if len(u.After) > 0 {
		file.Unit.After = sysd.Value{strings.Join(u.After, " ")}
	}
	if len(u.Wants) > 0 {
		file.Unit.Wants = sysd.Value{strings.Join(u.Wants, " ")}
	}

	file.Service.Type = sysd.Value{"simple"}
	file.Service.ExecStart = sysd.Value{strings.Join(u.ExecStart, " ")}
	if u.Restart != "" {
		file.Service.Restart = sysd.Value{u.Restart}
	}
	if u.RestartSec > 0 {
		file.Service.RestartSec = sysd.Value{fmt.Sprintf("%ds", int(u.RestartSec.Seconds()))}
	}

	if len(u.WantedBy) > 0 {
		file.Install.WantedBy = sysd.Value{strings.Join(u.WantedBy, " ")}
	}
	return sysd.Marshal(file)
}

// AgentUnits returns the units making up the appliance agent, pointing at
// binaries in the medicam bin directory and the given config file.
func AgentUnits(configPath string) []Unit {
	bin := func(name string) string { return filepath.Join(utils.MedicamDirs.Bin, name) }
	return []Unit{
		{
			// started and stopped by the supervisor, never enabled directly
			Name:        ProvisioningUnitName,
			Description: "Medicam BLE provisioning service",
			ExecStart:   []string{bin("medicam-agent"), "--config", configPath},
			After:       []string{"bluetooth.target", "NetworkManager.service"},
			Wants:       []string{"bluetooth.target"},
			Restart:     "on-failure",
			RestartSec:  5 * time.Second,
		},
		{
			Name:        SupervisorUnitName,
			Description: "Medicam provisioning supervisor",
			ExecStart:   []string{bin("medicam-supervisor"), "--config", configPath},
			After:       []string{"NetworkManager.service"},
			Restart:     "always",
			RestartSec:  5 * time.Second,
			WantedBy:    []string{"multi-user.target"},
			Enable:      true,
		},
		{
			Name:        CameraUnitName,
			Description: "Medicam camera recorder",
			ExecStart:   []string{bin("medicam-camera"), "--config", configPath},
			After:       []string{"network.target"},
			Restart:     "always",
			RestartSec:  5 * time.Second,
			WantedBy:    []string{"multi-user.target"},
			Enable:      true,
		},
	}
}
