package provisioning

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Kind identifies a command.
type Kind int

const (
	KindUnknown Kind = iota
	KindPing
	KindScanWifi
	KindConnectWifi
	KindStatus
	KindReset
)

var kindNames = map[Kind]string{
	KindPing:        "PING",
	KindScanWifi:    "SCAN_WIFI",
	KindConnectWifi: "CONNECT_WIFI",
	KindStatus:      "STATUS",
	KindReset:       "RESET",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "UNKNOWN"
}

// Command is one parsed request.
type Command struct {
	Kind     Kind
	SSID     string
	Password string
	// Raw holds the unrecognized cmd value for KindUnknown.
	Raw string
}

// String never includes the password.
func (c Command) String() string {
	switch c.Kind {
	case KindConnectWifi:
		pw := "<none>"
		if c.Password != "" {
			pw = "<redacted>"
		}
		return fmt.Sprintf("%s ssid=%q password=%s", c.Kind, c.SSID, pw)
	case KindUnknown:
		return fmt.Sprintf("%s (%q)", c.Kind, c.Raw)
	default:
		return c.Kind.String()
	}
}

type wireCommand struct {
	Cmd      json.RawMessage `json:"cmd"`
	SSID     *string         `json:"ssid"`
	Password *string         `json:"password"`
}

// ParseCommand decodes one JSON object. The cmd field is matched case-insensitively and unknown fields are ignored.
// Only undecodable input is an error (ErrInvalidJSON); semantic problems such as a missing ssid are left to the
// dispatcher.
func ParseCommand(data []byte) (Command, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return Command{}, ErrInvalidJSON
	}

	var wire wireCommand
	if err := json.Unmarshal(data, &wire); err != nil {
		return Command{}, ErrInvalidJSON
	}

	var cmd Command
	if wire.SSID != nil {
		cmd.SSID = *wire.SSID
	}
	if wire.Password != nil {
		cmd.Password = *wire.Password
	}

	var name string
	if err := json.Unmarshal(wire.Cmd, &name); err != nil {
		// missing, null, or not a string
		cmd.Raw = string(wire.Cmd)
		return cmd, nil
	}

	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "PING":
		cmd.Kind = KindPing
	case "SCAN_WIFI":
		cmd.Kind = KindScanWifi
	case "CONNECT_WIFI":
		cmd.Kind = KindConnectWifi
	case "STATUS":
		cmd.Kind = KindStatus
	case "RESET":
		cmd.Kind = KindReset
	default:
		cmd.Raw = name
	}
	return cmd, nil
}

// Encode is the inverse of ParseCommand, used by clients.
func (c Command) Encode() ([]byte, error) {
	out := map[string]string{"cmd": c.Kind.String()}
	if c.Kind == KindUnknown {
		out["cmd"] = c.Raw
	}
	if c.Kind == KindConnectWifi {
		out["ssid"] = c.SSID
		if c.Password != "" {
			out["password"] = c.Password
		}
	}
	return json.Marshal(out)
}
