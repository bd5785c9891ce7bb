// Package provisioning is the Wi-Fi provisioning command service: it accepts small JSON commands over BLE or
// line-oriented transports, runs scan/connect actions against NetworkManager, and records the outcome.
package provisioning

import (
	"time"

	errw "github.com/pkg/errors"
)

// This file contains type, const, and var definitions.

const (
	SubsysName = "provisioning"

	// Random (v4) UUID for namespace.
	uuidNamespace = "0b8d4bb1-6f47-4a63-9a8e-3f2d6c1e7a52"

	// These values will be combined into Sha1 (v5) UUIDs along with the above namespace.
	serviceNameKey = "medicam-provisioning"
	commandKey     = "command"
	responseKey    = "response"

	// Response statuses.
	StatusOK          = "ok"
	StatusStartedScan = "started_scan"
	StatusConnecting  = "connecting"
	StatusConnected   = "connected"
	StatusFailed      = "failed"
	StatusBusy        = "busy"
	StatusError       = "error"

	// Response error codes.
	CodeInvalidJSON     = "invalid_json"
	CodeUnknownCommand  = "unknown_command"
	CodeMissingSSID     = "missing_ssid"
	CodePayloadTooLarge = "payload_too_large"
	CodePersistFailed   = "persist_failed"
	CodeScanFailed      = "scan_failed"
	CodeConnectFailed   = "connect_failed"
	CodeBadPassword     = "bad_password"
	CodeTimeout         = "timeout"
	CodeInternal        = "internal_error"

	maxSSIDBytes = 64
)

var (
	ErrNotProvisioned   = errw.New("device is not provisioned")
	ErrInvalidRecord    = errw.New("provisioned record requires an ssid")
	ErrInvalidJSON      = errw.New("command is not a valid json object")
	ErrPayloadTooLarge  = errw.New("command exceeds maximum payload size")
	ErrSessionClosed    = errw.New("session closed")
	ErrNoAdapter        = errw.New("bluetooth adapter not found")
	ErrNM               = errw.New("NetworkManager not available")
	ErrNoWifi           = errw.New("no wifi devices available")
	ErrScanTimeout      = errw.New("wifi scanning timed out")
	ErrBadPassword      = errw.New("bad or missing password")
	ErrBLEUnsupported   = errw.New("bluetooth peripheral mode is not supported on this platform")
	ErrUnknownTransport = errw.New("unknown transport type")

	// Grace period for background actions after Stop cancels them.
	stopGracePeriod = time.Second * 10

	// Extra time a one-shot line session waits for an async completion beyond the action timeout.
	lingerSlack = time.Second * 5
)

// WifiNetwork is one entry of a scan result.
type WifiNetwork struct {
	SSID   string `json:"ssid"`
	Signal int    `json:"signal"`
}
