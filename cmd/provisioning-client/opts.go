package main

import (
	"bytes"
	"fmt"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/medicam/agent/internal/lineclient"
	"github.com/medicam/agent/subsystems/provisioning"
)

const transportBLE = "ble"

//nolint:lll
var opts struct {
	Transport string        `default:"ble"      description:"How to reach the device: ble, tcp, unix, or serial"      long:"transport" short:"t"`
	Address   string        `description:"Address to dial for line transports (host:port, socket path, or serial device)" long:"address" short:"a"`
	BaudRate  int           `default:"115200"   description:"Baud rate for serial"                                    long:"baud"`
	Timeout   time.Duration `default:"90s"      description:"How long to wait for each response"                      long:"timeout"`

	BTScan   bool   `description:"List nearby bluetooth devices and exit" long:"scan"`
	BTFilter string `default:"medicam"                                    description:"Bluetooth device name prefix" long:"filter" short:"f"`

	Ping     bool   `description:"Check the service is responding" long:"ping"`
	Status   bool   `description:"Get provisioning status"         long:"status"    short:"s"`
	Networks bool   `description:"List wifi networks"             long:"networks"  short:"n"`
	WifiSSID string `description:"SSID to connect to"             long:"wifi-ssid"`
	WifiPSK  string `description:"PSK/Password for wifi"          long:"wifi-psk"`
	Reset    bool   `description:"Clear the provisioned record"   long:"reset"`

	Debug bool `description:"Enable debug logging"   long:"debug" short:"d"`
	Help  bool `description:"Show this help message" long:"help"  short:"h"`
}

func parseOpts() bool {
	parser := flags.NewParser(&opts, flags.IgnoreUnknown)
	parser.Usage = "sends provisioning commands to a medicam device."

	_, err := parser.Parse()
	if err != nil {
		panic(err)
	}

	if !opts.BTScan && len(commands()) == 0 {
		opts.Help = true
	}

	if opts.Help {
		var b bytes.Buffer
		parser.WriteHelp(&b)

		fmt.Println(b.String())
		return false
	}

	switch opts.Transport {
	case transportBLE:
	case lineclient.NetworkTCP, lineclient.NetworkUnix, lineclient.NetworkSerial:
		if opts.Address == "" {
			fmt.Printf("Error: --address is required for the %s transport\n", opts.Transport)
			return false
		}
	default:
		fmt.Printf("Error: unknown transport %q\n", opts.Transport)
		return false
	}

	if opts.WifiPSK != "" && opts.WifiSSID == "" {
		fmt.Println("Error: --wifi-psk requires --wifi-ssid")
		return false
	}

	return true
}

// commands returns the requested commands in the order they're sent.
func commands() []provisioning.Command {
	var cmds []provisioning.Command
	if opts.Ping {
		cmds = append(cmds, provisioning.Command{Kind: provisioning.KindPing})
	}
	if opts.Status {
		cmds = append(cmds, provisioning.Command{Kind: provisioning.KindStatus})
	}
	if opts.Networks {
		cmds = append(cmds, provisioning.Command{Kind: provisioning.KindScanWifi})
	}
	if opts.WifiSSID != "" {
		cmds = append(cmds, provisioning.Command{Kind: provisioning.KindConnectWifi, SSID: opts.WifiSSID, Password: opts.WifiPSK})
	}
	if opts.Reset {
		cmds = append(cmds, provisioning.Command{Kind: provisioning.KindReset})
	}
	return cmds
}
