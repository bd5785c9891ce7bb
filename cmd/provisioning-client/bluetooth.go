package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/medicam/agent/subsystems/provisioning"
	errw "github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"tinygo.org/x/bluetooth"
)

// smallest ATT payload every central supports
const writeChunkSize = 20

func btClient(ctx context.Context, logger logging.Logger) error {
	adapter := bluetooth.DefaultAdapter

	if err := adapter.Enable(); err != nil {
		return errw.Wrap(err, "enabling bluetooth adapter")
	}

	if opts.BTScan {
		return btScanOnly(ctx, adapter)
	}

	addr, err := btScan(ctx, adapter)
	if err != nil {
		return err
	}

	fmt.Println("Connecting...")
	device, err := adapter.Connect(addr, bluetooth.ConnectionParams{})
	if err != nil {
		return errw.Wrap(err, "connecting device")
	}
	defer func() {
		fmt.Println("Disconnecting...")
		if err := device.Disconnect(); err != nil {
			logger.Debug(err)
		}
	}()

	serviceUUID := bluetooth.NewUUID(provisioning.ServiceUUID)
	fmt.Printf("Discovering characteristics for service UUID: %s\n", serviceUUID)
	srvcs, err := device.DiscoverServices([]bluetooth.UUID{serviceUUID})
	if err != nil {
		return errw.Wrap(err, "discovering service")
	}
	if len(srvcs) == 0 {
		return errw.Errorf("service %s not found", serviceUUID)
	}
	chars, err := srvcs[0].DiscoverCharacteristics(
		[]bluetooth.UUID{bluetooth.NewUUID(provisioning.CommandUUID), bluetooth.NewUUID(provisioning.ResponseUUID)},
	)
	if err != nil {
		return errw.Wrap(err, "discovering characteristics")
	}
	var commandChar, responseChar *bluetooth.DeviceCharacteristic
	for i := range chars {
		switch chars[i].UUID() {
		case bluetooth.NewUUID(provisioning.CommandUUID):
			commandChar = &chars[i]
		case bluetooth.NewUUID(provisioning.ResponseUUID):
			responseChar = &chars[i]
		default:
			logger.Debugf("Unknown characteristic discovered with UUID: %s", chars[i].UUID())
		}
	}
	if commandChar == nil || responseChar == nil {
		return errw.New("device is missing the command or response characteristic")
	}

	responses := make(chan []byte, 8)
	var assembler bleAssembler
	if err := responseChar.EnableNotifications(func(buf []byte) {
		if out, ok := assembler.Add(buf); ok {
			select {
			case responses <- out:
			default:
				logger.Warn("dropping response, client is not keeping up")
			}
		}
	}); err != nil {
		return errw.Wrap(err, "enabling notifications")
	}

	for _, cmd := range commands() {
		resps, err := btDo(ctx, logger, commandChar, responses, cmd)
		printResponses(cmd, resps)
		if err != nil {
			return err
		}
	}
	return nil
}

// btDo writes cmd in ATT sized pieces and waits for its final response.
func btDo(
	ctx context.Context,
	logger logging.Logger,
	commandChar *bluetooth.DeviceCharacteristic,
	responses <-chan []byte,
	cmd provisioning.Command,
) ([]provisioning.Response, error) {
	payload, err := cmd.Encode()
	if err != nil {
		return nil, err
	}
	logger.Infow("Sending command", "cmd", cmd.String())
	for len(payload) > 0 {
		n := min(writeChunkSize, len(payload))
		if _, err := commandChar.WriteWithoutResponse(payload[:n]); err != nil {
			return nil, errw.Wrapf(err, "writing %s", cmd.Kind)
		}
		payload = payload[n:]
	}

	var out []provisioning.Response
	for {
		timer := time.NewTimer(opts.Timeout)
		select {
		case <-ctx.Done():
			timer.Stop()
			return out, ctx.Err()
		case <-timer.C:
			return out, errw.Errorf("timed out waiting for %s response", cmd.Kind)
		case raw := <-responses:
			timer.Stop()
			var resp provisioning.Response
			if err := json.Unmarshal(raw, &resp); err != nil {
				return out, errw.Wrapf(err, "parsing response %q", raw)
			}
			out = append(out, resp)
			if !resp.Interim() {
				return out, nil
			}
		}
	}
}

// bleAssembler rebuilds responses from notifications. Short responses arrive whole; longer ones are split across
// notifications and end with a newline.
type bleAssembler struct {
	buf []byte
}

func (a *bleAssembler) Add(chunk []byte) ([]byte, bool) {
	a.buf = append(a.buf, chunk...)
	if bytes.HasSuffix(a.buf, []byte("\n")) || json.Valid(a.buf) {
		out := bytes.TrimSpace(a.buf)
		a.buf = nil
		// the terminator of a response that already parsed
		return out, len(out) > 0
	}
	return nil, false
}

func btScanOnly(ctx context.Context, adapter *bluetooth.Adapter) error {
	fmt.Println("Scanning for bluetooth devices...")

	seen := make(map[string]bool)
	errCh := make(chan error, 1)
	go func() {
		errCh <- adapter.Scan(
			func(adapter *bluetooth.Adapter, device bluetooth.ScanResult) {
				if device.LocalName() == "" || seen[device.Address.String()] {
					return
				}
				seen[device.Address.String()] = true
				fmt.Printf("Found device: %s [%s]\n", device.LocalName(), device.Address.String())
			},
		)
	}()

	timer := time.NewTimer(time.Minute)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	case err := <-errCh:
		return err
	}
	err := adapter.StopScan()
	return errors.Join(err, <-errCh)
}

func btScan(ctx context.Context, adapter *bluetooth.Adapter) (bluetooth.Address, error) {
	fmt.Printf("Searching for a provisioning service or a device name starting with: %s\n", opts.BTFilter)
	fmt.Println("Scanning...")

	serviceUUID := bluetooth.NewUUID(provisioning.ServiceUUID)
	ch := make(chan bluetooth.ScanResult, 1)
	errCh := make(chan error, 1)
	go func() {
		errCh <- adapter.Scan(
			func(adapter *bluetooth.Adapter, device bluetooth.ScanResult) {
				if !device.HasServiceUUID(serviceUUID) && !strings.HasPrefix(device.LocalName(), opts.BTFilter) {
					return
				}
				select {
				case ch <- device:
					fmt.Printf("Found device: %s [%s]\n", device.LocalName(), device.Address.String())
				default:
				}
			},
		)
	}()

	var addr bluetooth.Address
	var good bool
	timer := time.NewTimer(time.Second * 30)
	defer timer.Stop()
	select {
	case result := <-ch:
		good = true
		addr = result.Address
	case <-ctx.Done():
	case <-timer.C:
	case err := <-errCh:
		return addr, errw.Wrap(err, "scanning")
	}
	err := errors.Join(adapter.StopScan(), <-errCh)
	if !good {
		return addr, errors.Join(err, fmt.Errorf("failed to find device matching filter: %s", opts.BTFilter))
	}
	return addr, err
}
