package provisioning

import (
	"context"
	"time"

	"github.com/medicam/agent/utils"
	errw "github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

// Handler processes one complete command payload and returns the immediate response.
// Completions of async commands are sent later through the Responder.
type Handler func(ctx context.Context, payload []byte, r Responder) Response

// Transport carries commands in and responses out.
type Transport interface {
	Name() string
	// Open claims the underlying resource (socket, port, adapter). Failures here are startup failures.
	Open(ctx context.Context) error
	// Serve runs until ctx is done or the transport is closed.
	Serve(ctx context.Context, h Handler) error
	Close() error
}

// TransportOptions are the settings shared by every transport.
type TransportOptions struct {
	DeviceName         string
	MaxPayloadBytes    int
	BLEChunkSize       int
	BluetoothAdapter   string
	SessionReadTimeout time.Duration
	// how long a one-shot session waits for the completion of an async command
	Linger time.Duration
}

func transportOptions(cfg utils.ProvisioningConfig) TransportOptions {
	linger := time.Duration(max(cfg.ScanTimeout, cfg.ConnectTimeout)) + lingerSlack
	return TransportOptions{
		DeviceName:         cfg.DeviceName,
		MaxPayloadBytes:    cfg.MaxPayloadBytes,
		BLEChunkSize:       cfg.BLEChunkSize,
		BluetoothAdapter:   cfg.BluetoothAdapter,
		SessionReadTimeout: time.Duration(cfg.SessionReadTimeout),
		Linger:             linger,
	}
}

// NewTransport builds the transport described by tc. BLE transports use the platform's adapter.
func NewTransport(logger logging.Logger, tc utils.TransportConfig, opts TransportOptions) (Transport, error) {
	switch tc.Type {
	case utils.TransportBLE:
		p, err := newPeripheral(opts.BluetoothAdapter)
		if err != nil {
			return nil, err
		}
		t := NewBLETransport(logger.Sublogger("ble"), p, opts)
		t.prepare = func(ctx context.Context) error {
			return prepareAdapter(ctx, t.logger, opts.BluetoothAdapter)
		}
		return t, nil
	case utils.TransportTCP, utils.TransportUnix:
		return NewStreamTransport(logger.Sublogger(tc.Type), tc.Type, tc.Address, tc.KeepOpen.Get(), opts), nil
	case utils.TransportSerial:
		return NewSerialTransport(logger.Sublogger("serial"), tc.Address, tc.BaudRate, tc.KeepOpen.Get(), opts), nil
	default:
		return nil, errw.Wrapf(ErrUnknownTransport, "%q", tc.Type)
	}
}
