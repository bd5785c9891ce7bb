//go:build !linux

package provisioning

import (
	"context"

	"go.viam.com/rdk/logging"
)

type AdapterStatus struct {
	Found   bool
	Address string
}

func ProbeAdapter(adapterName string) (AdapterStatus, error) {
	return AdapterStatus{}, ErrBLEUnsupported
}

func newPeripheral(adapterName string) (Peripheral, error) {
	return nil, ErrBLEUnsupported
}

func prepareAdapter(ctx context.Context, logger logging.Logger, adapterName string) error {
	return ErrBLEUnsupported
}
