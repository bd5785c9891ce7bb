//go:build !linux

package provisioning

import (
	"go.viam.com/rdk/logging"
)

func newDBusNetworkManager(logger logging.Logger, iface string) (NetworkManager, error) {
	return nil, ErrNM
}
