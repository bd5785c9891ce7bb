package provisioning

import (
	"context"
	"errors"
	"sort"
	"time"

	errw "github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

// ExecutorConfig bounds and filters network actions.
type ExecutorConfig struct {
	MinSignal      int
	MaxNetworks    int
	ScanTimeout    time.Duration
	ConnectTimeout time.Duration
	// preferred interface when resolving the new address after a connect
	WifiInterface string
}

// ConnectOutcome is the result of one connect attempt. Code is empty on success.
type ConnectOutcome struct {
	Success bool
	SSID    string
	IP      string
	Code    string
	Detail  string
}

// Executor runs scan and connect actions against a NetworkManager backend and records connect outcomes.
type Executor struct {
	logger logging.Logger
	nm     NetworkManager
	store  *Store
	cfg    ExecutorConfig

	resolveIP func(iface string) string
}

func NewExecutor(logger logging.Logger, nm NetworkManager, store *Store, cfg ExecutorConfig) *Executor {
	return &Executor{
		logger:    logger,
		nm:        nm,
		store:     store,
		cfg:       cfg,
		resolveIP: firstGlobalIPv4,
	}
}

// Scan returns visible networks, cleaned up for display: empty ssids dropped, duplicates removed (first seen wins),
// weak signals filtered out, strongest first, at most MaxNetworks.
func (e *Executor) Scan(ctx context.Context) ([]WifiNetwork, error) {
	if e.cfg.ScanTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.ScanTimeout)
		defer cancel()
	}

	raw, err := e.nm.Scan(ctx)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, errors.Join(ErrScanTimeout, err)
		}
		return nil, errw.Wrap(err, "scanning wifi")
	}

	networks := filterNetworks(raw, e.cfg.MinSignal, e.cfg.MaxNetworks)
	e.logger.Debugw("wifi scan complete", "found", len(raw), "reported", len(networks))
	return networks, nil
}

func filterNetworks(raw []WifiNetwork, minSignal, maxNetworks int) []WifiNetwork {
	seen := make(map[string]bool, len(raw))
	out := make([]WifiNetwork, 0, len(raw))
	for _, nw := range raw {
		if nw.SSID == "" {
			continue
		}
		nw.SSID = truncateSSID(nw.SSID)
		if seen[nw.SSID] {
			continue
		}
		seen[nw.SSID] = true

		nw.Signal = max(0, min(100, nw.Signal))
		if nw.Signal < minSignal {
			continue
		}
		out = append(out, nw)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Signal > out[j].Signal
	})

	if maxNetworks > 0 && len(out) > maxNetworks {
		out = out[:maxNetworks]
	}
	return out
}

func truncateSSID(ssid string) string {
	if len(ssid) <= maxSSIDBytes {
		return ssid
	}
	// ssids are raw bytes and need not be valid utf8; only avoid splitting a rune when they are
	cut := maxSSIDBytes
	for cut > 0 && ssid[cut]&0xC0 == 0x80 {
		cut--
	}
	if cut == 0 {
		cut = maxSSIDBytes
	}
	return ssid[:cut]
}

// Connect joins ssid and records the result. The returned error is the underlying failure, for logging;
// callers report the outcome.
func (e *Executor) Connect(ctx context.Context, ssid, psk string) (ConnectOutcome, error) {
	if e.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.ConnectTimeout)
		defer cancel()
	}

	outcome := ConnectOutcome{SSID: ssid}
	if err := e.nm.Connect(ctx, ssid, psk); err != nil {
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			outcome.Code = CodeTimeout
		case errors.Is(err, ErrBadPassword):
			outcome.Code = CodeBadPassword
		default:
			outcome.Code = CodeConnectFailed
		}
		outcome.Detail = err.Error()

		// the last good network stays recorded, only the timestamp moves
		if terr := e.store.Touch(); terr != nil {
			e.logger.Warn(errw.Wrap(terr, "recording failed connection attempt"))
		}
		return outcome, err
	}

	outcome.IP = e.resolveIP(e.cfg.WifiInterface)
	if err := e.store.Save(true, ProvisionInfo{SSID: ssid, IP: outcome.IP}); err != nil {
		outcome.Code = CodePersistFailed
		outcome.Detail = err.Error()
		return outcome, err
	}

	outcome.Success = true
	return outcome, nil
}
