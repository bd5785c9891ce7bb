package provisioning

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/medicam/agent/utils"
	errw "github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

// Responder delivers responses back to the session a command came from.
type Responder interface {
	// Send returns ErrSessionClosed if the session has gone away.
	Send(Response) error
}

// Actions is the subset of the Executor the dispatcher needs.
type Actions interface {
	Scan(ctx context.Context) ([]WifiNetwork, error)
	Connect(ctx context.Context, ssid, psk string) (ConnectOutcome, error)
}

// Dispatcher validates commands, answers the quick ones inline, and runs scan/connect in the background with at
// most one action of each kind in flight across all sessions.
type Dispatcher struct {
	logger  logging.Logger
	actions Actions
	store   *Store

	// background actions run under this context so Stop can cancel them
	ctx     context.Context
	workers sync.WaitGroup

	mu   sync.Mutex
	busy map[Kind]bool
}

func NewDispatcher(ctx context.Context, logger logging.Logger, actions Actions, store *Store) *Dispatcher {
	return &Dispatcher{
		logger:  logger,
		actions: actions,
		store:   store,
		ctx:     ctx,
		busy:    map[Kind]bool{},
	}
}

// Handle parses and dispatches one raw payload.
func (d *Dispatcher) Handle(ctx context.Context, payload []byte, r Responder) Response {
	cmd, err := ParseCommand(payload)
	if err != nil {
		d.logger.Debugf("rejecting malformed command (%d bytes)", len(payload))
		return errorResponse(CodeInvalidJSON)
	}
	return d.Dispatch(ctx, cmd, r)
}

// Dispatch returns the immediate response for cmd. Scan and connect completions are sent later through r.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd Command, r Responder) Response {
	d.logger.Debugf("received command: %s", cmd)

	switch cmd.Kind {
	case KindPing:
		return okResponse()
	case KindStatus:
		return statusResponse(d.store.Load())
	case KindReset:
		if err := d.store.Reset(); err != nil {
			d.logger.Error(errw.Wrap(err, "resetting provisioning record"))
			return errorResponse(CodePersistFailed)
		}
		d.logger.Info("provisioning record reset")
		return okResponse()
	case KindScanWifi:
		if !d.claim(KindScanWifi) {
			return busyResponse()
		}
		d.background(KindScanWifi, r, d.runScan)
		return Response{Status: StatusStartedScan}
	case KindConnectWifi:
		if cmd.SSID == "" {
			return errorResponse(CodeMissingSSID)
		}
		if !d.claim(KindConnectWifi) {
			return busyResponse()
		}
		ssid, psk := cmd.SSID, cmd.Password
		d.background(KindConnectWifi, r, func(ctx context.Context) Response {
			return d.runConnect(ctx, ssid, psk)
		})
		return Response{Status: StatusConnecting}
	case KindUnknown:
		return errorResponse(CodeUnknownCommand)
	default:
		return errorResponse(CodeUnknownCommand)
	}
}

func (d *Dispatcher) claim(kind Kind) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.busy[kind] {
		return false
	}
	d.busy[kind] = true
	return true
}

func (d *Dispatcher) release(kind Kind) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.busy, kind)
}

// Busy reports whether an action of kind is in flight.
func (d *Dispatcher) Busy(kind Kind) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.busy[kind]
}

// background runs action on its own goroutine and delivers its result to r. The kind must already be claimed.
func (d *Dispatcher) background(kind Kind, r Responder, action func(ctx context.Context) Response) {
	d.workers.Add(1)
	go func() {
		defer d.workers.Done()
		var resp Response
		defer func() {
			d.release(kind)
			d.deliver(kind, r, resp)
		}()
		defer utils.Recover(d.logger, func(_ any) {
			resp = failedResponse(CodeInternal, "")
		})
		resp = action(d.ctx)
	}()
}

func (d *Dispatcher) deliver(kind Kind, r Responder, resp Response) {
	if err := r.Send(resp); err != nil {
		if errors.Is(err, ErrSessionClosed) {
			d.logger.Infow("session closed before completion, dropping result", "cmd", kind.String(), "status", resp.Status)
			return
		}
		d.logger.Warn(errw.Wrapf(err, "sending %s completion", kind))
	}
}

func (d *Dispatcher) runScan(ctx context.Context) Response {
	networks, err := d.actions.Scan(ctx)
	if err != nil {
		d.logger.Warn(err)
		code := CodeScanFailed
		if errors.Is(err, ErrScanTimeout) {
			code = CodeTimeout
		}
		return failedResponse(code, err.Error())
	}
	return networksResponse(networks)
}

func (d *Dispatcher) runConnect(ctx context.Context, ssid, psk string) Response {
	outcome, err := d.actions.Connect(ctx, ssid, psk)
	if !outcome.Success {
		if err != nil {
			d.logger.Warn(errw.Wrapf(err, "connecting to %q", ssid))
		}
		code := outcome.Code
		if code == "" {
			code = CodeConnectFailed
		}
		return failedResponse(code, outcome.Detail)
	}
	d.logger.Infof("connected to %q, ip %s", ssid, ipOrNone(outcome.IP))
	return connectedResponse(outcome.IP)
}

func ipOrNone(ip string) string {
	if ip == "" {
		return "<none>"
	}
	return ip
}

// Wait blocks until background actions finish or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("background actions still running: %w", ctx.Err())
	}
}
