package provisioning

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

type fakeNM struct {
	mu          sync.Mutex
	networks    []WifiNetwork
	scanErr     error
	connectErr  error
	state       ConnState
	scanCalls   atomic.Int32
	connects    []string
	// when set, Scan/Connect block until released or ctx is done
	block chan struct{}
}

func (f *fakeNM) wait(ctx context.Context) error {
	if f.block == nil {
		return nil
	}
	select {
	case <-f.block:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeNM) Scan(ctx context.Context) ([]WifiNetwork, error) {
	f.scanCalls.Add(1)
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]WifiNetwork(nil), f.networks...), f.scanErr
}

func (f *fakeNM) Connect(ctx context.Context, ssid, psk string) error {
	f.mu.Lock()
	f.connects = append(f.connects, ssid)
	f.mu.Unlock()
	if err := f.wait(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectErr
}

func (f *fakeNM) Connectivity(ctx context.Context) (ConnState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state, nil
}

func (f *fakeNM) Close() error {
	return nil
}

func (f *fakeNM) connectCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.connects...)
}

// chanResponder collects async completions.
type chanResponder struct {
	ch     chan Response
	closed atomic.Bool
}

func newChanResponder() *chanResponder {
	return &chanResponder{ch: make(chan Response, 8)}
}

func (c *chanResponder) Send(resp Response) error {
	if c.closed.Load() {
		return ErrSessionClosed
	}
	c.ch <- resp
	return nil
}

func (c *chanResponder) next(timeout time.Duration) (Response, bool) {
	select {
	case resp := <-c.ch:
		return resp, true
	case <-time.After(timeout):
		return Response{}, false
	}
}

type runCall struct {
	name string
	args []string
}

type fakeRunner struct {
	mu      sync.Mutex
	calls   []runCall
	outputs map[string][]byte
	errs    map[string]error
}

// key is the space-joined argument list.
func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, runCall{name: name, args: args})
	key := strings.Join(args, " ")
	return f.outputs[key], f.errs[key]
}

type fakeNotifier struct {
	mu     sync.Mutex
	values [][]byte
	err    error
}

func (f *fakeNotifier) Notify(value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values = append(f.values, append([]byte(nil), value...))
	return f.err
}

func (f *fakeNotifier) all() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.values...)
}

type fakePeripheral struct {
	mu          sync.Mutex
	enabled     bool
	spec        ServiceSpec
	notifier    *fakeNotifier
	advertised  string
	advertising bool
	enableErr   error
}

func (f *fakePeripheral) Enable() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = f.enableErr == nil
	return f.enableErr
}

func (f *fakePeripheral) AddService(spec ServiceSpec) (Notifier, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spec = spec
	f.notifier = &fakeNotifier{}
	return f.notifier, nil
}

func (f *fakePeripheral) Advertise(localName string, serviceUUID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.advertised = localName
	f.advertising = true
	return nil
}

func (f *fakePeripheral) StopAdvertising() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.advertising = false
	return nil
}

func (f *fakePeripheral) isAdvertising() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.advertising
}

// write simulates a client write to the command characteristic.
func (f *fakePeripheral) write(value []byte) {
	f.mu.Lock()
	onWrite := f.spec.OnWrite
	f.mu.Unlock()
	onWrite(value)
}
