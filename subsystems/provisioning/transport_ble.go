package provisioning

import (
	"context"
	"sync"

	"github.com/google/uuid"
	errw "github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

// ServiceSpec describes the provisioning GATT service: one writable command characteristic and one
// readable/notifying response characteristic.
type ServiceSpec struct {
	UUID         uuid.UUID
	CommandUUID  uuid.UUID
	ResponseUUID uuid.UUID
	// OnWrite is called with every write to the command characteristic.
	OnWrite func(value []byte)
}

// Notifier updates the response characteristic and notifies subscribed clients.
type Notifier interface {
	Notify(value []byte) error
}

// Peripheral is the BLE adapter in peripheral (server) mode.
type Peripheral interface {
	Enable() error
	AddService(spec ServiceSpec) (Notifier, error)
	Advertise(localName string, serviceUUID uuid.UUID) error
	StopAdvertising() error
}

// Generate predictable (v5) UUIDs from the common namespace, so clients can hard code them.
func characteristicUUID(key string) uuid.UUID {
	return uuid.NewSHA1(uuid.MustParse(uuidNamespace), []byte(key))
}

var (
	ServiceUUID  = characteristicUUID(serviceNameKey)
	CommandUUID  = characteristicUUID(commandKey)
	ResponseUUID = characteristicUUID(responseKey)
)

// BLETransport accepts commands as (possibly fragmented) writes to the command characteristic and answers through
// the response characteristic.
type BLETransport struct {
	logger     logging.Logger
	peripheral Peripheral
	opts       TransportOptions
	reasm      *Reassembler

	// adapter checks run by Open before touching the peripheral, nil in tests
	prepare func(ctx context.Context) error

	// serializes responses, so chunks of different responses never interleave and an immediate response always
	// precedes the completion of the same command
	sendMu sync.Mutex

	mu          sync.Mutex
	notifier    Notifier
	handler     Handler
	ctx         context.Context
	advertising bool
	closed      bool
}

func NewBLETransport(logger logging.Logger, p Peripheral, opts TransportOptions) *BLETransport {
	return &BLETransport{
		logger:     logger,
		peripheral: p,
		opts:       opts,
		reasm:      NewReassembler(opts.MaxPayloadBytes),
	}
}

func (b *BLETransport) Name() string {
	return "ble"
}

func (b *BLETransport) Open(ctx context.Context) error {
	if b.prepare != nil {
		if err := b.prepare(ctx); err != nil {
			return err
		}
	}
	if err := b.peripheral.Enable(); err != nil {
		return errw.Wrap(err, "enabling bluetooth adapter")
	}
	notifier, err := b.peripheral.AddService(ServiceSpec{
		UUID:         ServiceUUID,
		CommandUUID:  CommandUUID,
		ResponseUUID: ResponseUUID,
		OnWrite:      b.onWrite,
	})
	if err != nil {
		return errw.Wrap(err, "adding bluetooth provisioning service")
	}

	b.mu.Lock()
	b.notifier = notifier
	b.mu.Unlock()

	b.logger.Debugf("Bluetooth service UUID: %s, command: %s, response: %s", ServiceUUID, CommandUUID, ResponseUUID)
	return nil
}

func (b *BLETransport) Serve(ctx context.Context, h Handler) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrSessionClosed
	}
	b.handler = h
	b.ctx = ctx
	b.mu.Unlock()

	if err := b.peripheral.Advertise(b.opts.DeviceName, ServiceUUID); err != nil {
		return errw.Wrap(err, "starting bluetooth advertisement")
	}
	b.mu.Lock()
	b.advertising = true
	b.mu.Unlock()
	b.logger.Infof("Bluetooth provisioning started, advertising as %q", b.opts.DeviceName)

	<-ctx.Done()
	return b.stopAdvertising()
}

func (b *BLETransport) stopAdvertising() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.advertising {
		return nil
	}
	b.advertising = false
	if err := b.peripheral.StopAdvertising(); err != nil {
		return errw.Wrap(err, "stopping bluetooth advertisement")
	}
	b.logger.Debug("Stopped advertising bluetooth service.")
	return nil
}

func (b *BLETransport) Close() error {
	err := b.stopAdvertising()
	b.mu.Lock()
	b.closed = true
	b.handler = nil
	b.mu.Unlock()
	b.reasm.Reset()
	return err
}

// onWrite runs on the adapter's callback path.
func (b *BLETransport) onWrite(value []byte) {
	b.mu.Lock()
	h, ctx := b.handler, b.ctx
	b.mu.Unlock()
	if h == nil {
		b.logger.Debugf("ignoring %d byte write, not serving", len(value))
		return
	}

	b.sendMu.Lock()
	defer b.sendMu.Unlock()
	payloads, err := b.reasm.Feed(value)
	for _, payload := range payloads {
		b.deliver(h(ctx, payload, b))
	}
	if err != nil {
		b.logger.Warnf("discarding buffered command: %s", err)
		b.deliver(errorResponse(CodePayloadTooLarge))
	}
}

// Send implements Responder. Every BLE client shares the one response characteristic.
func (b *BLETransport) Send(resp Response) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrSessionClosed
	}
	b.sendMu.Lock()
	defer b.sendMu.Unlock()
	b.deliver(resp)
	return nil
}

func (b *BLETransport) deliver(resp Response) {
	b.mu.Lock()
	notifier := b.notifier
	b.mu.Unlock()
	if notifier == nil {
		return
	}

	out, err := resp.Encode(b.opts.MaxPayloadBytes)
	if err != nil {
		b.logger.Error(errw.Wrap(err, "encoding response"))
		return
	}
	for _, chunk := range chunkResponse(out, b.opts.BLEChunkSize) {
		// an unsubscribed client can still read the value, so this is never fatal
		if err := notifier.Notify(chunk); err != nil {
			b.logger.Warn(errw.Wrap(err, "notifying bluetooth response"))
		}
	}
}

// chunkResponse returns out unchanged when it fits in one chunk. Longer responses are newline terminated and
// split into chunkSize pieces so the client can tell where the response ends.
func chunkResponse(out []byte, chunkSize int) [][]byte {
	if chunkSize <= 0 || len(out) <= chunkSize {
		return [][]byte{out}
	}
	data := append(append([]byte{}, out...), '\n')
	chunks := make([][]byte, 0, len(data)/chunkSize+1)
	for len(data) > 0 {
		n := min(chunkSize, len(data))
		chunks = append(chunks, data[:n])
		data = data[n:]
	}
	return chunks
}
