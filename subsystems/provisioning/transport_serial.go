package provisioning

import (
	"context"
	"os"
	"sync"
	"time"

	errw "github.com/pkg/errors"
	"go.bug.st/serial"
	"go.viam.com/rdk/logging"
	goutils "go.viam.com/utils"
)

const defaultBaudRate = 115200

// SerialTransport runs line sessions over a serial port (or an RFCOMM tty). The port stays open; when a session
// ends (one-shot completion or idle timeout) the next one starts on the same port.
type SerialTransport struct {
	logger   logging.Logger
	path     string
	baud     int
	keepOpen bool
	opts     TransportOptions

	// for tests
	open func(path string, mode *serial.Mode) (serial.Port, error)

	mu   sync.Mutex
	port serial.Port
}

func NewSerialTransport(logger logging.Logger, path string, baud int, keepOpen bool, opts TransportOptions) *SerialTransport {
	if baud <= 0 {
		baud = defaultBaudRate
	}
	return &SerialTransport{
		logger:   logger,
		path:     path,
		baud:     baud,
		keepOpen: keepOpen,
		opts:     opts,
		open:     serial.Open,
	}
}

func (s *SerialTransport) Name() string {
	return "serial:" + s.path
}

func (s *SerialTransport) Open(ctx context.Context) error {
	port, err := s.open(s.path, &serial.Mode{
		BaudRate: s.baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return errw.Wrapf(err, "failed to open serial port at %s", s.path)
	}
	if s.opts.SessionReadTimeout > 0 {
		if err := port.SetReadTimeout(s.opts.SessionReadTimeout); err != nil {
			goutils.UncheckedError(port.Close())
			return errw.Wrapf(err, "setting read timeout on %s", s.path)
		}
	}
	s.mu.Lock()
	s.port = port
	s.mu.Unlock()
	s.logger.Infof("listening for provisioning commands on %s at %d baud", s.path, s.baud)
	return nil
}

func (s *SerialTransport) Serve(ctx context.Context, h Handler) error {
	s.mu.Lock()
	port := s.port
	s.mu.Unlock()
	if port == nil {
		return errw.Errorf("%s is not open", s.Name())
	}

	stop := context.AfterFunc(ctx, func() {
		goutils.UncheckedError(s.Close())
	})
	defer stop()

	rw := &timeoutPort{Port: port}
	for ctx.Err() == nil {
		sess := newLineSession(s.logger, rw, s.keepOpen, s.opts)
		if err := sess.run(ctx, h); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Warn(errw.Wrap(err, "serial session"))
			// a port that keeps failing (unplugged adapter) shouldn't spin
			if !goutils.SelectContextOrWait(ctx, time.Second) {
				return nil
			}
		}
	}
	return nil
}

func (s *SerialTransport) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	return err
}

// timeoutPort turns the (0, nil) read that go.bug.st/serial returns on a read timeout into os.ErrDeadlineExceeded,
// which ends the session like a socket read deadline does.
type timeoutPort struct {
	serial.Port
}

func (p *timeoutPort) Read(b []byte) (int, error) {
	n, err := p.Port.Read(b)
	if n == 0 && err == nil {
		return 0, os.ErrDeadlineExceeded
	}
	return n, err
}
