package provisioning

import (
	"context"
	"errors"
	"io/fs"
	"net"
	"os"
	"sync"

	"github.com/medicam/agent/utils"
	errw "github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	goutils "go.viam.com/utils"
)

// StreamTransport serves line sessions on a tcp or unix socket, one session per accepted connection.
type StreamTransport struct {
	logger   logging.Logger
	network  string
	address  string
	keepOpen bool
	opts     TransportOptions

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	sessions sync.WaitGroup
}

func NewStreamTransport(logger logging.Logger, network, address string, keepOpen bool, opts TransportOptions) *StreamTransport {
	return &StreamTransport{
		logger:   logger,
		network:  network,
		address:  address,
		keepOpen: keepOpen,
		opts:     opts,
		conns:    map[net.Conn]struct{}{},
	}
}

func (s *StreamTransport) Name() string {
	return s.network + ":" + s.address
}

// Addr is the bound address, useful when listening on port 0.
func (s *StreamTransport) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *StreamTransport) Open(ctx context.Context) error {
	if s.network == utils.TransportUnix {
		// a socket left behind by an unclean exit would make listen fail
		if err := os.Remove(s.address); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return errw.Wrapf(err, "removing stale socket %s", s.address)
		}
	}
	var lc net.ListenConfig
	l, err := lc.Listen(ctx, s.network, s.address)
	if err != nil {
		return errw.Wrapf(err, "listening on %s", s.Name())
	}
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
	s.logger.Infof("listening for provisioning commands on %s", l.Addr())
	return nil
}

func (s *StreamTransport) Serve(ctx context.Context, h Handler) error {
	s.mu.Lock()
	l := s.listener
	s.mu.Unlock()
	if l == nil {
		return errw.Errorf("%s is not open", s.Name())
	}

	stop := context.AfterFunc(ctx, func() {
		goutils.UncheckedError(s.Close())
	})
	defer stop()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.sessions.Wait()
				return nil
			}
			return errw.Wrap(err, "accepting connection")
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.sessions.Add(1)
		goutils.PanicCapturingGo(func() {
			defer s.sessions.Done()
			s.serveConn(ctx, conn, h)
		})
	}
}

func (s *StreamTransport) serveConn(ctx context.Context, conn net.Conn, h Handler) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		goutils.UncheckedError(conn.Close())
	}()

	remote := s.address
	if addr := conn.RemoteAddr(); addr != nil && addr.String() != "" {
		remote = addr.String()
	}
	s.logger.Debugw("session opened", "remote", remote)
	sess := newLineSession(s.logger, conn, s.keepOpen, s.opts)
	if err := sess.run(ctx, h); err != nil {
		s.logger.Warnw("session ended with error", "remote", remote, "error", err)
	}
	s.logger.Debugw("session closed", "remote", remote)
}

func (s *StreamTransport) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if s.listener != nil {
		if cerr := s.listener.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = cerr
		}
	}
	for conn := range s.conns {
		goutils.UncheckedError(conn.Close())
	}
	return err
}
