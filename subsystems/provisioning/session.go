package provisioning

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	errw "github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

// lineSession speaks the newline-delimited protocol over one connection. One line is one command and every
// response is one line.
type lineSession struct {
	logger   logging.Logger
	rw       io.ReadWriter
	keepOpen bool
	opts     TransportOptions

	writeMu sync.Mutex
	closed  bool
	// async commands whose completion hasn't been written yet
	pending int

	// signalled after each async completion is written
	completed chan struct{}
}

func newLineSession(logger logging.Logger, rw io.ReadWriter, keepOpen bool, opts TransportOptions) *lineSession {
	return &lineSession{
		logger:    logger,
		rw:        rw,
		keepOpen:  keepOpen,
		opts:      opts,
		completed: make(chan struct{}, 1),
	}
}

// Send implements Responder for async completions.
func (s *lineSession) Send(resp Response) error {
	s.writeMu.Lock()
	err := s.writeLocked(resp)
	if err == nil && !resp.Interim() && s.pending > 0 {
		s.pending--
	}
	s.writeMu.Unlock()
	if err != nil {
		return err
	}
	select {
	case s.completed <- struct{}{}:
	default:
	}
	return nil
}

func (s *lineSession) outstanding() int {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.pending
}

func (s *lineSession) write(resp Response) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.writeLocked(resp)
}

func (s *lineSession) writeLocked(resp Response) error {
	if s.closed {
		return ErrSessionClosed
	}
	out, err := resp.Encode(s.opts.MaxPayloadBytes)
	if err != nil {
		return errw.Wrap(err, "encoding response")
	}
	if _, err := s.rw.Write(append(out, '\n')); err != nil {
		return errw.Wrap(err, "writing response")
	}
	return nil
}

func (s *lineSession) close() {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.closed = true
}

// run reads commands until the peer hangs up, the read deadline passes, or (for one-shot sessions) the first
// command has fully completed. An idle session still waits out outstanding completions before closing.
func (s *lineSession) run(ctx context.Context, h Handler) error {
	defer s.close()

	br := bufio.NewReaderSize(s.rw, max(s.opts.MaxPayloadBytes, 64))
	for {
		if d, ok := s.rw.(readDeadliner); ok && s.opts.SessionReadTimeout > 0 {
			if err := d.SetReadDeadline(time.Now().Add(s.opts.SessionReadTimeout)); err != nil {
				s.logger.Debug(errw.Wrap(err, "setting read deadline"))
			}
		}

		line, err := readLine(br, s.opts.MaxPayloadBytes)
		if err != nil {
			if errors.Is(err, ErrPayloadTooLarge) {
				if werr := s.write(errorResponse(CodePayloadTooLarge)); werr != nil {
					return werr
				}
				continue
			}
			if errors.Is(err, os.ErrDeadlineExceeded) && ctx.Err() == nil {
				s.linger(ctx)
				return nil
			}
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		// hold the write lock until the immediate response is out, so a fast completion can't overtake it
		s.writeMu.Lock()
		resp := h(ctx, line, s)
		err = s.writeLocked(resp)
		if err == nil && resp.Interim() {
			s.pending++
		}
		s.writeMu.Unlock()
		if err != nil {
			return err
		}

		if s.keepOpen {
			continue
		}
		s.linger(ctx)
		return nil
	}
}

// linger waits, bounded by Linger, for outstanding async completions before the session closes.
func (s *lineSession) linger(ctx context.Context) {
	if s.outstanding() == 0 {
		return
	}
	timer := time.NewTimer(s.opts.Linger)
	defer timer.Stop()
	for s.outstanding() > 0 {
		select {
		case <-s.completed:
		case <-timer.C:
			s.logger.Debug("closing session before async command completed")
			return
		case <-ctx.Done():
			return
		}
	}
}

// readLine returns the next line without its terminator. Lines longer than maxBytes are discarded up to their
// newline and reported as ErrPayloadTooLarge, leaving the reader at the start of the next line.
// A final unterminated line is returned as-is, followed by io.EOF on the next call.
func readLine(br *bufio.Reader, maxBytes int) ([]byte, error) {
	var line []byte
	tooLarge := false
	for {
		chunk, err := br.ReadSlice('\n')
		if !tooLarge {
			line = append(line, chunk...)
			// allow room for a \r\n terminator
			if maxBytes > 0 && len(line) > maxBytes+2 {
				tooLarge = true
				line = nil
			}
		}

		switch {
		case err == nil:
			if tooLarge {
				return nil, ErrPayloadTooLarge
			}
			line = bytes.TrimRight(line, "\r\n")
			if maxBytes > 0 && len(line) > maxBytes {
				return nil, ErrPayloadTooLarge
			}
			return line, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && !tooLarge && len(line) > 0:
			if maxBytes > 0 && len(line) > maxBytes {
				return nil, ErrPayloadTooLarge
			}
			return line, nil
		default:
			return nil, err
		}
	}
}
