// Package lineclient speaks the newline delimited provisioning protocol from the client side, over tcp, unix
// sockets, or a serial port.
package lineclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/medicam/agent/subsystems/provisioning"
	errw "github.com/pkg/errors"
	"go.bug.st/serial"
	"go.viam.com/rdk/logging"
)

const (
	NetworkTCP    = "tcp"
	NetworkUnix   = "unix"
	NetworkSerial = "serial"

	DefaultBaudRate = 115200

	// how often a blocked read wakes up to check for cancellation
	pollInterval = time.Second
)

// conn is a connection whose reads give up after a short poll so callers can check their own deadlines.
type conn interface {
	io.ReadWriteCloser
	armRead() error
}

type netConn struct {
	net.Conn
}

func (c netConn) armRead() error {
	return c.SetReadDeadline(time.Now().Add(pollInterval))
}

// serialConn maps the (0, nil) a serial port returns on read timeout to os.ErrDeadlineExceeded.
type serialConn struct {
	serial.Port
}

func (c serialConn) Read(b []byte) (int, error) {
	n, err := c.Port.Read(b)
	if n == 0 && err == nil {
		return 0, os.ErrDeadlineExceeded
	}
	return n, err
}

func (c serialConn) armRead() error {
	return nil
}

// Client sends commands and reads back their responses, one command at a time.
type Client struct {
	mu         sync.Mutex
	conn       conn
	reader     *bufio.Reader
	logger     logging.Logger
	wireLogger logging.Logger
}

// Dial connects to a provisioning service listening on a tcp address, a unix socket, or a serial device.
func Dial(ctx context.Context, logger logging.Logger, network, address string, baudRate int) (*Client, error) {
	clientLogger := logger.Sublogger("lineClient")
	switch network {
	case NetworkSerial:
		if baudRate <= 0 {
			baudRate = DefaultBaudRate
		}
		port, err := serial.Open(address, &serial.Mode{
			BaudRate: baudRate,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		})
		if err != nil {
			return nil, errw.Wrapf(err, "failed to open serial port at %s", address)
		}
		if err := port.SetReadTimeout(pollInterval); err != nil {
			return nil, errors.Join(errw.Wrapf(err, "configuring serial port %s", address), port.Close())
		}
		// drop anything left over from a previous session
		if err := port.ResetInputBuffer(); err != nil {
			return nil, errors.Join(errw.Wrapf(err, "resetting serial port %s", address), port.Close())
		}
		return newClient(clientLogger, serialConn{port}), nil
	case NetworkTCP, NetworkUnix:
		var d net.Dialer
		c, err := d.DialContext(ctx, network, address)
		if err != nil {
			return nil, errw.Wrapf(err, "dialing %s %s", network, address)
		}
		return newClient(clientLogger, netConn{c}), nil
	default:
		return nil, errw.Errorf("unknown network %q, must be one of tcp, unix, or serial", network)
	}
}

// NewClient wraps an already established connection.
func NewClient(logger logging.Logger, c net.Conn) *Client {
	return newClient(logger, netConn{c})
}

func newClient(logger logging.Logger, c conn) *Client {
	return &Client{
		conn:       c,
		reader:     bufio.NewReader(c),
		logger:     logger,
		wireLogger: logger.Sublogger("wire"),
	}
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// Do sends cmd and returns every response to it: any interim ones followed by the final one. It waits at most
// timeout for each response.
func (c *Client) Do(ctx context.Context, cmd provisioning.Command, timeout time.Duration) ([]provisioning.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	payload, err := cmd.Encode()
	if err != nil {
		return nil, err
	}
	c.logger.Infow("Sending command", "cmd", cmd.String())
	if _, err := c.conn.Write(append(payload, '\n')); err != nil {
		return nil, errw.Wrapf(err, "sending %s", cmd.Kind)
	}

	var responses []provisioning.Response
	for {
		line, err := c.readLine(ctx, time.Now().Add(timeout))
		if err != nil {
			return responses, errw.Wrapf(err, "waiting for %s response", cmd.Kind)
		}
		c.wireLogger.Debug(string(line))

		var resp provisioning.Response
		if err := json.Unmarshal(line, &resp); err != nil {
			return responses, errw.Wrapf(err, "parsing response %q", line)
		}
		responses = append(responses, resp)
		if !resp.Interim() {
			return responses, nil
		}
	}
}

func (c *Client) readLine(ctx context.Context, deadline time.Time) ([]byte, error) {
	var line []byte
	for {
		if err := c.conn.armRead(); err != nil {
			return nil, err
		}
		chunk, err := c.reader.ReadBytes('\n')
		line = append(line, chunk...)
		if err == nil {
			line = bytes.TrimSpace(line)
			// skip blank keepalive lines
			if len(line) == 0 {
				continue
			}
			return line, nil
		}
		if !errors.Is(err, os.ErrDeadlineExceeded) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if time.Now().After(deadline) {
			return nil, err
		}
	}
}
