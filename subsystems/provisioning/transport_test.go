package provisioning

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/medicam/agent/utils"
	"go.viam.com/rdk/logging"
	"go.viam.com/test"
)

func testTransportOptions() TransportOptions {
	return TransportOptions{
		DeviceName:         "medicam-test",
		MaxPayloadBytes:    4096,
		BLEChunkSize:       30,
		SessionReadTimeout: 5 * time.Second,
		Linger:             5 * time.Second,
	}
}

func TestReadLine(t *testing.T) {
	input := `{"cmd":"PING"}` + "\r\n" +
		strings.Repeat("x", 100) + "\n" +
		"\n" +
		`{"cmd":"STATUS"}`
	br := bufio.NewReaderSize(strings.NewReader(input), 16)

	line, err := readLine(br, 64)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(line), test.ShouldEqual, `{"cmd":"PING"}`)

	_, err = readLine(br, 64)
	test.That(t, err, test.ShouldBeError, ErrPayloadTooLarge)

	line, err = readLine(br, 64)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, line, test.ShouldBeEmpty)

	line, err = readLine(br, 64)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(line), test.ShouldEqual, `{"cmd":"STATUS"}`)

	_, err = readLine(br, 64)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestChunkResponse(t *testing.T) {
	small := []byte(`{"status":"ok"}`)
	test.That(t, chunkResponse(small, 20), test.ShouldResemble, [][]byte{small})

	large := []byte(`{"status":"connected","ip":"192.168.100.200"}`)
	chunks := chunkResponse(large, 20)
	test.That(t, len(chunks), test.ShouldEqual, 3)
	for _, c := range chunks {
		test.That(t, len(c), test.ShouldBeLessThanOrEqualTo, 20)
	}
	test.That(t, string(bytes.Join(chunks, nil)), test.ShouldEqual, string(large)+"\n")
}

// startStream serves a dispatcher over a stream transport and returns the transport.
func startStream(
	t *testing.T, network, address string, keepOpen bool, nm *fakeNM, opts TransportOptions,
) (*StreamTransport, *Store) {
	t.Helper()
	logger := logging.NewTestLogger(t)
	d, store := newTestDispatcher(t, nm)

	st := NewStreamTransport(logger, network, address, keepOpen, opts)
	ctx, cancel := context.WithCancel(context.Background())
	test.That(t, st.Open(ctx), test.ShouldBeNil)

	done := make(chan error, 1)
	go func() {
		done <- st.Serve(ctx, d.Handle)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			test.That(t, err, test.ShouldBeNil)
		case <-time.After(5 * time.Second):
			t.Error("transport did not stop")
		}
	})
	return st, store
}

func exchange(t *testing.T, conn net.Conn, br *bufio.Reader, line string) Response {
	t.Helper()
	_, err := conn.Write([]byte(line + "\n"))
	test.That(t, err, test.ShouldBeNil)
	return readResponse(t, conn, br)
}

func readResponse(t *testing.T, conn net.Conn, br *bufio.Reader) Response {
	t.Helper()
	test.That(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)), test.ShouldBeNil)
	out, err := br.ReadBytes('\n')
	test.That(t, err, test.ShouldBeNil)
	var resp Response
	test.That(t, json.Unmarshal(out, &resp), test.ShouldBeNil)
	return resp
}

func TestStreamTransportKeepOpen(t *testing.T) {
	nm := &fakeNM{networks: []WifiNetwork{{SSID: "HomeNet", Signal: 80}}}
	st, store := startStream(t, utils.TransportTCP, "127.0.0.1:0", true, nm, testTransportOptions())

	conn, err := net.Dial("tcp", st.Addr().String())
	test.That(t, err, test.ShouldBeNil)
	defer conn.Close()
	br := bufio.NewReader(conn)

	test.That(t, exchange(t, conn, br, `{"cmd":"PING"}`).Status, test.ShouldEqual, StatusOK)

	resp := exchange(t, conn, br, `{{{`)
	test.That(t, resp.Status, test.ShouldEqual, StatusError)
	test.That(t, resp.Error, test.ShouldEqual, CodeInvalidJSON)

	// the session survives protocol errors
	test.That(t, exchange(t, conn, br, `{"cmd":"SCAN_WIFI"}`).Status, test.ShouldEqual, StatusStartedScan)
	resp = readResponse(t, conn, br)
	test.That(t, resp.Status, test.ShouldEqual, StatusOK)
	test.That(t, *resp.Networks, test.ShouldHaveLength, 1)

	test.That(t, exchange(t, conn, br, `{"cmd":"CONNECT_WIFI","ssid":"HomeNet","password":"hunter22"}`).Status,
		test.ShouldEqual, StatusConnecting)
	resp = readResponse(t, conn, br)
	test.That(t, resp.Status, test.ShouldEqual, StatusConnected)
	test.That(t, store.IsProvisioned(), test.ShouldBeTrue)

	resp = exchange(t, conn, br, strings.Repeat("a", 5000))
	test.That(t, resp.Error, test.ShouldEqual, CodePayloadTooLarge)
	test.That(t, exchange(t, conn, br, `{"cmd":"PING"}`).Status, test.ShouldEqual, StatusOK)
}

func TestStreamTransportIdleWithPendingCompletion(t *testing.T) {
	nm := &fakeNM{block: make(chan struct{})}
	opts := testTransportOptions()
	opts.SessionReadTimeout = 300 * time.Millisecond
	st, _ := startStream(t, utils.TransportTCP, "127.0.0.1:0", true, nm, opts)

	conn, err := net.Dial("tcp", st.Addr().String())
	test.That(t, err, test.ShouldBeNil)
	defer conn.Close()
	br := bufio.NewReader(conn)

	test.That(t, exchange(t, conn, br, `{"cmd":"CONNECT_WIFI","ssid":"HomeNet","password":"hunter22"}`).Status,
		test.ShouldEqual, StatusConnecting)

	// the connect outlives the idle timeout
	time.Sleep(600 * time.Millisecond)
	close(nm.block)

	resp := readResponse(t, conn, br)
	test.That(t, resp.Status, test.ShouldEqual, StatusConnected)
	_, err = br.ReadBytes('\n')
	test.That(t, err, test.ShouldNotBeNil)
}

func TestStreamTransportOneShot(t *testing.T) {
	nm := &fakeNM{networks: []WifiNetwork{{SSID: "HomeNet", Signal: 80}}}
	sock := filepath.Join(t.TempDir(), "provision.sock")
	startStream(t, utils.TransportUnix, sock, false, nm, testTransportOptions())

	t.Run("sync command closes after the response", func(t *testing.T) {
		conn, err := net.Dial("unix", sock)
		test.That(t, err, test.ShouldBeNil)
		defer conn.Close()
		br := bufio.NewReader(conn)

		test.That(t, exchange(t, conn, br, `{"cmd":"PING"}`).Status, test.ShouldEqual, StatusOK)
		_, err = br.ReadBytes('\n')
		test.That(t, err, test.ShouldNotBeNil)
	})

	t.Run("async completion is delivered before close", func(t *testing.T) {
		conn, err := net.Dial("unix", sock)
		test.That(t, err, test.ShouldBeNil)
		defer conn.Close()
		br := bufio.NewReader(conn)

		test.That(t, exchange(t, conn, br, `{"cmd":"SCAN_WIFI"}`).Status, test.ShouldEqual, StatusStartedScan)
		resp := readResponse(t, conn, br)
		test.That(t, resp.Status, test.ShouldEqual, StatusOK)
		test.That(t, *resp.Networks, test.ShouldResemble, []WifiNetwork{{SSID: "HomeNet", Signal: 80}})
		_, err = br.ReadBytes('\n')
		test.That(t, err, test.ShouldNotBeNil)
	})
}

func TestBLETransport(t *testing.T) {
	logger := logging.NewTestLogger(t)
	nm := &fakeNM{}
	d, store := newTestDispatcher(t, nm)
	p := &fakePeripheral{}
	bt := NewBLETransport(logger, p, testTransportOptions())

	ctx, cancel := context.WithCancel(context.Background())
	test.That(t, bt.Open(ctx), test.ShouldBeNil)
	test.That(t, p.enabled, test.ShouldBeTrue)
	test.That(t, p.spec.UUID, test.ShouldEqual, ServiceUUID)
	test.That(t, p.spec.CommandUUID.String(), test.ShouldNotEqual, p.spec.ResponseUUID.String())

	done := make(chan error, 1)
	go func() {
		done <- bt.Serve(ctx, d.Handle)
	}()
	for !p.isAdvertising() {
		time.Sleep(time.Millisecond)
	}
	test.That(t, p.advertised, test.ShouldEqual, "medicam-test")

	// one byte at a time, like a client with a tiny MTU
	for _, b := range []byte(`{"cmd":"PING"}`) {
		p.write([]byte{b})
	}
	test.That(t, p.notifier.all(), test.ShouldResemble, [][]byte{[]byte(`{"status":"ok"}`)})

	// a connect completion is larger than one chunk
	p.write([]byte(`{"cmd":"CONNECT_WIFI",`))
	p.write([]byte(`"ssid":"HomeNet","password":"hunter22"}`))
	var values [][]byte
	for range 500 {
		values = p.notifier.all()
		if len(values) > 2 && bytes.HasSuffix(values[len(values)-1], []byte("\n")) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	test.That(t, string(values[1]), test.ShouldEqual, `{"status":"connecting"}`)
	joined := bytes.Join(values[2:], nil)
	test.That(t, bytes.HasSuffix(joined, []byte("\n")), test.ShouldBeTrue)
	var resp Response
	test.That(t, json.Unmarshal(bytes.TrimSpace(joined), &resp), test.ShouldBeNil)
	test.That(t, resp.Status, test.ShouldEqual, StatusConnected)
	test.That(t, store.IsProvisioned(), test.ShouldBeTrue)

	cancel()
	test.That(t, <-done, test.ShouldBeNil)
	test.That(t, p.isAdvertising(), test.ShouldBeFalse)
	test.That(t, bt.Close(), test.ShouldBeNil)
	test.That(t, bt.Send(okResponse()), test.ShouldBeError, ErrSessionClosed)
}

func TestBLETransportOverflow(t *testing.T) {
	logger := logging.NewTestLogger(t)
	d, _ := newTestDispatcher(t, &fakeNM{})
	p := &fakePeripheral{}
	opts := testTransportOptions()
	opts.MaxPayloadBytes = 64
	opts.BLEChunkSize = 180
	bt := NewBLETransport(logger, p, opts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	test.That(t, bt.Open(ctx), test.ShouldBeNil)
	go bt.Serve(ctx, d.Handle)
	for !p.isAdvertising() {
		time.Sleep(time.Millisecond)
	}

	p.write([]byte(`{"cmd":"CONNECT_WIFI","ssid":"`))
	p.write(bytes.Repeat([]byte("x"), 60))
	test.That(t, p.notifier.all(), test.ShouldResemble, [][]byte{[]byte(`{"status":"error","error":"payload_too_large"}`)})

	p.write([]byte(`{"cmd":"PING"}`))
	test.That(t, p.notifier.all()[1], test.ShouldResemble, []byte(`{"status":"ok"}`))
}

func TestNewTransport(t *testing.T) {
	logger := logging.NewTestLogger(t)
	opts := testTransportOptions()

	tr, err := NewTransport(logger, utils.TransportConfig{Type: utils.TransportTCP, Address: "127.0.0.1:0"}, opts)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, tr.Name(), test.ShouldEqual, "tcp:127.0.0.1:0")

	tr, err = NewTransport(logger, utils.TransportConfig{Type: utils.TransportSerial, Address: "/dev/ttyS0"}, opts)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, tr.(*SerialTransport).baud, test.ShouldEqual, defaultBaudRate)

	_, err = NewTransport(logger, utils.TransportConfig{Type: "carrier-pigeon"}, opts)
	test.That(t, err, test.ShouldNotBeNil)
}
