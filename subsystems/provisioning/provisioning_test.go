package provisioning

import (
	"bufio"
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/medicam/agent/utils"
	"go.viam.com/rdk/logging"
	"go.viam.com/test"
)

func newTestService(t *testing.T, opts ...Option) (*Service, *StreamTransport) {
	t.Helper()
	logger := logging.NewTestLogger(t)
	cfg := utils.DefaultConfig()
	cfg.Provisioning.StateFile = filepath.Join(t.TempDir(), "provision.json")

	st := NewStreamTransport(logger, utils.TransportTCP, "127.0.0.1:0", true, transportOptions(cfg.Provisioning))
	opts = append([]Option{WithNetworkManager(&fakeNM{}), WithTransports(st)}, opts...)
	return NewService(logger, cfg, opts...), st
}

func TestServiceLifecycle(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t)

	test.That(t, svc.HealthCheck(ctx), test.ShouldNotBeNil)
	test.That(t, svc.Start(ctx), test.ShouldBeNil)
	// starting twice is a no-op
	test.That(t, svc.Start(ctx), test.ShouldBeNil)
	test.That(t, svc.HealthCheck(ctx), test.ShouldBeNil)

	conn, err := net.Dial("tcp", st.Addr().String())
	test.That(t, err, test.ShouldBeNil)
	defer conn.Close()
	br := bufio.NewReader(conn)
	test.That(t, exchange(t, conn, br, `{"cmd":"PING"}`).Status, test.ShouldEqual, StatusOK)

	resp := exchange(t, conn, br, `{"cmd":"CONNECT_WIFI","ssid":"HomeNet"}`)
	test.That(t, resp.Status, test.ShouldEqual, StatusConnecting)
	resp = readResponse(t, conn, br)
	test.That(t, resp.Status, test.ShouldEqual, StatusConnected)
	test.That(t, svc.Store().IsProvisioned(), test.ShouldBeTrue)

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	test.That(t, svc.Stop(stopCtx), test.ShouldBeNil)
	test.That(t, svc.HealthCheck(ctx), test.ShouldNotBeNil)
	// stopping twice is a no-op
	test.That(t, svc.Stop(stopCtx), test.ShouldBeNil)

	// the session was closed with the service
	_, err = br.ReadBytes('\n')
	test.That(t, err, test.ShouldNotBeNil)
}

func TestServiceStopCancelsActions(t *testing.T) {
	ctx := context.Background()
	nm := &fakeNM{block: make(chan struct{})}
	svc, st := newTestService(t, WithNetworkManager(nm))
	test.That(t, svc.Start(ctx), test.ShouldBeNil)

	conn, err := net.Dial("tcp", st.Addr().String())
	test.That(t, err, test.ShouldBeNil)
	defer conn.Close()
	br := bufio.NewReader(conn)
	test.That(t, exchange(t, conn, br, `{"cmd":"SCAN_WIFI"}`).Status, test.ShouldEqual, StatusStartedScan)

	start := time.Now()
	test.That(t, svc.Stop(ctx), test.ShouldBeNil)
	test.That(t, time.Since(start), test.ShouldBeLessThan, stopGracePeriod)
}

func TestServiceStartFailure(t *testing.T) {
	ctx := context.Background()
	logger := logging.NewTestLogger(t)

	// hold the port so the service can't listen on it
	l, err := net.Listen("tcp", "127.0.0.1:0")
	test.That(t, err, test.ShouldBeNil)
	defer l.Close()

	cfg := utils.DefaultConfig()
	cfg.Provisioning.StateFile = filepath.Join(t.TempDir(), "provision.json")
	cfg.Provisioning.Transports = []utils.TransportConfig{{Type: utils.TransportTCP, Address: l.Addr().String()}}
	svc := NewService(logger, cfg, WithNetworkManager(&fakeNM{}))

	test.That(t, svc.Start(ctx), test.ShouldNotBeNil)
	test.That(t, svc.HealthCheck(ctx), test.ShouldNotBeNil)
}

func TestServiceUpdate(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	cfg := utils.DefaultConfig()
	cfg.Provisioning = svc.Config()
	test.That(t, svc.Update(ctx, cfg), test.ShouldBeFalse)

	cfg.Provisioning.MinSignal = 50
	test.That(t, svc.Update(ctx, cfg), test.ShouldBeTrue)
	test.That(t, svc.Config().MinSignal, test.ShouldEqual, 50)

	cfg.Provisioning.StateFile = filepath.Join(t.TempDir(), "other.json")
	test.That(t, svc.Update(ctx, cfg), test.ShouldBeTrue)
	test.That(t, svc.Store().Path(), test.ShouldEqual, cfg.Provisioning.StateFile)
}
