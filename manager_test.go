package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/medicam/agent/utils"
	"go.viam.com/rdk/logging"
	"go.viam.com/test"
)

// callLog is shared between fake subsystems so ordering across them can be checked.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(call string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, call)
}

func (l *callLog) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string{}, l.calls...)
}

type fakeSubsystem struct {
	name     string
	log      *callLog
	startErr error
	healthy  bool
	restart  bool
	updates  []utils.AgentConfig
}

func (f *fakeSubsystem) Start(ctx context.Context) error {
	f.log.add(f.name + ".start")
	return f.startErr
}

func (f *fakeSubsystem) Stop(ctx context.Context) error {
	f.log.add(f.name + ".stop")
	return nil
}

func (f *fakeSubsystem) Update(ctx context.Context, cfg utils.AgentConfig) bool {
	f.updates = append(f.updates, cfg)
	return f.restart
}

func (f *fakeSubsystem) HealthCheck(ctx context.Context) error {
	if !f.healthy {
		return errors.New("unhealthy")
	}
	return nil
}

func newTestManager(t *testing.T, configPath string) (*Manager, *callLog, *fakeSubsystem, *fakeSubsystem) {
	t.Helper()
	log := &callLog{}
	first := &fakeSubsystem{name: "first", log: log, healthy: true}
	second := &fakeSubsystem{name: "second", log: log, healthy: true}
	// errors just mean defaults for a missing or empty path
	cfg, _ := utils.LoadConfig(configPath)
	m := NewManager(logging.NewTestLogger(t), cfg, configPath, nil)
	m.Register("first", first)
	m.Register("second", second)
	return m, log, first, second
}

func TestStartSubsystems(t *testing.T) {
	t.Run("in order", func(t *testing.T) {
		m, log, _, _ := newTestManager(t, "")
		test.That(t, m.StartSubsystems(context.Background()), test.ShouldBeNil)
		test.That(t, log.get(), test.ShouldResemble, []string{"first.start", "second.start"})
	})

	t.Run("stops at first failure", func(t *testing.T) {
		m, log, first, _ := newTestManager(t, "")
		first.startErr = errors.New("no adapter")
		err := m.StartSubsystems(context.Background())
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "first")
		test.That(t, err.Error(), test.ShouldContainSubstring, "no adapter")
		test.That(t, log.get(), test.ShouldResemble, []string{"first.start"})
	})

	t.Run("cancelled", func(t *testing.T) {
		m, log, _, _ := newTestManager(t, "")
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		test.That(t, errors.Is(m.StartSubsystems(ctx), context.Canceled), test.ShouldBeTrue)
		test.That(t, log.get(), test.ShouldBeEmpty)
	})
}

func TestSubsystemHealthChecks(t *testing.T) {
	m, log, _, second := newTestManager(t, "")
	second.healthy = false
	m.SubsystemHealthChecks(context.Background())
	test.That(t, log.get(), test.ShouldResemble, []string{
		"first.start",
		"second.start",
		"second.stop",
		"second.start",
	})
}

func TestUpdateConfig(t *testing.T) {
	m, log, first, second := newTestManager(t, "")
	second.restart = true

	cfg := utils.DefaultConfig()
	cfg.AdvancedSettings.Debug = 1
	cfg.Recorder.Resolution = "4K"
	m.UpdateConfig(context.Background(), cfg)

	test.That(t, m.Config().Recorder.Resolution, test.ShouldEqual, "4K")
	test.That(t, first.updates, test.ShouldHaveLength, 1)
	test.That(t, second.updates, test.ShouldHaveLength, 1)
	test.That(t, log.get(), test.ShouldResemble, []string{"second.stop", "second.start"})
}

func TestReloadConfig(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "agent.json")
	m, _, first, _ := newTestManager(t, configPath)

	// missing file means defaults, which is what the manager already has
	m.ReloadConfig(context.Background())
	test.That(t, first.updates, test.ShouldBeEmpty)

	test.That(t, os.WriteFile(configPath, []byte(`{
		// comments are allowed
		"recorder": {"resolution": "HD"}
	}`), 0o644), test.ShouldBeNil)
	m.ReloadConfig(context.Background())
	test.That(t, first.updates, test.ShouldHaveLength, 1)
	test.That(t, m.Config().Recorder.Resolution, test.ShouldEqual, "HD")

	// unchanged
	m.ReloadConfig(context.Background())
	test.That(t, first.updates, test.ShouldHaveLength, 1)

	// a half written file leaves the running config alone
	test.That(t, os.WriteFile(configPath, []byte(`{"recorder": {"resolution": "HD"`), 0o644), test.ShouldBeNil)
	m.ReloadConfig(context.Background())
	test.That(t, first.updates, test.ShouldHaveLength, 1)
	test.That(t, m.Config().Recorder.Resolution, test.ShouldEqual, "HD")

	// out of range values are corrected and applied
	test.That(t, os.WriteFile(configPath, []byte(`{"recorder": {"resolution": "4K", "fps": 500}}`), 0o644), test.ShouldBeNil)
	m.ReloadConfig(context.Background())
	test.That(t, first.updates, test.ShouldHaveLength, 2)
	test.That(t, m.Config().Recorder.Resolution, test.ShouldEqual, "4K")
	test.That(t, m.Config().Recorder.FPS, test.ShouldEqual, utils.DefaultConfiguration.Recorder.FPS)
}

func TestCloseAll(t *testing.T) {
	m, log, _, _ := newTestManager(t, "")
	ctx, cancel := context.WithCancel(context.Background())
	test.That(t, m.StartSubsystems(ctx), test.ShouldBeNil)
	m.StartBackgroundChecks(ctx)
	cancel()
	m.CloseAll()
	test.That(t, log.get(), test.ShouldResemble, []string{
		"first.start",
		"second.start",
		"second.stop",
		"first.stop",
	})
}
