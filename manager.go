package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/medicam/agent/subsystems"
	"github.com/medicam/agent/utils"
	errw "github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	goutils "go.viam.com/utils"
)

const (
	// The minimal (and default) interval for health checks and config reloads.
	minimalCheckInterval = time.Second * 5
	defaultCheckInterval = time.Second * 30

	healthCheckTimeout = time.Second * 15
	stopAllTimeout     = time.Minute
)

type namedSubsystem struct {
	name string
	sub  subsystems.Subsystem
}

// Manager is the core of each agent process: it starts an ordered list of subsystems, health checks (and
// restarts) them, reloads the config file, and stops them all on shutdown.
type Manager struct {
	activeBackgroundWorkers sync.WaitGroup

	logger     logging.Logger
	configPath string

	cfgMu sync.RWMutex
	cfg   utils.AgentConfig

	subsystems []namedSubsystem

	checkInterval time.Duration
	globalCancel  context.CancelFunc
}

// NewManager returns a new Manager.
func NewManager(logger logging.Logger, cfg utils.AgentConfig, configPath string, globalCancel context.CancelFunc) *Manager {
	m := &Manager{
		logger:        logger,
		cfg:           cfg,
		configPath:    configPath,
		checkInterval: defaultCheckInterval,
		globalCancel:  globalCancel,
	}
	m.setDebug(cfg.AdvancedSettings.Debug.Get())
	return m
}

// Register adds a subsystem. Subsystems start in registration order and stop in reverse.
func (m *Manager) Register(name string, sub subsystems.Subsystem) {
	m.subsystems = append(m.subsystems, namedSubsystem{name: name, sub: sub})
}

func (m *Manager) Config() utils.AgentConfig {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return m.cfg
}

func (m *Manager) setDebug(debug bool) {
	if debug {
		m.logger.SetLevel(logging.DEBUG)
	} else {
		m.logger.SetLevel(logging.INFO)
	}
}

// StartSubsystems starts every subsystem, stopping at the first failure. Startup faults (no adapter, port in use)
// are fatal to the caller.
func (m *Manager) StartSubsystems(ctx context.Context) error {
	defer utils.Recover(m.logger, nil)
	for _, entry := range m.subsystems {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.logger.Infof("Starting subsystem %s", entry.name)
		if err := entry.sub.Start(ctx); err != nil {
			return errw.Wrapf(err, "starting subsystem %s", entry.name)
		}
	}
	return nil
}

// SubsystemHealthChecks makes sure all subsystems are responding, and restarts them if not.
func (m *Manager) SubsystemHealthChecks(ctx context.Context) {
	defer utils.Recover(m.logger, nil)
	if ctx.Err() != nil {
		return
	}
	m.logger.Debug("Starting health checks for all subsystems")

	for _, entry := range m.subsystems {
		if ctx.Err() != nil {
			return
		}

		// Start should return near-instantly if already started.
		if err := entry.sub.Start(ctx); err != nil {
			m.logger.Warn(errw.Wrapf(err, "starting subsystem %s", entry.name))
		}

		ctxTimeout, cancelFunc := context.WithTimeout(ctx, healthCheckTimeout)
		err := entry.sub.HealthCheck(ctxTimeout)
		cancelFunc()
		if err == nil {
			m.logger.Debugf("Subsystem healthcheck succeeded for %s", entry.name)
			continue
		}
		if ctx.Err() != nil {
			return
		}
		m.logger.Errorw(
			"Subsystem healthcheck failed, subsystem will be restarted",
			"subsystem", entry.name,
			"err", err,
		)
		m.restart(ctx, entry)
	}
}

func (m *Manager) restart(ctx context.Context, entry namedSubsystem) {
	if err := entry.sub.Stop(ctx); err != nil {
		m.logger.Warn(errw.Wrapf(err, "stopping subsystem %s", entry.name))
	}
	if ctx.Err() != nil {
		return
	}
	if err := entry.sub.Start(ctx); err != nil {
		m.logger.Warn(errw.Wrapf(err, "restarting subsystem %s", entry.name))
	}
}

// UpdateConfig hands cfg to every subsystem, restarting those that ask for it.
func (m *Manager) UpdateConfig(ctx context.Context, cfg utils.AgentConfig) {
	defer utils.Recover(m.logger, nil)
	m.cfgMu.Lock()
	m.cfg = cfg
	m.cfgMu.Unlock()
	m.setDebug(cfg.AdvancedSettings.Debug.Get())

	for _, entry := range m.subsystems {
		if ctx.Err() != nil {
			return
		}
		if entry.sub.Update(ctx, cfg) {
			m.logger.Infof("config change requires a restart of %s", entry.name)
			m.restart(ctx, entry)
		}
	}
}

// ReloadConfig re-reads the config file, applying it when it changed.
func (m *Manager) ReloadConfig(ctx context.Context) {
	cfg, err := utils.LoadConfig(m.configPath)
	if err != nil {
		if errors.Is(err, utils.ErrConfigUnreadable) {
			m.logger.Warn(errw.Wrapf(err, "keeping current config, reloading %s", m.configPath))
			return
		}
		m.logger.Warn(errw.Wrapf(err, "reloading %s", m.configPath))
	}
	if fmt.Sprintf("%+v", cfg) == fmt.Sprintf("%+v", m.Config()) {
		return
	}
	m.logger.Infof("config file %s changed, applying", m.configPath)
	m.UpdateConfig(ctx, cfg)
}

// StartBackgroundChecks kicks off a goroutine that loops on a timer to reload config and run health checks.
func (m *Manager) StartBackgroundChecks(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	m.logger.Debug("starting background checks")
	m.activeBackgroundWorkers.Add(1)
	go func() {
		defer utils.Recover(m.logger, func(_ any) {
			// if panic escalates to this height, we should let it crash and get restarted from systemd
			m.logger.Error("serious panic discovered, exiting for clean restart")
			if m.globalCancel != nil {
				m.globalCancel()
			}
		})
		defer m.activeBackgroundWorkers.Done()

		timer := time.NewTimer(max(m.checkInterval, minimalCheckInterval))
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
				m.ReloadConfig(ctx)
				m.SubsystemHealthChecks(ctx)
				timer.Reset(max(m.checkInterval, minimalCheckInterval))
			}
		}
	}()
}

// CloseAll stops all subsystems, in reverse order, and waits for background workers.
func (m *Manager) CloseAll() {
	ctx, cancel := context.WithTimeout(context.Background(), stopAllTimeout)
	defer cancel()

	// Use a slow goroutine watcher to log and continue if shutdown is taking too long.
	slowWatcher, slowWatcherCancel := goutils.SlowGoroutineWatcher(
		stopAllTimeout/2,
		fmt.Sprintf("medicam subsystems and/or background workers failed to shut down within %v", stopAllTimeout/2),
		m.logger,
	)
	defer slowWatcherCancel()

	done := make(chan struct{})
	goutils.PanicCapturingGo(func() {
		defer close(done)
		for i := len(m.subsystems) - 1; i >= 0; i-- {
			entry := m.subsystems[i]
			if err := entry.sub.Stop(ctx); err != nil {
				m.logger.Warn(errw.Wrapf(err, "stopping subsystem %s", entry.name))
			} else {
				m.logger.Infof("Subsystem %s shut down successfully", entry.name)
			}
		}
		m.activeBackgroundWorkers.Wait()
		m.logger.Info("Background workers shut down successfully")
	})

	select {
	case <-done:
		m.logger.Info("All medicam subsystems and background workers shut down")
	case <-slowWatcher:
		// the watcher has logged, keep waiting for the hard deadline
		select {
		case <-done:
			m.logger.Info("All medicam subsystems and background workers shut down")
		case <-ctx.Done():
			m.logger.Error("Shutdown timed out, exiting now")
		}
	case <-ctx.Done():
		m.logger.Error("Shutdown timed out, exiting now")
	}
}
