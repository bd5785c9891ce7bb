// Package supervisor keeps the provisioning service running while the device is offline, and stops it once
// NetworkManager reports a connection.
package supervisor

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"time"

	"github.com/medicam/agent/subsystems"
	"github.com/medicam/agent/subsystems/provisioning"
	"github.com/medicam/agent/utils"
	errw "github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

const (
	SubsysName = "supervisor"

	// bounds a single connectivity check plus start/stop of the target
	tickTimeout = time.Second * 30
)

// ConnectivityChecker reports NetworkManager's overall state.
type ConnectivityChecker interface {
	Connectivity(ctx context.Context) (provisioning.ConnState, error)
}

// Action is what a single tick did to the target.
type Action int

const (
	ActionNone Action = iota
	ActionStart
	ActionStop
)

func (a Action) String() string {
	switch a {
	case ActionStart:
		return "start"
	case ActionStop:
		return "stop"
	default:
		return "none"
	}
}

// decide is the whole policy: the provisioning service runs exactly when the device is not connected.
func decide(connected, active bool) Action {
	switch {
	case connected && active:
		return ActionStop
	case !connected && !active:
		return ActionStart
	default:
		return ActionNone
	}
}

// backoff doubles base once per consecutive failure, capped at maxBackoff.
func backoff(base, maxBackoff time.Duration, failures int) time.Duration {
	d := base
	for range failures {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}

type Controller struct {
	logger logging.Logger
	conn   ConnectivityChecker
	target Target

	mu       sync.Mutex
	cfg      utils.SupervisorConfig
	failures int
	lastErr  error

	// blocks start/stop/etc operations
	opMu    sync.Mutex
	running bool
	cancel  context.CancelFunc
	workers sync.WaitGroup
	health  *utils.Health
}

var _ subsystems.Subsystem = &Controller{}

func NewController(logger logging.Logger, cfg utils.AgentConfig, conn ConnectivityChecker, target Target) *Controller {
	health := utils.NewHealth()
	health.Timeout = time.Duration(cfg.Supervisor.MaxBackoff) + tickTimeout*2
	return &Controller{
		logger: logger,
		conn:   conn,
		target: target,
		cfg:    cfg.Supervisor,
		health: health,
	}
}

// Tick checks connectivity and the target once, starting or stopping the target as needed.
func (c *Controller) Tick(ctx context.Context) (Action, error) {
	ctx, cancel := context.WithTimeout(ctx, tickTimeout)
	defer cancel()

	// an unanswerable connectivity query counts as offline, so provisioning stays reachable
	state, connErr := c.conn.Connectivity(ctx)
	if connErr != nil {
		connErr = errw.Wrap(connErr, "checking connectivity")
		c.logger.Warn(connErr)
		state = provisioning.ConnState{State: "unknown", Connectivity: "unknown"}
	}
	active, err := c.target.IsActive(ctx)
	if err != nil {
		return ActionNone, errw.Wrapf(err, "checking %s", c.target.Name())
	}

	action := decide(state.Connected(), active)
	switch action {
	case ActionStart:
		c.logger.Infof("device is offline (%s/%s), starting %s", state.State, state.Connectivity, c.target.Name())
		err = c.target.Start(ctx)
	case ActionStop:
		c.logger.Infof("device is connected (%s/%s), stopping %s", state.State, state.Connectivity, c.target.Name())
		err = c.target.Stop(ctx)
	case ActionNone:
		c.logger.Debugw("no change needed", "state", state.State, "active", active)
	}
	if err != nil {
		err = errw.Wrapf(err, "failed to %s %s", action, c.target.Name())
	}
	return action, errors.Join(connErr, err)
}

func (c *Controller) record(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastErr = err
	if err == nil {
		if c.failures > 0 {
			c.logger.Infof("recovered after %d failed checks", c.failures)
		}
		c.failures = 0
		return
	}
	c.failures++
	c.logger.Warnw("supervisor check failed", "failures", c.failures, "error", err)
}

// Interval is the wait before the next tick.
func (c *Controller) Interval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return backoff(time.Duration(c.cfg.PollInterval), time.Duration(c.cfg.MaxBackoff), c.failures)
}

// Failures is the number of consecutive failed ticks.
func (c *Controller) Failures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failures
}

// Run ticks until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) {
	for {
		_, err := c.Tick(ctx)
		if ctx.Err() != nil {
			return
		}
		c.record(err)
		c.health.MarkGood()
		if !c.health.Sleep(ctx, c.Interval()) {
			return
		}
	}
}

func (c *Controller) Start(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	if c.running {
		return nil
	}

	c.health.MarkGood()

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.running = true
	c.logger.Infof("supervising %s", c.target.Name())

	c.workers.Add(1)
	go func() {
		defer c.workers.Done()
		defer utils.Recover(c.logger, nil)
		c.Run(runCtx)
	}()
	return nil
}

// Stop ends the polling loop. The target is left as it is.
func (c *Controller) Stop(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	if !c.running {
		return nil
	}
	c.cancel()
	c.running = false

	done := make(chan struct{})
	go func() {
		c.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errw.Wrap(ctx.Err(), "waiting for supervisor loop to exit")
	}
}

// Update applies new intervals to the running loop, they take effect after the current sleep.
func (c *Controller) Update(ctx context.Context, cfg utils.AgentConfig) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if reflect.DeepEqual(c.cfg, cfg.Supervisor) {
		return false
	}
	if cfg.Supervisor.UnitName != c.cfg.UnitName {
		c.logger.Warnf("unit name changed from %s to %s, restart the supervisor to apply",
			c.cfg.UnitName, cfg.Supervisor.UnitName)
	}
	c.cfg = cfg.Supervisor
	return false
}

func (c *Controller) HealthCheck(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	if !c.running {
		return errw.Errorf("%s not running", SubsysName)
	}
	if !c.health.IsHealthy() {
		c.mu.Lock()
		lastErr := c.lastErr
		c.mu.Unlock()
		return errors.Join(errw.Errorf("%s loop is stalled", SubsysName), lastErr)
	}
	return nil
}
