package provisioning

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"time"

	"github.com/medicam/agent/subsystems"
	"github.com/medicam/agent/utils"
	errw "github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	goutils "go.viam.com/utils"
)

// Service owns the whole command chain: store, executor, dispatcher and transports.
type Service struct {
	logger logging.Logger

	// blocks start/stop/etc operations
	opMu    sync.Mutex
	running bool
	cancel  context.CancelFunc
	workers sync.WaitGroup

	dataMu sync.Mutex
	cfg    utils.ProvisioningConfig
	// set when a transport stops serving unexpectedly
	serveErr error

	// injected for tests, otherwise built on Start
	nm             NetworkManager
	ownNM          bool
	transports     []Transport
	fixedTransport bool

	store      *Store
	dispatcher *Dispatcher
}

type Option func(*Service)

// WithNetworkManager uses nm instead of the configured backend.
func WithNetworkManager(nm NetworkManager) Option {
	return func(s *Service) {
		s.nm = nm
	}
}

// WithTransports uses ts instead of the configured transports.
func WithTransports(ts ...Transport) Option {
	return func(s *Service) {
		s.transports = ts
		s.fixedTransport = true
	}
}

func NewService(logger logging.Logger, cfg utils.AgentConfig, opts ...Option) *Service {
	s := &Service{
		logger: logger,
		cfg:    cfg.Provisioning,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.store = NewStore(logger.Sublogger("store"), cfg.Provisioning.StateFile)
	return s
}

var _ subsystems.Subsystem = &Service{}

func (s *Service) Config() utils.ProvisioningConfig {
	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	return s.cfg
}

// Store is the provisioning record this service writes.
func (s *Service) Store() *Store {
	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	return s.store
}

// Start opens every transport and begins serving. Any transport failing to open fails the start.
func (s *Service) Start(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if s.running {
		return nil
	}
	cfg := s.Config()
	s.logger.Debugf("Starting %s", SubsysName)

	if s.nm == nil {
		nm, err := NewNetworkManager(s.logger.Sublogger("nm"), cfg.Backend, cfg.WifiInterface)
		if err != nil {
			return errw.Wrap(err, "initializing network backend")
		}
		s.nm = nm
		s.ownNM = true
	}

	transports := s.transports
	if !s.fixedTransport {
		transports = nil
		opts := transportOptions(cfg)
		for _, tc := range cfg.Transports {
			t, err := NewTransport(s.logger, tc, opts)
			if err != nil {
				return errors.Join(err, s.closeNM())
			}
			transports = append(transports, t)
		}
	}
	if len(transports) == 0 {
		return errors.Join(errw.New("no provisioning transports configured"), s.closeNM())
	}

	for i, t := range transports {
		if err := t.Open(ctx); err != nil {
			var errs []error
			errs = append(errs, errw.Wrapf(err, "opening transport %s", t.Name()))
			for _, opened := range transports[:i] {
				errs = append(errs, opened.Close())
			}
			errs = append(errs, s.closeNM())
			return errors.Join(errs...)
		}
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	executor := NewExecutor(s.logger.Sublogger("executor"), s.nm, s.store, ExecutorConfig{
		MinSignal:      cfg.MinSignal,
		MaxNetworks:    cfg.MaxNetworks,
		ScanTimeout:    time.Duration(cfg.ScanTimeout),
		ConnectTimeout: time.Duration(cfg.ConnectTimeout),
		WifiInterface:  cfg.WifiInterface,
	})
	s.dispatcher = NewDispatcher(cancelCtx, s.logger.Sublogger("dispatcher"), executor, s.store)
	s.transports = transports

	s.dataMu.Lock()
	s.serveErr = nil
	s.dataMu.Unlock()

	for _, t := range transports {
		s.workers.Add(1)
		go func(t Transport) {
			defer s.workers.Done()
			defer utils.Recover(s.logger, func(r any) {
				s.setServeErr(errw.Errorf("transport %s panicked: %v", t.Name(), r))
			})
			err := t.Serve(cancelCtx, s.dispatcher.Handle)
			if cancelCtx.Err() != nil {
				return
			}
			if err == nil {
				err = errw.Errorf("transport %s stopped serving", t.Name())
			}
			s.logger.Error(err)
			s.setServeErr(err)
		}(t)
	}

	s.running = true
	s.logger.Infof("%s startup complete, provisioned: %t", SubsysName, s.store.IsProvisioned())
	return nil
}

func (s *Service) setServeErr(err error) {
	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	if s.serveErr == nil {
		s.serveErr = err
	}
}

func (s *Service) closeNM() error {
	if !s.ownNM || s.nm == nil {
		return nil
	}
	err := s.nm.Close()
	s.nm = nil
	s.ownNM = false
	return err
}

// Stop cancels background actions and closes the transports, waiting a bounded time for workers to exit.
func (s *Service) Stop(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if !s.running {
		return nil
	}
	s.logger.Infof("%s subsystem exiting", SubsysName)

	if s.cancel != nil {
		s.cancel()
	}

	var errs []error
	for _, t := range s.transports {
		if err := t.Close(); err != nil {
			errs = append(errs, errw.Wrapf(err, "closing transport %s", t.Name()))
		}
	}

	waitCtx, cancel := context.WithTimeout(ctx, stopGracePeriod)
	defer cancel()
	done := make(chan struct{})
	goutils.PanicCapturingGo(func() {
		s.workers.Wait()
		close(done)
	})
	select {
	case <-done:
	case <-waitCtx.Done():
		s.logger.Warn("timed out waiting for transports to stop")
	}
	if err := s.dispatcher.Wait(waitCtx); err != nil {
		s.logger.Warn(err)
	}

	errs = append(errs, s.closeNM())
	if !s.fixedTransport {
		s.transports = nil
	}
	s.running = false
	return errors.Join(errs...)
}

// Update returns true if the provisioning config changed, which needs a restart to take effect.
func (s *Service) Update(ctx context.Context, cfg utils.AgentConfig) (needRestart bool) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if reflect.DeepEqual(cfg.Provisioning, s.Config()) {
		return needRestart
	}
	needRestart = true
	s.logger.Debugf("Updated config differs from previous. Previous: %#v New: %#v", s.Config(), cfg.Provisioning)

	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	s.cfg = cfg.Provisioning
	if s.store.Path() != cfg.Provisioning.StateFile {
		s.store = NewStore(s.logger.Sublogger("store"), cfg.Provisioning.StateFile)
	}
	return needRestart
}

// HealthCheck reports if a subsystem is running correctly (it is restarted if not).
func (s *Service) HealthCheck(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if !s.running {
		return errw.Errorf("%s not running", SubsysName)
	}
	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	return s.serveErr
}
