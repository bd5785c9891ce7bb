package recorder

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"reflect"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/medicam/agent/subsystems"
	"github.com/medicam/agent/subsystems/provisioning"
	"github.com/medicam/agent/utils"
	errw "github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	goutils "go.viam.com/utils"
)

const (
	shutdownTimeout = time.Second * 5
	// bytes read to sniff a recording's content type
	sniffBytes = 3072
)

// Server is the recorder subsystem: the HTTP API in front of a Recorder.
type Server struct {
	logger   logging.Logger
	recorder *Recorder

	// blocks start/stop/etc operations
	opMu     sync.Mutex
	bind     string
	srv      *http.Server
	listener net.Listener
	serveErr error
	workers  sync.WaitGroup
}

var _ subsystems.Subsystem = &Server{}

func NewServer(logger logging.Logger, cfg utils.AgentConfig, gate Gate) *Server {
	return &Server{
		logger:   logger,
		recorder: NewRecorder(logger.Sublogger("ffmpeg"), cfg.Recorder, gate),
		bind:     cfg.Recorder.HTTPBind,
	}
}

func (s *Server) Recorder() *Recorder {
	return s.recorder
}

// Addr is the bound address while running.
func (s *Server) Addr() net.Addr {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /start", s.handleStart)
	mux.HandleFunc("POST /stop", s.handleStop)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /videos", s.handleList)
	mux.HandleFunc("GET /videos/{name}", s.handleDownload)
	mux.HandleFunc("DELETE /videos/{name}", s.handleDelete)
	return mux
}

func (s *Server) Start(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if s.srv != nil {
		return nil
	}

	lc := net.ListenConfig{}
	listener, err := lc.Listen(ctx, "tcp", s.bind)
	if err != nil {
		return errw.Wrapf(err, "listening on %s", s.bind)
	}
	s.listener = listener
	s.serveErr = nil
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: time.Second * 10,
	}
	srv := s.srv
	s.logger.Infof("recorder API listening on %s", listener.Addr())

	s.workers.Add(1)
	goutils.PanicCapturingGo(func() {
		defer s.workers.Done()
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.opMu.Lock()
			s.serveErr = err
			s.opMu.Unlock()
			s.logger.Error(errw.Wrap(err, "recorder API"))
		}
	})
	return nil
}

// Stop shuts down the API and ends any recording in progress.
func (s *Server) Stop(ctx context.Context) error {
	s.opMu.Lock()
	srv := s.srv
	s.srv = nil
	s.listener = nil
	s.opMu.Unlock()
	if srv == nil {
		return nil
	}

	var errOut error
	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errOut = errors.Join(errOut, errw.Wrap(err, "shutting down recorder API"))
		goutils.UncheckedError(srv.Close())
	}
	s.workers.Wait()

	if _, err := s.recorder.Stop(ctx); err != nil && !errors.Is(err, ErrNotRecording) {
		errOut = errors.Join(errOut, err)
	}
	return errOut
}

// Update applies recorder settings to the next recording. A new bind address needs a restart.
func (s *Server) Update(ctx context.Context, cfg utils.AgentConfig) bool {
	old := s.recorder.config()
	if reflect.DeepEqual(old, cfg.Recorder) {
		return false
	}
	s.recorder.SetConfig(cfg.Recorder)

	s.opMu.Lock()
	defer s.opMu.Unlock()
	if s.bind != cfg.Recorder.HTTPBind {
		s.bind = cfg.Recorder.HTTPBind
		return true
	}
	return false
}

func (s *Server) HealthCheck(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if s.srv == nil {
		return errw.Errorf("%s not running", SubsysName)
	}
	return s.serveErr
}

type apiError struct {
	Error string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug(errw.Wrap(err, "writing response"))
	}
}

// writeError maps recorder errors to status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, provisioning.ErrNotProvisioned):
		code = http.StatusForbidden
	case errors.Is(err, ErrInvalidName):
		code = http.StatusBadRequest
	case errors.Is(err, ErrVideoNotFound):
		code = http.StatusNotFound
	case errors.Is(err, ErrAlreadyRecording), errors.Is(err, ErrNotRecording):
		code = http.StatusConflict
	default:
		s.logger.Warn(err)
	}
	s.writeJSON(w, code, apiError{Error: err.Error()})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	name, err := s.recorder.Start(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "recording", "file": name})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	name, err := s.recorder.Stop(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "stopped", "file": name})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.recorder.Status())
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	videos, err := s.recorder.List()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, videos)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	f, err := s.recorder.Open(name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer goutils.UncheckedErrorFunc(f.Close)

	info, err := f.Stat()
	if err != nil {
		s.writeError(w, errw.Wrapf(err, "reading %s", name))
		return
	}

	// a recording that's still being written (or was cut short) may not be a valid mp4 yet
	mtype, err := mimetype.DetectReader(io.LimitReader(f, sniffBytes))
	if err != nil {
		s.writeError(w, errw.Wrapf(err, "detecting type of %s", name))
		return
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		s.writeError(w, errw.Wrapf(err, "reading %s", name))
		return
	}
	w.Header().Set("Content-Type", mtype.String())
	http.ServeContent(w, r, name, info.ModTime(), f)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.recorder.Delete(name); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "file": name})
}
