// Package recorder wraps ffmpeg to record the camera to disk, and serves the recordings over HTTP.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/medicam/agent"
	"github.com/medicam/agent/utils"
	errw "github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

const (
	SubsysName = "recorder"

	videoExt = ".mp4"

	startTimeout = time.Second * 10
	// ffmpeg finalizes the mp4 (moov atom) on SIGINT, which can take a moment for long recordings
	stopTimeout = time.Second * 10
	killTimeout = time.Second * 5
)

var (
	ErrAlreadyRecording = errw.New("already recording")
	ErrNotRecording     = errw.New("not recording")
	ErrInvalidName      = errw.New("invalid video name")
	ErrVideoNotFound    = errw.New("video not found")

	// Resolution presets, anything else falls back to FHD.
	Resolutions = map[string]string{
		"SD":  "640x480",
		"HD":  "1280x720",
		"FHD": "1920x1080",
		"2K":  "2560x1440",
		"4K":  "3840x2160",
	}
	defaultResolution = "FHD"

	startedRegex = regexp.MustCompile(`Output #0`)
	// device faults ffmpeg reports before it ever opens the output
	deviceErrorRegex = regexp.MustCompile(`(?i)(no such file or directory|input/output error|device or resource busy|` +
		`cannot open video device)`)
)

// Gate is the provisioning precondition: recording and file access are refused until the device is provisioned.
type Gate interface {
	RequireProvisioned() error
}

// Video is one recording on disk.
type Video struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modified"`
}

// Status is a snapshot of the recorder.
type Status struct {
	Recording bool      `json:"recording"`
	File      string    `json:"file,omitempty"`
	Since     time.Time `json:"since,omitzero"`
	LastExit  int       `json:"last_exit"`
}

// ResolvePreset maps a preset name (case-insensitive) to a WxH size, falling back to FHD.
func ResolvePreset(name string) (string, string) {
	key := strings.ToUpper(strings.TrimSpace(name))
	if size, ok := Resolutions[key]; ok {
		return key, size
	}
	return defaultResolution, Resolutions[defaultResolution]
}

// Recorder owns the single ffmpeg process.
type Recorder struct {
	logger logging.Logger
	gate   Gate

	// binary to run, "ffmpeg" from PATH unless overridden in tests
	ffmpeg string
	now    func() time.Time

	// for blocking start/stop ops while another is in progress
	startStopMu sync.Mutex

	mu       sync.Mutex
	cfg      utils.RecorderConfig
	cmd      *exec.Cmd
	running  bool
	exitChan chan struct{}
	file     string
	since    time.Time
	lastExit int
}

func NewRecorder(logger logging.Logger, cfg utils.RecorderConfig, gate Gate) *Recorder {
	return &Recorder{
		logger: logger,
		gate:   gate,
		ffmpeg: "ffmpeg",
		now:    time.Now,
		cfg:    cfg,
	}
}

func (r *Recorder) config() utils.RecorderConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg
}

// SetConfig applies cfg to the next recording.
func (r *Recorder) SetConfig(cfg utils.RecorderConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg = cfg
}

func ffmpegArgs(cfg utils.RecorderConfig, output string) []string {
	_, size := ResolvePreset(cfg.Resolution)
	return []string{
		"-hide_banner", "-nostats", "-y",
		"-f", "v4l2",
		"-video_size", size,
		"-framerate", strconv.Itoa(cfg.FPS),
		"-i", cfg.Device,
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-crf", "23",
		output,
	}
}

// Start begins a new recording and returns its file name once ffmpeg has opened the output.
func (r *Recorder) Start(ctx context.Context) (string, error) {
	if err := r.gate.RequireProvisioned(); err != nil {
		return "", err
	}

	r.startStopMu.Lock()
	defer r.startStopMu.Unlock()

	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return "", ErrAlreadyRecording
	}
	cfg := r.cfg
	//nolint:gosec
	if err := os.MkdirAll(cfg.VideoDir, 0o755); err != nil {
		r.mu.Unlock()
		return "", errw.Wrapf(err, "creating video directory %s", cfg.VideoDir)
	}
	name := fmt.Sprintf("video_%s%s", r.now().Format("20060102_150405"), videoExt)
	output := filepath.Join(cfg.VideoDir, name)

	stdio := agent.NewMatchingLogger(r.logger.AsZap(), false)
	// ffmpeg logs everything to stderr, errors included
	stderr := agent.NewMatchingLogger(r.logger.AsZap(), false)

	//nolint:gosec
	r.cmd = exec.Command(r.ffmpeg, ffmpegArgs(cfg, output)...)
	r.cmd.Dir = cfg.VideoDir
	utils.PlatformSubprocessSettings(r.cmd)
	r.cmd.Stdout = stdio
	r.cmd.Stderr = stderr

	// watch for these lines in the logs to tell success from failure during startup
	started, err := stderr.AddMatcher("started", startedRegex, false)
	if err != nil {
		r.mu.Unlock()
		return "", err
	}
	defer stderr.DeleteMatcher("started")
	deviceErr, err := stderr.AddMatcher("deviceError", deviceErrorRegex, false)
	if err != nil {
		r.mu.Unlock()
		return "", err
	}
	defer stderr.DeleteMatcher("deviceError")

	r.logger.Infof("starting recording to %s", output)
	if err := r.cmd.Start(); err != nil {
		r.mu.Unlock()
		return "", errw.Wrap(err, "starting ffmpeg")
	}
	r.running = true
	r.file = name
	r.since = r.now()
	r.exitChan = make(chan struct{})
	cmd, exitChan := r.cmd, r.exitChan

	// must be unlocked before spawning goroutine
	r.mu.Unlock()
	go func() {
		defer utils.Recover(r.logger, nil)
		err := cmd.Wait()
		r.mu.Lock()
		defer r.mu.Unlock()
		r.running = false
		r.logger.Infof("ffmpeg exited, recording %s ended", name)
		if err != nil {
			r.logger.Debugw("ffmpeg exit status", "error", err)
		}
		if cmd.ProcessState != nil {
			r.lastExit = cmd.ProcessState.ExitCode()
		}
		close(exitChan)
	}()

	select {
	case <-started:
		r.logger.Infof("recording %s started", name)
		return name, nil
	case matches := <-deviceErr:
		r.stopAfterFailedStart()
		return "", errw.Errorf("camera device %s: %s", cfg.Device, matches[0])
	case <-ctx.Done():
		r.stopAfterFailedStart()
		return "", ctx.Err()
	case <-time.After(startTimeout):
		r.stopAfterFailedStart()
		return "", errw.New("ffmpeg startup timed out")
	case <-exitChan:
		return "", errw.New("ffmpeg exited during startup")
	}
}

func (r *Recorder) stopAfterFailedStart() {
	ctx, cancel := context.WithTimeout(context.Background(), killTimeout)
	defer cancel()
	if err := r.stop(ctx); err != nil && !errors.Is(err, ErrNotRecording) {
		r.logger.Warn(err)
	}
}

// Stop ends the current recording and returns its file name.
func (r *Recorder) Stop(ctx context.Context) (string, error) {
	r.startStopMu.Lock()
	defer r.startStopMu.Unlock()
	r.mu.Lock()
	name := r.file
	r.mu.Unlock()
	if err := r.stop(ctx); err != nil {
		return "", err
	}
	return name, nil
}

func (r *Recorder) stop(ctx context.Context) error {
	r.mu.Lock()
	running, cmd := r.running, r.cmd
	r.mu.Unlock()
	if !running || cmd == nil || cmd.Process == nil {
		return ErrNotRecording
	}

	r.logger.Info("stopping recording")
	if err := cmd.Process.Signal(os.Interrupt); err != nil {
		r.logger.Error(err)
	}
	if r.waitForExit(ctx, stopTimeout) {
		return nil
	}

	r.logger.Warn("ffmpeg refused to exit, killing")
	utils.PlatformKill(r.logger, cmd)
	if r.waitForExit(ctx, killTimeout) {
		return nil
	}
	return errw.New("ffmpeg process couldn't be killed")
}

func (r *Recorder) waitForExit(ctx context.Context, timeout time.Duration) bool {
	r.mu.Lock()
	exitChan := r.exitChan
	running := r.running
	r.mu.Unlock()

	if !running {
		return true
	}

	select {
	case <-exitChan:
		return true
	case <-ctx.Done():
		return false
	case <-time.After(timeout):
		return false
	}
}

func (r *Recorder) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := Status{Recording: r.running, LastExit: r.lastExit}
	if r.running {
		st.File = r.file
		st.Since = r.since
	}
	return st
}

// List returns the recordings, newest first.
func (r *Recorder) List() ([]Video, error) {
	dir := r.config().VideoDir
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []Video{}, nil
		}
		return nil, errw.Wrapf(err, "reading %s", dir)
	}
	videos := []Video{}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != videoExt {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			// removed between ReadDir and Info
			continue
		}
		videos = append(videos, Video{Name: entry.Name(), Size: info.Size(), ModTime: info.ModTime()})
	}
	slices.SortFunc(videos, func(a, b Video) int {
		if c := b.ModTime.Compare(a.ModTime); c != 0 {
			return c
		}
		return strings.Compare(b.Name, a.Name)
	})
	return videos, nil
}

// videoPath validates name as a plain recording file name inside the video dir.
func (r *Recorder) videoPath(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") || filepath.Ext(name) != videoExt {
		return "", ErrInvalidName
	}
	return filepath.Join(r.config().VideoDir, name), nil
}

// Open returns the recording for reading. The caller closes it.
func (r *Recorder) Open(name string) (*os.File, error) {
	if err := r.gate.RequireProvisioned(); err != nil {
		return nil, err
	}
	path, err := r.videoPath(name)
	if err != nil {
		return nil, err
	}
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrVideoNotFound
		}
		return nil, errw.Wrapf(err, "opening %s", name)
	}
	return f, nil
}

// Delete removes a recording. The one being written can't be deleted.
func (r *Recorder) Delete(name string) error {
	if err := r.gate.RequireProvisioned(); err != nil {
		return err
	}
	path, err := r.videoPath(name)
	if err != nil {
		return err
	}
	if st := r.Status(); st.Recording && st.File == name {
		return ErrAlreadyRecording
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrVideoNotFound
		}
		return errw.Wrapf(err, "deleting %s", name)
	}
	r.logger.Infof("deleted recording %s", name)
	return nil
}
