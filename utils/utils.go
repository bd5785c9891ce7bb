// Package utils contains helper functions shared between the agent binaries and subsystems
package utils

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	errw "github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

var (
	// versions embedded at build time.
	Version     = ""
	GitRevision = ""

	MedicamDirs = MedicamDirsData{
		Medicam: "/opt/medicam",
		Bin:     "/opt/medicam/bin",
		State:   "/var/lib/medicam",
		Etc:     "/etc/medicam",
	}

	HealthCheckTimeout = time.Minute
)

type MedicamDirsData struct {
	Medicam string
	Bin     string
	State   string
	Etc     string
}

func (d MedicamDirsData) Values() []string {
	return []string{d.Medicam, d.Bin, d.State, d.Etc}
}

// GetVersion returns the version embedded at build time.
func GetVersion() string {
	if Version == "" {
		return "custom"
	}
	return Version
}

// GetRevision returns the git revision embedded at build time.
func GetRevision() string {
	if GitRevision == "" {
		return "unknown"
	}
	return GitRevision
}

// InitPaths creates the directories the agent writes to.
func InitPaths() error {
	uid := os.Getuid()
	for _, p := range MedicamDirs.Values() {
		info, err := os.Stat(p)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				//nolint:gosec
				if err := os.MkdirAll(p, 0o755); err != nil {
					return errw.Wrapf(err, "creating directory %s", p)
				}
				continue
			}
			return errw.Wrapf(err, "checking directory %s", p)
		}
		if err := checkPathOwner(uid, info); err != nil {
			return err
		}
		if !info.IsDir() {
			return errw.Errorf("%s should be a directory, but is not", p)
		}
	}
	return nil
}

// WriteFileIfNew returns true if contents changed and a write happened.
func WriteFileIfNew(outPath string, data []byte) (bool, error) {
	//nolint:gosec
	curFileBytes, err := os.ReadFile(outPath)
	if err != nil {
		if !errw.Is(err, fs.ErrNotExist) {
			return false, errw.Wrapf(err, "opening %s for reading", outPath)
		}
	} else if bytes.Equal(curFileBytes, data) {
		return false, nil
	}

	return true, WriteFileAtomic(outPath, data, 0o644)
}

// WriteFileAtomic writes data to a temp file in the same directory, fsyncs it, then renames it over outPath.
// Readers see either the old or the new contents, never a partial file.
func WriteFileAtomic(outPath string, data []byte, perm os.FileMode) (errRet error) {
	dir := filepath.Dir(outPath)
	//nolint:gosec
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errw.Wrapf(err, "creating directory for %s", outPath)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(outPath)+".*")
	if err != nil {
		return errw.Wrapf(err, "creating temp file for %s", outPath)
	}
	// `closed` suppresses double-close
	closed := false
	defer func() {
		if !closed {
			errRet = errors.Join(errRet, tmp.Close())
		}
		if errRet != nil {
			if err := os.Remove(tmp.Name()); err != nil && !errors.Is(err, fs.ErrNotExist) {
				errRet = errors.Join(errRet, err)
			}
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return errw.Wrapf(err, "writing %s", tmp.Name())
	}
	if err := tmp.Chmod(perm); err != nil {
		return errw.Wrapf(err, "setting permissions on %s", tmp.Name())
	}
	if err := tmp.Sync(); err != nil {
		return errw.Wrapf(err, "syncing %s", tmp.Name())
	}
	closed = true
	if err := tmp.Close(); err != nil {
		return errw.Wrapf(err, "closing %s", tmp.Name())
	}
	if err := os.Rename(tmp.Name(), outPath); err != nil {
		return errw.Wrapf(err, "renaming %s to %s", tmp.Name(), outPath)
	}
	return SyncFS(outPath)
}

type Health struct {
	mu      sync.Mutex
	last    time.Time
	Timeout time.Duration
}

func NewHealth() *Health {
	return &Health{Timeout: HealthCheckTimeout, last: time.Now()}
}

func (h *Health) MarkGood() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.last = time.Now()
}

func (h *Health) Sleep(ctx context.Context, timeout time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(timeout):
		h.mu.Lock()
		defer h.mu.Unlock()
		h.last = time.Now()
		return true
	}
}

func (h *Health) IsHealthy() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return time.Since(h.last) < h.Timeout
}

func Recover(logger logging.Logger, inner func(r any)) {
	// if something panicked, log it and allow things to continue
	r := recover()
	if r != nil {
		logger.Error("encountered a panic, attempting to recover")
		logger.Errorf("panic: %s\n%s", r, debug.Stack())
		if inner != nil {
			inner(r)
		}
	}
}

// TruncateUTF8 cuts s to at most n bytes without splitting a multi-byte rune.
func TruncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	// walk back over continuation bytes
	for cut > 0 && s[cut]&0xC0 == 0x80 {
		cut--
	}
	return s[:cut]
}
