package provisioning

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/medicam/agent/utils"
	errw "github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

// ProvisionInfo describes the last network the device joined.
type ProvisionInfo struct {
	SSID      string `json:"ssid,omitempty"`
	IP        string `json:"ip,omitempty"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

// ProvisionRecord is the persisted provisioning state (provision.json).
type ProvisionRecord struct {
	Provisioned bool          `json:"provisioned"`
	Info        ProvisionInfo `json:"info"`
}

// Store owns provision.json. Writes are serialized and atomic (temp file, fsync, rename), so readers, including
// other processes, never need a lock and always see a complete record.
type Store struct {
	logger logging.Logger
	path   string

	mu sync.Mutex
	// for tests
	now func() time.Time
}

func NewStore(logger logging.Logger, path string) *Store {
	return &Store{logger: logger, path: path, now: time.Now}
}

func (s *Store) Path() string {
	return s.path
}

// Load returns the persisted record. A missing or unreadable file yields the zero (unprovisioned) record.
func (s *Store) Load() ProvisionRecord {
	rec, _, err := s.read()
	if err != nil {
		s.logger.Warn(err)
	}
	return rec
}

// read returns the record, whether the file exists, and any problem reading it.
func (s *Store) read() (ProvisionRecord, bool, error) {
	var rec ProvisionRecord
	//nolint:gosec
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return rec, false, nil
		}
		return rec, false, errw.Wrapf(err, "reading %s", s.path)
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return ProvisionRecord{}, true, errw.Wrapf(err, "parsing %s, treating device as unprovisioned", s.path)
	}
	if rec.Provisioned && rec.Info.SSID == "" {
		return ProvisionRecord{}, true, errw.Wrapf(ErrInvalidRecord, "%s", s.path)
	}
	return rec, true, nil
}

func (s *Store) IsProvisioned() bool {
	return s.Load().Provisioned
}

// RequireProvisioned is the precondition hook for actions that only make sense on a provisioned device.
func (s *Store) RequireProvisioned() error {
	if !s.IsProvisioned() {
		return ErrNotProvisioned
	}
	return nil
}

// Save merges the non-empty fields of patch over the current record, sets provisioned, and stamps updated_at.
// When the ssid changes, the previous ip is dropped rather than carried over to the new network.
func (s *Store) Save(provisioned bool, patch ProvisionInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, _, err := s.read()
	if err != nil {
		s.logger.Warn(err)
	}

	next := cur
	if patch.SSID != "" && patch.SSID != cur.Info.SSID {
		next.Info.IP = ""
	}
	if patch.SSID != "" {
		next.Info.SSID = patch.SSID
	}
	if patch.IP != "" {
		next.Info.IP = patch.IP
	}
	next.Provisioned = provisioned
	if next.Provisioned && next.Info.SSID == "" {
		return ErrInvalidRecord
	}
	return s.write(next)
}

// Touch stamps updated_at on an existing record without changing anything else.
// It does nothing if no record has been written yet.
func (s *Store) Touch() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, exists, err := s.read()
	if err != nil {
		// don't overwrite something we couldn't parse with a stamped zero record
		return err
	}
	if !exists {
		return nil
	}
	return s.write(cur)
}

// Reset clears the record back to unprovisioned.
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(ProvisionRecord{})
}

// must be called with s.mu held.
func (s *Store) write(rec ProvisionRecord) error {
	rec.Info.UpdatedAt = s.now().UTC().Format(time.RFC3339)
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return errw.Wrap(err, "marshaling provisioning record")
	}
	if err := utils.WriteFileAtomic(s.path, data, 0o600); err != nil {
		return errw.Wrapf(err, "saving provisioning record to %s", s.path)
	}
	s.logger.Debugw("saved provisioning record", "provisioned", rec.Provisioned, "ssid", rec.Info.SSID, "ip", rec.Info.IP)
	return nil
}
