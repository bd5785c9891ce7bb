package provisioning

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.viam.com/rdk/logging"
	"go.viam.com/test"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := NewStore(logging.NewTestLogger(t), filepath.Join(t.TempDir(), "provision.json"))
	s.now = func() time.Time {
		return time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	}
	return s
}

func TestStoreLoad(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		s := newTestStore(t)
		test.That(t, s.Load(), test.ShouldResemble, ProvisionRecord{})
		test.That(t, s.IsProvisioned(), test.ShouldBeFalse)
		test.That(t, s.RequireProvisioned(), test.ShouldBeError, ErrNotProvisioned)
	})

	t.Run("corrupt file", func(t *testing.T) {
		s := newTestStore(t)
		test.That(t, os.WriteFile(s.Path(), []byte(`{"provisioned": tr`), 0o600), test.ShouldBeNil)
		test.That(t, s.IsProvisioned(), test.ShouldBeFalse)
		test.That(t, s.Load(), test.ShouldResemble, ProvisionRecord{})
	})

	t.Run("provisioned without ssid", func(t *testing.T) {
		s := newTestStore(t)
		test.That(t, os.WriteFile(s.Path(), []byte(`{"provisioned": true, "info": {"ip": "10.0.0.2"}}`), 0o600), test.ShouldBeNil)
		test.That(t, s.IsProvisioned(), test.ShouldBeFalse)
	})

	t.Run("valid file", func(t *testing.T) {
		s := newTestStore(t)
		data := `{"provisioned": true, "info": {"ssid": "HomeNet", "ip": "192.168.1.20", "updated_at": "2026-01-01T00:00:00Z"}}`
		test.That(t, os.WriteFile(s.Path(), []byte(data), 0o600), test.ShouldBeNil)
		test.That(t, s.IsProvisioned(), test.ShouldBeTrue)
		test.That(t, s.RequireProvisioned(), test.ShouldBeNil)
		test.That(t, s.Load().Info, test.ShouldResemble, ProvisionInfo{
			SSID: "HomeNet", IP: "192.168.1.20", UpdatedAt: "2026-01-01T00:00:00Z",
		})
	})
}

func TestStoreSave(t *testing.T) {
	s := newTestStore(t)

	test.That(t, s.Save(true, ProvisionInfo{}), test.ShouldBeError, ErrInvalidRecord)
	_, err := os.Stat(s.Path())
	test.That(t, os.IsNotExist(err), test.ShouldBeTrue)

	test.That(t, s.Save(true, ProvisionInfo{SSID: "HomeNet", IP: "192.168.1.20"}), test.ShouldBeNil)
	rec := s.Load()
	test.That(t, rec.Provisioned, test.ShouldBeTrue)
	test.That(t, rec.Info.SSID, test.ShouldEqual, "HomeNet")
	test.That(t, rec.Info.IP, test.ShouldEqual, "192.168.1.20")
	test.That(t, rec.Info.UpdatedAt, test.ShouldEqual, "2026-03-14T09:26:53Z")

	// empty patch fields keep the current values
	test.That(t, s.Save(true, ProvisionInfo{SSID: "HomeNet"}), test.ShouldBeNil)
	test.That(t, s.Load().Info.IP, test.ShouldEqual, "192.168.1.20")

	// a new network doesn't inherit the old address
	test.That(t, s.Save(true, ProvisionInfo{SSID: "Office"}), test.ShouldBeNil)
	test.That(t, s.Load().Info, test.ShouldResemble, ProvisionInfo{SSID: "Office", UpdatedAt: "2026-03-14T09:26:53Z"})

	// on-disk format
	//nolint:gosec
	data, err := os.ReadFile(s.Path())
	test.That(t, err, test.ShouldBeNil)
	var raw map[string]any
	test.That(t, json.Unmarshal(data, &raw), test.ShouldBeNil)
	test.That(t, raw["provisioned"], test.ShouldEqual, true)
	test.That(t, raw["info"].(map[string]any)["ssid"], test.ShouldEqual, "Office")

	info, err := os.Stat(s.Path())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, info.Mode().Perm(), test.ShouldEqual, os.FileMode(0o600))
}

func TestStoreTouch(t *testing.T) {
	s := newTestStore(t)

	// nothing to stamp yet
	test.That(t, s.Touch(), test.ShouldBeNil)
	_, err := os.Stat(s.Path())
	test.That(t, os.IsNotExist(err), test.ShouldBeTrue)

	test.That(t, s.Save(true, ProvisionInfo{SSID: "HomeNet", IP: "192.168.1.20"}), test.ShouldBeNil)
	s.now = func() time.Time {
		return time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	}
	test.That(t, s.Touch(), test.ShouldBeNil)
	rec := s.Load()
	test.That(t, rec.Provisioned, test.ShouldBeTrue)
	test.That(t, rec.Info.SSID, test.ShouldEqual, "HomeNet")
	test.That(t, rec.Info.IP, test.ShouldEqual, "192.168.1.20")
	test.That(t, rec.Info.UpdatedAt, test.ShouldEqual, "2026-03-15T00:00:00Z")

	// a corrupt record is left alone
	test.That(t, os.WriteFile(s.Path(), []byte("garbage"), 0o600), test.ShouldBeNil)
	test.That(t, s.Touch(), test.ShouldNotBeNil)
	//nolint:gosec
	data, err := os.ReadFile(s.Path())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(data), test.ShouldEqual, "garbage")
}

func TestStoreReset(t *testing.T) {
	s := newTestStore(t)
	test.That(t, s.Save(true, ProvisionInfo{SSID: "HomeNet"}), test.ShouldBeNil)
	test.That(t, s.IsProvisioned(), test.ShouldBeTrue)

	test.That(t, s.Reset(), test.ShouldBeNil)
	rec := s.Load()
	test.That(t, rec.Provisioned, test.ShouldBeFalse)
	test.That(t, rec.Info.SSID, test.ShouldBeEmpty)
	test.That(t, rec.Info.UpdatedAt, test.ShouldNotBeEmpty)
}
