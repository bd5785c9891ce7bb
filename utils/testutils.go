package utils

import (
	"os"
	"path/filepath"
	"testing"

	"go.viam.com/test"
)

// MockAndCreateMedicamDirs calls [MockMedicamDirs], then creates all those
// directories. It returns the temporary directory that is the parent of the
// medicam directories.
func MockAndCreateMedicamDirs(t *testing.T) string {
	t.Helper()
	td := MockMedicamDirs(t)
	for _, dir := range MedicamDirs.Values() {
		//nolint: gosec
		err := os.MkdirAll(dir, 0o755)
		test.That(t, err, test.ShouldBeNil)
	}
	return td
}

// MockMedicamDirs replaces utils.MedicamDirs members with paths in
// t.TempDir for duration of test.
func MockMedicamDirs(t *testing.T) string {
	t.Helper()
	old := MedicamDirs
	t.Cleanup(func() {
		MedicamDirs = old
	})
	td := t.TempDir()
	base := filepath.Join(td, "medicam")
	MedicamDirs = MedicamDirsData{
		Medicam: base,
		Bin:     filepath.Join(base, "bin"),
		State:   filepath.Join(td, "state"),
		Etc:     filepath.Join(td, "etc"),
	}
	return td
}

func MockBuildInfo(t *testing.T, version, revision string) {
	originalVersion := Version
	originalRevision := GitRevision
	t.Cleanup(func() {
		Version = originalVersion
		GitRevision = originalRevision
	})
	Version = version
	GitRevision = revision
}

// Touch is equivalent to unix touch; creates an empty file at path.
func Touch(t *testing.T, path string) {
	f, err := os.Create(path) //nolint:gosec
	test.That(t, err, test.ShouldBeNil)
	f.Close() //nolint:gosec,errcheck
}
