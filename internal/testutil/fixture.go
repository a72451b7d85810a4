// Package testutil stages on-disk fixtures for tests that exercise the
// file-loading boundaries of the runtime: conductor config files resolved
// by relative search path and DNA manifests unpacked from a bundle
// directory.
package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

// Fixture is a per-test directory tree, removed automatically when the test
// ends. Loaders that take a file path or resolve one relative to the
// working directory are pointed at it via Path or Chdir.
type Fixture struct {
	t    *testing.T
	Root string
}

// NewFixture roots a fixture in a fresh per-test temporary directory.
func NewFixture(t *testing.T) *Fixture {
	t.Helper()
	return &Fixture{t: t, Root: t.TempDir()}
}

// Path returns the absolute path of name inside the fixture. The name uses
// slashes regardless of platform.
func (f *Fixture) Path(name string) string {
	return filepath.Join(f.Root, filepath.FromSlash(name))
}

// WriteFile stages data at name, creating parent directories as needed, and
// returns the absolute path. Failures end the test.
func (f *Fixture) WriteFile(name string, data []byte) string {
	f.t.Helper()
	path := f.Path(name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		f.t.Fatalf("fixture mkdir for %s: %v", name, err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		f.t.Fatalf("fixture write %s: %v", name, err)
	}
	return path
}

// ReadFile reads a staged file back. Failures end the test.
func (f *Fixture) ReadFile(name string) []byte {
	f.t.Helper()
	data, err := os.ReadFile(f.Path(name))
	if err != nil {
		f.t.Fatalf("fixture read %s: %v", name, err)
	}
	return data
}

// Chdir moves the test process into the fixture root so loaders that search
// relative paths (viper's config search list) see the staged files; the
// original working directory is restored when the test ends.
func (f *Fixture) Chdir() {
	f.t.Helper()
	prev, err := os.Getwd()
	if err != nil {
		f.t.Fatalf("fixture getwd: %v", err)
	}
	if err := os.Chdir(f.Root); err != nil {
		f.t.Fatalf("fixture chdir: %v", err)
	}
	f.t.Cleanup(func() { _ = os.Chdir(prev) })
}
